//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/Sternrassler/repo-analyzer/internal/testutil"
	"github.com/Sternrassler/repo-analyzer/pkg/client"
	"github.com/Sternrassler/repo-analyzer/pkg/pipeline"
	"github.com/Sternrassler/repo-analyzer/pkg/processors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func newMock(now time.Time) *testutil.MockGitHub {
	mock := testutil.NewMockGitHub()
	mock.SetMaxAge(300)
	mock.SetRepo(testutil.RepoFixture{FullName: "tiangolo/fastapi", StargazersCount: 90, UpdatedAt: now.Add(-2 * time.Hour)})
	mock.SetRepo(testutil.RepoFixture{FullName: "pallets/flask", StargazersCount: 60, UpdatedAt: now.Add(-30 * 24 * time.Hour)})
	mock.SetRepo(testutil.RepoFixture{FullName: "django/django", StargazersCount: 30, UpdatedAt: now.Add(-time.Minute)})
	// The original tool held fastapi back to show completion order
	mock.SetRepoDelay("tiangolo/fastapi", 200*time.Millisecond)
	return mock
}

func newClient(t *testing.T, redisClient *redis.Client, baseURL string) *client.Client {
	t.Helper()

	cfg := client.DefaultConfig(redisClient, "repo-analyzer-integration/1.0")
	cfg.BaseURL = baseURL
	cfg.RateLimit = 0

	c, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPipeline_EndToEnd(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	now := time.Now()
	mock := newMock(now)
	defer mock.Close()

	ghClient := newClient(t, redisClient, mock.URL())
	logger := zerolog.Nop()

	avg := processors.NewStarAverage(logger)
	recent := processors.NewRecentlyUpdated(24*time.Hour, logger)

	var order []string
	report, err := pipeline.Run(context.Background(), pipeline.Config[client.Repo]{
		Keys:        []string{"tiangolo/fastapi", "pallets/flask", "django/django", "jdalzatec/vegas"},
		Concurrency: 5,
		Source:      client.RepoSource(ghClient),
		Processors:  []pipeline.Processor[client.Repo]{avg, recent},
		OnOutcome:   func(o pipeline.Outcome) { order = append(order, o.Key) },
		Logger:      &logger,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Succeeded())
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 3, report.Processed)
	assert.Empty(t, report.Failures)
	assert.False(t, report.Interrupted)

	// The delayed repository completes last
	require.Len(t, order, 4)
	assert.Equal(t, "tiangolo/fastapi", order[3])

	for _, o := range report.Outcomes {
		if o.Key == "jdalzatec/vegas" {
			assert.False(t, o.OK)
			assert.True(t, client.IsNotFound(o.Err))
		}
	}

	assert.InDelta(t, 60.0, avg.Average(), 1e-9)

	var recentNames []string
	for _, r := range recent.Recent() {
		recentNames = append(recentNames, r.FullName)
	}
	assert.ElementsMatch(t, []string{"tiangolo/fastapi", "django/django"}, recentNames)
}

func TestPipeline_SecondRunServedFromCache(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := newMock(time.Now())
	defer mock.Close()

	ghClient := newClient(t, redisClient, mock.URL())
	logger := zerolog.Nop()
	keys := []string{"tiangolo/fastapi", "pallets/flask", "django/django"}

	runOnce := func() *pipeline.Report {
		report, err := pipeline.Run(context.Background(), pipeline.Config[client.Repo]{
			Keys:        keys,
			Concurrency: 2,
			Source:      client.RepoSource(ghClient),
			Processors:  []pipeline.Processor[client.Repo]{processors.NewStarAverage(logger)},
			Logger:      &logger,
		})
		require.NoError(t, err)
		return report
	}

	first := runOnce()
	assert.Equal(t, 3, first.Processed)
	assert.Equal(t, 3, mock.RequestCount())

	second := runOnce()
	assert.Equal(t, 3, second.Processed)
	assert.Equal(t, 3, mock.RequestCount(), "second run should not reach GitHub")
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestPipeline_CancelledRun(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := newMock(time.Now())
	defer mock.Close()
	mock.SetRepoDelay("pallets/flask", 2*time.Second)

	ghClient := newClient(t, redisClient, mock.URL())
	logger := zerolog.Nop()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan *pipeline.Report, 1)
	go func() {
		report, _ := pipeline.Run(ctx, pipeline.Config[client.Repo]{
			Keys:        []string{"pallets/flask", "django/django"},
			Concurrency: 2,
			Source:      client.RepoSource(ghClient),
			Logger:      &logger,
		})
		done <- report
	}()

	select {
	case report := <-done:
		require.NotNil(t, report)
		assert.Len(t, report.Outcomes, 2)
		for _, o := range report.Outcomes {
			if o.Key == "pallets/flask" {
				assert.False(t, o.OK)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled run did not return")
	}
}
