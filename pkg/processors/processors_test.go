package processors

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/repo-analyzer/pkg/client"
	"github.com/Sternrassler/repo-analyzer/pkg/pipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ pipeline.Processor[client.Repo] = (*StarAverage)(nil)
	_ pipeline.Processor[client.Repo] = (*RecentlyUpdated)(nil)
)

func TestStarAverage(t *testing.T) {
	avg := NewStarAverage(zerolog.Nop())
	ctx := context.Background()

	assert.Zero(t, avg.Average())

	steps := []struct {
		stars    int
		expected float64
	}{
		{10, 10},
		{20, 15},
		{0, 10},
		{50, 20},
	}
	for _, s := range steps {
		require.NoError(t, avg.Process(ctx, client.Repo{FullName: "x/y", StargazersCount: s.stars}))
		assert.InDelta(t, s.expected, avg.Average(), 1e-9)
	}
	assert.Equal(t, 4, avg.Count())
	assert.Equal(t, "star-average", avg.Name())
}

func TestStarAverage_Concurrent(t *testing.T) {
	avg := NewStarAverage(zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = avg.Process(context.Background(), client.Repo{StargazersCount: 4})
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, avg.Count())
	assert.InDelta(t, 4.0, avg.Average(), 1e-9)
}

func TestRecentlyUpdated(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		updatedAt time.Time
		recent    bool
	}{
		{"an hour ago", now.Add(-time.Hour), true},
		{"just inside window", now.Add(-24*time.Hour + time.Second), true},
		{"exactly window", now.Add(-24 * time.Hour), false},
		{"last week", now.Add(-7 * 24 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewRecentlyUpdated(24*time.Hour, zerolog.Nop())
			p.Now = func() time.Time { return now }

			require.NoError(t, p.Process(context.Background(), client.Repo{FullName: "a/b", UpdatedAt: tt.updatedAt}))
			assert.Equal(t, tt.recent, len(p.Recent()) == 1)
		})
	}
}

func TestRecentlyUpdated_DefaultWindow(t *testing.T) {
	p := NewRecentlyUpdated(0, zerolog.Nop())
	assert.Equal(t, DefaultRecentWindow, p.window)
	assert.Equal(t, "recently-updated", p.Name())
}

func TestRecentlyUpdated_MissingTimestamp(t *testing.T) {
	p := NewRecentlyUpdated(time.Hour, zerolog.Nop())
	err := p.Process(context.Background(), client.Repo{FullName: "a/b"})
	assert.ErrorContains(t, err, "no updated_at")
	assert.Empty(t, p.Recent())
}

func TestProcessors_InPipeline(t *testing.T) {
	now := time.Now()
	repos := map[string]client.Repo{
		"a/one":   {FullName: "a/one", StargazersCount: 10, UpdatedAt: now.Add(-time.Hour)},
		"b/two":   {FullName: "b/two", StargazersCount: 30, UpdatedAt: now.Add(-48 * time.Hour)},
		"c/three": {FullName: "c/three", StargazersCount: 50, UpdatedAt: now.Add(-2 * time.Hour)},
	}
	src := pipeline.SourceFunc[client.Repo](func(_ context.Context, key string) (client.Repo, error) {
		return repos[key], nil
	})

	avg := NewStarAverage(zerolog.Nop())
	recent := NewRecentlyUpdated(24*time.Hour, zerolog.Nop())
	logger := zerolog.Nop()

	report, err := pipeline.Run(context.Background(), pipeline.Config[client.Repo]{
		Keys:        []string{"a/one", "b/two", "c/three"},
		Concurrency: 2,
		Source:      src,
		Processors:  []pipeline.Processor[client.Repo]{avg, recent},
		Logger:      &logger,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Processed)
	assert.Empty(t, report.Failures)
	assert.InDelta(t, 30.0, avg.Average(), 1e-9)

	var names []string
	for _, r := range recent.Recent() {
		names = append(names, r.FullName)
	}
	assert.ElementsMatch(t, []string{"a/one", "c/three"}, names)
}
