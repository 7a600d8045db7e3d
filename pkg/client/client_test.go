package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/repo-analyzer/internal/testutil"
	"github.com/Sternrassler/repo-analyzer/pkg/cache"
	"github.com/Sternrassler/repo-analyzer/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a test Redis client.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   13, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func newTestClient(t *testing.T, mock *testutil.MockGitHub, token string) *Client {
	t.Helper()
	return newTestClientWithRedis(t, setupTestRedis(t), mock, token)
}

func newTestClientWithRedis(t *testing.T, redisClient *redis.Client, mock *testutil.MockGitHub, token string) *Client {
	t.Helper()

	cfg := DefaultConfig(redisClient, "repo-analyzer-test/1.0")
	cfg.BaseURL = mock.URL()
	cfg.Token = token
	cfg.RateLimit = 0

	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func flaskFixture() testutil.RepoFixture {
	return testutil.RepoFixture{
		FullName:        "pallets/flask",
		StargazersCount: 67000,
		ForksCount:      16000,
		UpdatedAt:       time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNew_Validation(t *testing.T) {
	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer redisClient.Close()

	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			config: Config{
				Redis:     redisClient,
				UserAgent: "TestApp/1.0.0",
			},
			expectError: false,
		},
		{
			name: "nil redis",
			config: Config{
				UserAgent: "TestApp/1.0.0",
			},
			expectError: true,
			errorMsg:    "redis client is required",
		},
		{
			name: "empty user agent",
			config: Config{
				Redis: redisClient,
			},
			expectError: true,
			errorMsg:    "user-agent is required",
		},
		{
			name: "negative rate limit",
			config: Config{
				Redis:     redisClient,
				UserAgent: "TestApp/1.0.0",
				RateLimit: -1,
			},
			expectError: true,
			errorMsg:    "rate_limit must be >= 0 (got -1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
					return
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
			} else {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
					return
				}
				if client == nil {
					t.Error("Client is nil")
				}
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer redisClient.Close()

	userAgent := "TestApp/1.0.0"
	cfg := DefaultConfig(redisClient, userAgent)

	if cfg.Redis != redisClient {
		t.Error("Redis client not set correctly")
	}
	if cfg.UserAgent != userAgent {
		t.Errorf("UserAgent = %q, want %q", cfg.UserAgent, userAgent)
	}
	if cfg.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, DefaultBaseURL)
	}
	if cfg.RateLimit <= 0 {
		t.Errorf("RateLimit = %v, should be > 0", cfg.RateLimit)
	}
	if cfg.Timeout <= 0 {
		t.Errorf("Timeout = %v, should be > 0", cfg.Timeout)
	}
}

func TestClassifyError(t *testing.T) {
	client := &Client{logger: zerolog.Nop()}

	tests := []struct {
		name       string
		statusCode int
		remaining  string
		err        error
		expected   ErrorClass
	}{
		{name: "network error", err: io.EOF, expected: ErrorClassNetwork},
		{name: "not modified", statusCode: 304, expected: ErrorClassNotModified},
		{name: "client error 404", statusCode: 404, expected: ErrorClassClient},
		{name: "forbidden with budget left", statusCode: 403, remaining: "12", expected: ErrorClassClient},
		{name: "forbidden with exhausted budget", statusCode: 403, remaining: "0", expected: ErrorClassRateLimit},
		{name: "too many requests", statusCode: 429, expected: ErrorClassRateLimit},
		{name: "server error 500", statusCode: 500, expected: ErrorClassServer},
		{name: "server error 502", statusCode: 502, expected: ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.statusCode > 0 {
				resp = &http.Response{StatusCode: tt.statusCode, Header: http.Header{}}
				if tt.remaining != "" {
					resp.Header.Set("X-RateLimit-Remaining", tt.remaining)
				}
			}

			if got := client.classifyError(resp, tt.err); got != tt.expected {
				t.Errorf("classifyError() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGet_RequestHeaders(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRepo(flaskFixture())

	c := newTestClient(t, mock, "s3cret")
	_, err := c.Get(context.Background(), "/repos/pallets/flask")
	require.NoError(t, err)

	h := mock.LastRequestHeader()
	assert.Equal(t, "repo-analyzer-test/1.0", h.Get("User-Agent"))
	assert.Equal(t, AcceptHeader, h.Get("Accept"))
	assert.Equal(t, DefaultAPIVersion, h.Get("X-GitHub-Api-Version"))
	assert.Equal(t, "Bearer s3cret", h.Get("Authorization"))
}

func TestGet_AnonymousHasNoAuthorization(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRepo(flaskFixture())

	c := newTestClient(t, mock, "")
	_, err := c.Get(context.Background(), "/repos/pallets/flask")
	require.NoError(t, err)

	assert.Empty(t, mock.LastRequestHeader().Get("Authorization"))
}

func TestGet_RateLimitBlock(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRepo(flaskFixture())

	c := newTestClient(t, mock, "")

	// Pre-populate Redis with an exhausted window
	ctx := context.Background()
	now := time.Now()
	redisClient := c.redis
	keys := ratelimit.KeysFor(c.Scope())
	redisClient.Set(ctx, keys.Limit, 60, 0)
	redisClient.Set(ctx, keys.Remaining, 0, 0)
	redisClient.Set(ctx, keys.Reset, now.Add(time.Hour).Unix(), 0)
	lastUpdateJSON, _ := json.Marshal(now)
	redisClient.Set(ctx, keys.LastUpdate, lastUpdateJSON, 0)

	_, err := c.Get(ctx, "/repos/pallets/flask")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 0, mock.RequestCount())
}

func TestGet_FreshCacheHit(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRepo(flaskFixture())
	mock.SetMaxAge(300)

	c := newTestClient(t, mock, "")
	ctx := context.Background()

	first, err := c.Get(ctx, "/repos/pallets/flask")
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := c.Get(ctx, "/repos/pallets/flask")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)

	assert.Equal(t, 1, mock.RequestCount())
}

func TestGet_ConditionalRequestNotModified(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRepo(flaskFixture())
	mock.SetMaxAge(0)

	c := newTestClient(t, mock, "")
	ctx := context.Background()

	first, err := c.Get(ctx, "/repos/pallets/flask")
	require.NoError(t, err)

	second, err := c.Get(ctx, "/repos/pallets/flask")
	require.NoError(t, err)

	assert.Equal(t, 2, mock.RequestCount())
	assert.Equal(t, 1, mock.ConditionalCount())
	assert.True(t, second.FromCache)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, first.Body, second.Body)
}

func TestGet_ErrorResponses(t *testing.T) {
	tests := []struct {
		name          string
		response      testutil.MockResponse
		expectStatus  int
		expectClass   ErrorClass
		expectMessage string
	}{
		{
			name:          "not found",
			response:      testutil.NewNotFoundResponse(),
			expectStatus:  404,
			expectClass:   ErrorClassClient,
			expectMessage: "Not Found",
		},
		{
			name:          "rate limited",
			response:      testutil.NewRateLimitResponse(),
			expectStatus:  403,
			expectClass:   ErrorClassRateLimit,
			expectMessage: "API rate limit exceeded",
		},
		{
			name:          "server error",
			response:      testutil.NewServerErrorResponse(),
			expectStatus:  502,
			expectClass:   ErrorClassServer,
			expectMessage: "Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockGitHub()
			defer mock.Close()
			mock.SetResponse("/repos/some/repo", tt.response)

			c := newTestClient(t, mock, "")
			_, err := c.Get(context.Background(), "/repos/some/repo")

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.expectStatus, apiErr.StatusCode)
			assert.Equal(t, tt.expectClass, apiErr.ErrorClass)
			assert.Equal(t, tt.expectMessage, apiErr.Message)
			assert.Equal(t, 1, mock.RequestCount(), "no retries")
		})
	}
}

func TestGet_NetworkError(t *testing.T) {
	mock := testutil.NewMockGitHub()
	c := newTestClient(t, mock, "")
	mock.Close()

	_, err := c.Get(context.Background(), "/repos/pallets/flask")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrorClassNetwork, apiErr.ErrorClass)
	assert.NotNil(t, errors.Unwrap(apiErr))
}

func TestGet_UpdatesRateLimitState(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRepo(flaskFixture())
	mock.SetRateLimit(60, 42, time.Now().Add(30*time.Minute))

	c := newTestClient(t, mock, "")
	ctx := context.Background()

	_, err := c.Get(ctx, "/repos/pallets/flask")
	require.NoError(t, err)

	state, err := c.RateLimiter().GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, state.Limit)
	assert.Equal(t, 41, state.Remaining, "one full response consumed")
}

func TestGet_TokensDoNotShareCache(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRepo(flaskFixture())
	mock.SetMaxAge(300)

	redisClient := setupTestRedis(t)
	clientA := newTestClientWithRedis(t, redisClient, mock, "ghp_token_a")
	clientB := newTestClientWithRedis(t, redisClient, mock, "ghp_token_b")
	anon := newTestClientWithRedis(t, redisClient, mock, "")
	ctx := context.Background()

	assert.NotEqual(t, clientA.Scope(), clientB.Scope())
	assert.Equal(t, cache.AnonymousScope, anon.Scope())

	first, err := clientA.Get(ctx, "/repos/pallets/flask")
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	// Same token: served from cache.
	again, err := clientA.Get(ctx, "/repos/pallets/flask")
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, 1, mock.RequestCount())

	// Different token: its own request, no validators from token A.
	other, err := clientB.Get(ctx, "/repos/pallets/flask")
	require.NoError(t, err)
	assert.False(t, other.FromCache)
	assert.Equal(t, 2, mock.RequestCount())
	assert.Empty(t, mock.LastRequestHeader().Get("If-None-Match"))
	assert.Equal(t, "Bearer ghp_token_b", mock.LastRequestHeader().Get("Authorization"))

	fromAnon, err := anon.Get(ctx, "/repos/pallets/flask")
	require.NoError(t, err)
	assert.False(t, fromAnon.FromCache)
	assert.Equal(t, 3, mock.RequestCount())
	assert.Equal(t, 0, mock.ConditionalCount())
}

func TestGet_TokensHaveSeparateRateLimits(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRepo(flaskFixture())

	redisClient := setupTestRedis(t)
	exhausted := newTestClientWithRedis(t, redisClient, mock, "ghp_exhausted")
	fresh := newTestClientWithRedis(t, redisClient, mock, "ghp_fresh")
	ctx := context.Background()

	keys := exhausted.RateLimiter().Keys()
	redisClient.Set(ctx, keys.Limit, 5000, 0)
	redisClient.Set(ctx, keys.Remaining, 0, 0)
	redisClient.Set(ctx, keys.Reset, time.Now().Add(time.Hour).Unix(), 0)
	lastUpdateJSON, _ := json.Marshal(time.Now())
	redisClient.Set(ctx, keys.LastUpdate, lastUpdateJSON, 0)

	_, err := exhausted.Get(ctx, "/repos/pallets/flask")
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = fresh.Get(ctx, "/repos/pallets/flask")
	require.NoError(t, err)
	assert.Equal(t, 1, mock.RequestCount())
}

func TestNew_ThrottleDelay(t *testing.T) {
	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer redisClient.Close()

	cfg := DefaultConfig(redisClient, "repo-analyzer-test/1.0")
	assert.Equal(t, ratelimit.DefaultThrottleDelay, cfg.ThrottleDelay)

	cfg.ThrottleDelay = 50 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, c.RateLimiter().ThrottleDelay())
	assert.Equal(t, ratelimit.KeysFor(cache.TokenScope("")), c.RateLimiter().Keys())
}
