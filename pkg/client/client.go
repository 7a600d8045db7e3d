// Package client provides the GitHub REST client with rate limiting,
// response caching, and error classification.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/repo-analyzer/pkg/cache"
	"github.com/Sternrassler/repo-analyzer/pkg/ratelimit"
	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for GitHub client operations.
var (
	githubRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_requests_total",
		Help: "Total GitHub requests by status",
	}, []string{"status"})

	githubRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "github_request_duration_seconds",
		Help:    "GitHub request duration in seconds, including cache lookups",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	githubErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_errors_total",
		Help: "Total GitHub errors by class",
	}, []string{"class"})
)

// ErrorClass represents a classification of request outcomes.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 403/429 responses with an exhausted rate limit.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassNotModified marks a 304 answered from cache. Not an error.
	ErrorClassNotModified ErrorClass = "not_modified"
)

// GitHub API defaults.
const (
	DefaultBaseURL    = "https://api.github.com"
	DefaultAPIVersion = "2022-11-28"
	AcceptHeader      = "application/vnd.github+json"
)

// Config holds the client configuration.
type Config struct {
	// Redis client for caching and rate limit state
	Redis *redis.Client

	// BaseURL of the REST API, DefaultBaseURL unless testing or using GHES
	BaseURL string

	// Token is sent as a bearer token when set. Anonymous clients get 60 requests/hour.
	Token string

	// User-Agent header (REQUIRED by GitHub)
	UserAgent string

	// RateLimit is the client-side pacing in requests per second (0 disables)
	RateLimit float64

	// Timeout per HTTP request
	Timeout time.Duration

	// CacheRetention keeps expired entries so their ETag can be revalidated
	CacheRetention time.Duration

	// ThrottleDelay is the wait before each request while the rate limit is
	// low (0 uses ratelimit.DefaultThrottleDelay)
	ThrottleDelay time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redis *redis.Client, userAgent string) Config {
	return Config{
		Redis:          redis,
		BaseURL:        DefaultBaseURL,
		UserAgent:      userAgent,
		RateLimit:      10,
		Timeout:        30 * time.Second,
		CacheRetention: 24 * time.Hour,
		ThrottleDelay:  ratelimit.DefaultThrottleDelay,
	}
}

// Response is a GitHub response, either from the network or from cache.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// FromCache is true when the body was served from the cache, either
	// because the entry was fresh or because GitHub answered 304.
	FromCache bool
}

// Client is the GitHub REST client.
type Client struct {
	http        *resty.Client
	pacer       *rate.Limiter
	redis       *redis.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	scope       string
	config      Config
	logger      zerolog.Logger
}

// New creates a new GitHub client.
func New(cfg Config) (*Client, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate_limit must be >= 0 (got %v)", cfg.RateLimit)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "github-client").Logger()

	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", AcceptHeader).
		SetHeader("X-GitHub-Api-Version", DefaultAPIVersion)
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}

	pacer := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	// Cached bodies and the rate limit budget both belong to the credentials
	scope := cache.TokenScope(cfg.Token)

	tracker := ratelimit.NewTracker(cfg.Redis, scope, logger)
	tracker.SetThrottleDelay(cfg.ThrottleDelay)

	return &Client{
		http:        httpClient,
		pacer:       pacer,
		redis:       cfg.Redis,
		rateLimiter: tracker,
		cache:       cache.NewManager(cfg.Redis),
		scope:       scope,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Get performs a GET request against endpoint (a path such as
// "/repos/pallets/flask") with caching and rate limiting.
//
// A fresh cache entry is returned without touching the network. A stale one
// is revalidated with If-None-Match / If-Modified-Since. Any status other
// than 200 or 304 is returned as *APIError. There are no retries.
func (c *Client) Get(ctx context.Context, endpoint string) (*Response, error) {
	startTime := time.Now()
	defer func() {
		githubRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	cacheKey := cache.CacheKey{Endpoint: endpoint, Scope: c.scope}

	// Step 1: Check Cache
	cachedEntry, err := c.cache.GetStale(ctx, cacheKey)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		cachedEntry = nil
	}
	if cachedEntry != nil && !cachedEntry.IsExpired() {
		cache.CacheHits.WithLabelValues("redis").Inc()
		githubRequestsTotal.WithLabelValues("cache_hit").Inc()
		c.logger.Debug().Str("endpoint", endpoint).Msg("Serving fresh cache entry")
		return entryToResponse(cachedEntry), nil
	}
	if cachedEntry == nil {
		cache.CacheMisses.Inc()
	}

	// Step 2: Check Rate Limit
	allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Rate limit check failed")
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		c.logger.Warn().
			Str("endpoint", endpoint).
			Msg("Request blocked by rate limiter")
		githubRequestsTotal.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, fmt.Errorf("client rate limiter: %w", err)
	}

	// Step 3: Build request, conditional if we hold a validator
	req := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)

	if cachedEntry != nil && cache.ShouldMakeConditionalRequest(cachedEntry) {
		req.SetHeaders(cache.ConditionalHeaders(cachedEntry))
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("etag", cachedEntry.ETag).
			Msg("Making conditional request")
	}

	// Step 4: Execute HTTP Request (single attempt)
	c.logger.Debug().
		Str("endpoint", endpoint).
		Msg("Executing GitHub request")

	resp, err := req.Get(endpoint)
	if err != nil {
		errClass := c.classifyError(nil, err)
		githubErrorsTotal.WithLabelValues(string(errClass)).Inc()
		githubRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return nil, &APIError{
			ErrorClass: errClass,
			Message:    "request failed",
			Err:        err,
		}
	}

	raw := resp.RawResponse
	defer raw.Body.Close()

	// Step 5: Update Rate Limit from headers
	if err := c.rateLimiter.UpdateFromHeaders(ctx, raw.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}

	status := strconv.Itoa(raw.StatusCode)

	switch {
	// Step 6: Handle 304 Not Modified
	case raw.StatusCode == http.StatusNotModified && cachedEntry != nil:
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")
		githubRequestsTotal.WithLabelValues(status).Inc()
		cache.NotModifiedResponses.Inc()

		newExpires := cache.ParseExpires(raw.Header)
		if err := c.cache.Refresh(ctx, cacheKey, cachedEntry, newExpires, c.config.CacheRetention); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh cache entry")
		}
		return entryToResponse(cachedEntry), nil

	// Step 7: Update Cache on success
	case raw.StatusCode == http.StatusOK:
		githubRequestsTotal.WithLabelValues(status).Inc()

		entry, err := cache.ResponseToEntry(raw)
		if err != nil {
			githubErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return nil, &APIError{
				StatusCode: raw.StatusCode,
				ErrorClass: ErrorClassNetwork,
				Message:    "read response body",
				Err:        err,
			}
		}
		if err := c.cache.SetWithRetention(ctx, cacheKey, entry, c.config.CacheRetention); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		} else {
			c.logger.Debug().
				Str("endpoint", endpoint).
				Dur("ttl", entry.TTL()).
				Msg("Cached response")
		}
		return &Response{
			StatusCode: raw.StatusCode,
			Header:     raw.Header,
			Body:       entry.Data,
		}, nil
	}

	// Step 8: Everything else is an error
	errClass := c.classifyError(raw, nil)
	githubErrorsTotal.WithLabelValues(string(errClass)).Inc()
	githubRequestsTotal.WithLabelValues(status).Inc()

	c.logger.Warn().
		Str("endpoint", endpoint).
		Int("status", raw.StatusCode).
		Str("error_class", string(errClass)).
		Msg("GitHub request error")

	return nil, &APIError{
		StatusCode: raw.StatusCode,
		ErrorClass: errClass,
		Message:    errorMessage(raw),
	}
}

// classifyError categorizes an error for observability and handling.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return ErrorClassNotModified
	case (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests) &&
		resp.Header.Get("X-RateLimit-Remaining") == "0":
		return ErrorClassRateLimit
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		// 1xx/3xx we did not ask for
		return ErrorClassClient
	}
}

// errorMessage extracts GitHub's {"message": ...} from an error body,
// falling back to the status text.
func errorMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		if msg := parseErrorMessage(body); msg != "" {
			return msg
		}
	}
	return resp.Status
}

func entryToResponse(entry *cache.CacheEntry) *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Header:     entry.Headers,
		Body:       entry.Data,
		FromCache:  true,
	}
}

// Close closes the client and releases idle connections.
// The Redis client is owned by the caller and stays open.
func (c *Client) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

// RateLimiter returns the shared rate limit tracker.
func (c *Client) RateLimiter() *ratelimit.Tracker {
	return c.rateLimiter
}

// GetCache returns the cache manager (for testing).
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}

// Scope returns the credential scope of cache keys and rate limit state.
func (c *Client) Scope() string {
	return c.scope
}
