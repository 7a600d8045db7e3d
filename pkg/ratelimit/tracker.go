package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "github_rate_limit_remaining",
		Help: "Requests remaining in the current GitHub rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "github_rate_limit_blocks_total",
		Help: "Total number of requests blocked because the rate limit was exhausted",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "github_rate_limit_throttles_total",
		Help: "Total number of requests throttled because the rate limit was low",
	})
)

// DefaultThrottleDelay is how long a request waits when the budget is low.
const DefaultThrottleDelay = 1 * time.Second

// Tracker monitors the GitHub rate limit and gates requests.
type Tracker struct {
	redis         *redis.Client
	keys          Keys
	logger        zerolog.Logger
	throttleDelay time.Duration
}

// NewTracker creates a rate limit tracker for scope, usually the token
// fingerprint from cache.TokenScope. Trackers with the same scope share
// their state through Redis.
func NewTracker(redisClient *redis.Client, scope string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		keys:          KeysFor(scope),
		logger:        logger,
		throttleDelay: DefaultThrottleDelay,
	}
}

// SetThrottleDelay overrides the wait applied in the warning band.
// Non-positive values keep the current delay.
func (t *Tracker) SetThrottleDelay(d time.Duration) {
	if d > 0 {
		t.throttleDelay = d
	}
}

// ThrottleDelay returns the wait applied in the warning band.
func (t *Tracker) ThrottleDelay() time.Duration {
	return t.throttleDelay
}

// Keys returns the Redis keys this tracker reads and writes.
func (t *Tracker) Keys() Keys {
	return t.keys
}

// GetState retrieves the current rate limit state from Redis.
// Returns a default healthy state if no data exists in Redis or the stored
// state is older than MaxStateAge.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	vals, err := t.redis.MGet(ctx, t.keys.Limit, t.keys.Remaining, t.keys.Reset, t.keys.LastUpdate).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	if vals[1] == nil || vals[3] == nil {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		return defaultState(), nil
	}

	limit, err := redisInt(vals[0])
	if err != nil {
		return nil, fmt.Errorf("parse limit: %w", err)
	}
	remaining, err := redisInt(vals[1])
	if err != nil {
		return nil, fmt.Errorf("parse remaining: %w", err)
	}
	reset, err := redisInt(vals[2])
	if err != nil {
		return nil, fmt.Errorf("parse reset timestamp: %w", err)
	}

	var lastUpdate time.Time
	if s, ok := vals[3].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &RateLimitState{
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    time.Unix(int64(reset), 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth()

	if state.IsStale(MaxStateAge) {
		t.logger.Debug().
			Time("last_update", state.LastUpdate).
			Msg("Rate limit state is stale, returning default healthy state")
		return defaultState(), nil
	}

	return state, nil
}

func defaultState() *RateLimitState {
	return &RateLimitState{
		Limit:      60,
		Remaining:  60,
		ResetAt:    time.Now().Add(time.Hour),
		LastUpdate: time.Now(),
		IsHealthy:  true,
	}
}

// UpdateFromHeaders parses GitHub rate limit headers and updates Redis state.
// Responses without X-RateLimit-Remaining are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return nil
	}

	remaining, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	resetStr := headers.Get("X-RateLimit-Reset")
	if resetStr == "" {
		return fmt.Errorf("X-RateLimit-Reset header missing")
	}
	reset, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
	}

	limit := 0
	if limitStr := headers.Get("X-RateLimit-Limit"); limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil {
			return fmt.Errorf("parse X-RateLimit-Limit header: %w", err)
		}
	}

	state := &RateLimitState{
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    time.Unix(reset, 0),
		LastUpdate: time.Now(),
	}
	state.UpdateHealth()

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	// Keys expire with the window so a restarted process does not act on an old budget
	ttl := state.TimeUntilReset() + time.Minute

	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, t.keys.Limit, limit, ttl)
	pipe.Set(ctx, t.keys.Remaining, remaining, ttl)
	pipe.Set(ctx, t.keys.Reset, reset, ttl)
	pipe.Set(ctx, t.keys.LastUpdate, lastUpdateJSON, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	rateLimitRemaining.Set(float64(remaining))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("remaining", remaining).
			Time("reset_at", state.ResetAt).
			Msg("GitHub rate limit exhausted - requests will be blocked until reset")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", remaining).
			Time("reset_at", state.ResetAt).
			Msg("GitHub rate limit low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", remaining).
			Int("limit", limit).
			Time("reset_at", state.ResetAt).
			Bool("is_healthy", state.IsHealthy).
			Msg("GitHub rate limit state updated")
	}

	return nil
}

// ShouldAllowRequest checks if a request should be sent.
// Returns false when the window is exhausted. In the warning band it waits
// for the throttle delay (or until ctx is done) and then allows the request.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get rate limit state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("GitHub rate limit exhausted - blocking request")

		rateLimitBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("delay", t.throttleDelay).
			Msg("GitHub rate limit low - throttling request")

		rateLimitThrottlesTotal.Inc()
		select {
		case <-time.After(t.throttleDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return true, nil
}

func redisInt(v interface{}) (int, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected redis value type")
	}
	return strconv.Atoi(s)
}
