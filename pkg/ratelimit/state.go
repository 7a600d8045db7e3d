// Package ratelimit tracks the GitHub REST API primary rate limit and gates
// requests. It reads the X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset response headers and shares the state through Redis so
// that every process using the same token sees the same budget. The state
// is scoped by a token fingerprint; see KeysFor.
package ratelimit

import (
	"time"
)

// RedisKeyPrefix prefixes every rate limit key.
const RedisKeyPrefix = "gh:rate_limit"

// DefaultScope is the scope of anonymous clients.
const DefaultScope = "anon"

// MaxStateAge bounds how long stored state is trusted. GitHub windows last
// one hour, so anything older describes a window that is already over.
const MaxStateAge = time.Hour

// Keys are the Redis keys holding the state of one scope.
type Keys struct {
	Limit      string
	Remaining  string
	Reset      string
	LastUpdate string
}

// KeysFor returns the Redis keys for scope. Anonymous clients and every
// token have separate budgets on GitHub, so each scope gets its own keys.
// An empty scope is DefaultScope.
func KeysFor(scope string) Keys {
	if scope == "" {
		scope = DefaultScope
	}
	prefix := RedisKeyPrefix + ":" + scope + ":"
	return Keys{
		Limit:      prefix + "limit",
		Remaining:  prefix + "remaining",
		Reset:      prefix + "reset_timestamp",
		LastUpdate: prefix + "last_update",
	}
}

// Thresholds for rate limit decisions.
const (
	// ThresholdCritical blocks requests while remaining is below this value
	// and the window has not reset yet. GitHub answers 403 once it hits zero.
	ThresholdCritical = 1

	// ThresholdWarning throttles requests while remaining is below this value.
	ThresholdWarning = 10

	// ThresholdHealthy is the remaining count at or above which the state is healthy.
	ThresholdHealthy = 25
)

// RateLimitState is the last known GitHub rate limit window.
type RateLimitState struct {
	// Limit is the window size (X-RateLimit-Limit), 60 for anonymous clients.
	Limit int `json:"limit"`

	// Remaining is X-RateLimit-Remaining.
	Remaining int `json:"remaining"`

	// ResetAt is X-RateLimit-Reset (UTC epoch seconds).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was last written.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// WindowExpired reports whether the reset time has passed, meaning the
// remaining count no longer applies.
func (s *RateLimitState) WindowExpired() bool {
	return !s.ResetAt.IsZero() && !time.Now().Before(s.ResetAt)
}

// NeedsCriticalBlock returns true if requests must not be sent until reset.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.Remaining < ThresholdCritical && !s.WindowExpired()
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining < ThresholdWarning && !s.NeedsCriticalBlock() && !s.WindowExpired()
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on current Remaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= ThresholdHealthy
}
