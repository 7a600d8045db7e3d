// Package cache stores GitHub API responses in Redis and supports
// conditional requests.
//
// Features:
//
// - TTL from Cache-Control max-age, falling back to Expires, then DefaultTTL
// - ETag support for conditional requests (If-None-Match)
// - Last-Modified support (If-Modified-Since)
// - Prometheus metrics for observability
// - Deterministic cache key generation
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{
//		Endpoint: "/repos/pallets/flask",
//		Scope:    cache.TokenScope(token),
//	}
//
//	entry, err := manager.GetStale(ctx, key)
//	if err == nil && !entry.IsExpired() {
//		// serve entry.Data without a request
//	}
//
// # Conditional Requests
//
// Entries are stored with SetWithRetention so they outlive their expiry and
// keep their validators:
//
//	if entry != nil && cache.ShouldMakeConditionalRequest(entry) {
//		req.SetHeaders(cache.ConditionalHeaders(entry))
//		// GitHub answers 304 if unchanged
//	}
//
//	// on 304
//	manager.Refresh(ctx, key, entry, cache.ParseExpires(resp.Header), retain)
//
// Responses fetched with different tokens never share an entry: the key
// scope is a fingerprint of the token.
//
// A 304 answer to a conditional request does not count against the primary
// GitHub rate limit, so revalidating a cached entry is always preferred over
// an unconditional request.
//
// # Metrics
//
//   - github_cache_hits_total{layer="redis"} - Cache hits
//   - github_cache_misses_total - Cache misses
//   - github_cache_size_bytes{layer="redis"} - Bytes written to the cache
//   - github_conditional_requests_total - Conditional requests sent
//   - github_304_responses_total - Conditional request successes
//   - github_cache_errors_total{operation} - Cache operation errors
package cache
