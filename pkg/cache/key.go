package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// AnonymousScope is the scope of requests sent without a token.
const AnonymousScope = "anon"

// CacheKey identifies a cached GitHub response.
type CacheKey struct {
	// Endpoint is the API path (e.g., "/repos/pallets/flask")
	Endpoint string

	// Scope separates responses that differ by credentials: AnonymousScope
	// or a token fingerprint from TokenScope. Empty means anonymous.
	Scope string
}

// TokenScope returns the credential scope for token: the first 12 hex
// characters of its SHA-256, or AnonymousScope when token is empty.
// The token itself never ends up in Redis.
func TokenScope(token string) string {
	if token == "" {
		return AnonymousScope
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

// String generates a deterministic cache key string.
// Format: gh:endpoint:scope=xyz
//
// Example:
//
//	gh:repos/pallets/flask:scope=3f2a9c81d0e4
func (k CacheKey) String() string {
	parts := []string{"gh"}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, strings.ToLower(endpoint))
	}

	scope := k.Scope
	if scope == "" {
		scope = AnonymousScope
	}
	parts = append(parts, "scope="+scope)

	return strings.Join(parts, ":")
}
