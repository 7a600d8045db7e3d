package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTTL is the fallback TTL when the response carries no freshness information
	DefaultTTL = 60 * time.Second
)

// ResponseToEntry converts an HTTP response to a CacheEntry.
// The response body is read and then restored for the caller.
func ResponseToEntry(resp *http.Response) (*CacheEntry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}
	if resp.Body == nil {
		return nil, fmt.Errorf("response body cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()

	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := &CacheEntry{
		Data:       body,
		ETag:       resp.Header.Get("ETag"),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		CachedAt:   time.Now(),
		Expires:    ParseExpires(resp.Header),
	}

	if lastModStr := resp.Header.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			entry.LastModified = lastMod
		}
	}

	return entry, nil
}

// ParseExpires derives an expiry time from response headers.
// Cache-Control max-age wins over Expires; without either, DefaultTTL applies.
// no-store / no-cache yield an already-expired time.
func ParseExpires(headers http.Header) time.Time {
	now := time.Now()

	if cc := headers.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			directive = strings.TrimSpace(strings.ToLower(directive))
			switch {
			case directive == "no-store" || directive == "no-cache":
				return now
			case strings.HasPrefix(directive, "max-age="):
				secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
				if err == nil && secs >= 0 {
					return now.Add(time.Duration(secs) * time.Second)
				}
			}
		}
	}

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return now.Add(DefaultTTL)
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return now.Add(DefaultTTL)
	}

	if expires.Before(now) {
		return now
	}

	return expires
}

// ShouldMakeConditionalRequest reports whether entry carries a validator
// (ETag or Last-Modified).
func ShouldMakeConditionalRequest(entry *CacheEntry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// ConditionalHeaders returns If-None-Match (preferred) or If-Modified-Since
// for entry. It returns an empty map when entry has no validator.
func ConditionalHeaders(entry *CacheEntry) map[string]string {
	headers := make(map[string]string, 1)
	if entry == nil {
		return headers
	}

	if entry.ETag != "" {
		headers["If-None-Match"] = entry.ETag
	} else if !entry.LastModified.IsZero() {
		headers["If-Modified-Since"] = entry.LastModified.UTC().Format(http.TimeFormat)
	}
	return headers
}
