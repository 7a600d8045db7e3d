// Package testutil provides testing utilities for the repo analyzer.
package testutil

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock GitHub endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RepoFixture is the repository payload served by the mock.
type RepoFixture struct {
	FullName        string    `json:"full_name"`
	StargazersCount int       `json:"stargazers_count"`
	ForksCount      int       `json:"forks_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MockGitHub is a configurable mock GitHub REST server for testing.
//
// /repos/{owner}/{name} is served from fixtures added with SetRepo, with an
// ETag derived from the body and Cache-Control max-age. Unknown repositories
// get a 404. Every response carries X-RateLimit-* headers; the remaining
// count drops by one for each full (non-304) response.
type MockGitHub struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	repos    map[string]RepoFixture
	delays   map[string]time.Duration

	limit     int
	remaining int
	reset     time.Time
	maxAge    int

	// Tracking
	requestCount      int
	conditionalCount  int
	pathCounts        map[string]int
	lastRequestHeader http.Header
}

// NewMockGitHub creates a new mock GitHub server.
func NewMockGitHub() *MockGitHub {
	mock := &MockGitHub{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		repos:      make(map[string]RepoFixture),
		delays:     make(map[string]time.Duration),
		pathCounts: make(map[string]int),
		limit:      5000,
		remaining:  5000,
		reset:      time.Now().Add(time.Hour),
		maxAge:     60,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.lastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.conditionalCount++
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.repoHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockGitHub) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGitHub) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockGitHub) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.conditionalCount = 0
	m.pathCounts = make(map[string]int)
	m.lastRequestHeader = nil
}

// SetRepo adds or replaces a repository fixture.
func (m *MockGitHub) SetRepo(repo RepoFixture) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[strings.ToLower(repo.FullName)] = repo
}

// SetRepoDelay delays responses for one repository.
func (m *MockGitHub) SetRepoDelay(fullName string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[strings.ToLower(fullName)] = d
}

// SetRateLimit sets the rate limit window reported in response headers.
func (m *MockGitHub) SetRateLimit(limit, remaining int, reset time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
	m.remaining = remaining
	m.reset = reset
}

// SetMaxAge sets the Cache-Control max-age of repository responses.
func (m *MockGitHub) SetMaxAge(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxAge = seconds
}

// SetHandler sets a custom handler for a specific path.
func (m *MockGitHub) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockGitHub) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// RequestCount returns the number of requests made to the server.
func (m *MockGitHub) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// ConditionalCount returns the number of conditional requests.
func (m *MockGitHub) ConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditionalCount
}

// RequestsFor returns the number of requests made for path.
func (m *MockGitHub) RequestsFor(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockGitHub) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

// repoHandler serves /repos/{owner}/{name}.
func (m *MockGitHub) repoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	fullName, ok := strings.CutPrefix(r.URL.Path, "/repos/")
	if !ok {
		m.writeRateHeaders(w)
		writeMessage(w, http.StatusNotFound, "Not Found")
		return
	}
	key := strings.ToLower(fullName)

	m.mu.RLock()
	repo, exists := m.repos[key]
	delay := m.delays[key]
	maxAge := m.maxAge
	exhausted := m.remaining <= 0
	m.mu.RUnlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if exhausted {
		m.writeRateHeaders(w)
		writeMessage(w, http.StatusForbidden, "API rate limit exceeded")
		return
	}

	if !exists {
		m.consume()
		m.writeRateHeaders(w)
		writeMessage(w, http.StatusNotFound, "Not Found")
		return
	}

	body, err := json.Marshal(repo)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	etag := fmt.Sprintf(`"%x"`, sha1.Sum(body))

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(maxAge))
	w.Header().Set("Last-Modified", repo.UpdatedAt.UTC().Format(http.TimeFormat))

	// Conditional hits do not count against the window
	if r.Header.Get("If-None-Match") == etag {
		m.writeRateHeaders(w)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	m.consume()
	m.writeRateHeaders(w)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// writeRateHeaders writes the X-RateLimit-* headers.
func (m *MockGitHub) writeRateHeaders(w http.ResponseWriter) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(m.remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(m.reset.Unix(), 10))
	w.Header().Set("X-RateLimit-Resource", "core")
}

func (m *MockGitHub) consume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remaining > 0 {
		m.remaining--
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"message": %q, "documentation_url": "https://docs.github.com/rest"}`, message)
}

// NewNotFoundResponse creates a GitHub 404 response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"message": "Not Found"}`,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "60",
			"X-RateLimit-Remaining": "59",
			"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 403 response with an exhausted window.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"message": "API rate limit exceeded"}`,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "60",
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 502 Bad Gateway response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadGateway,
		Body:       `{"message": "Server Error"}`,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "60",
			"X-RateLimit-Remaining": "50",
			"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}
