package processors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/repo-analyzer/pkg/client"
	"github.com/rs/zerolog"
)

// DefaultRecentWindow is how recent an update must be to be reported.
const DefaultRecentWindow = 24 * time.Hour

// RecentlyUpdated reports repositories updated within a window of now.
type RecentlyUpdated struct {
	window time.Duration
	logger zerolog.Logger

	// Now is the clock, replaceable in tests.
	Now func() time.Time

	mu     sync.Mutex
	recent []client.Repo
}

// NewRecentlyUpdated creates a RecentlyUpdated processor. A window <= 0
// falls back to DefaultRecentWindow.
func NewRecentlyUpdated(window time.Duration, logger zerolog.Logger) *RecentlyUpdated {
	if window <= 0 {
		window = DefaultRecentWindow
	}
	return &RecentlyUpdated{
		window: window,
		logger: logger.With().Str("processor", "recently-updated").Logger(),
		Now:    time.Now,
	}
}

// Name implements the optional processor name.
func (r *RecentlyUpdated) Name() string { return "recently-updated" }

// Process records and logs the repository if it was updated within the window.
func (r *RecentlyUpdated) Process(_ context.Context, repo client.Repo) error {
	if repo.UpdatedAt.IsZero() {
		return fmt.Errorf("repository %s has no updated_at", repo.FullName)
	}

	age := r.Now().Sub(repo.UpdatedAt)
	if age >= r.window {
		return nil
	}

	r.mu.Lock()
	r.recent = append(r.recent, repo)
	r.mu.Unlock()

	r.logger.Info().
		Str("repo", repo.FullName).
		Time("updated_at", repo.UpdatedAt).
		Dur("age", age).
		Msg("Recently updated repository")
	return nil
}

// Recent returns the recently updated repositories seen so far, in
// processing order.
func (r *RecentlyUpdated) Recent() []client.Repo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]client.Repo(nil), r.recent...)
}
