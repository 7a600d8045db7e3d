package processors

import (
	"context"
	"sync"

	"github.com/Sternrassler/repo-analyzer/pkg/client"
	"github.com/rs/zerolog"
)

// StarAverage keeps a running average of stargazers across all repositories.
type StarAverage struct {
	mu       sync.Mutex
	totalSum int64
	count    int64
	logger   zerolog.Logger
}

// NewStarAverage creates an empty StarAverage.
func NewStarAverage(logger zerolog.Logger) *StarAverage {
	return &StarAverage{
		logger: logger.With().Str("processor", "star-average").Logger(),
	}
}

// Name implements the optional processor name.
func (s *StarAverage) Name() string { return "star-average" }

// Process adds the repository's stargazers and logs the new average.
func (s *StarAverage) Process(_ context.Context, repo client.Repo) error {
	avg := s.add(repo.StargazersCount)

	s.logger.Info().
		Str("repo", repo.FullName).
		Int("stars", repo.StargazersCount).
		Float64("average", avg).
		Msg("Average stars")
	return nil
}

func (s *StarAverage) add(stars int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalSum += int64(stars)
	s.count++
	return float64(s.totalSum) / float64(s.count)
}

// Average returns the current average, 0 before the first record.
func (s *StarAverage) Average() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return 0
	}
	return float64(s.totalSum) / float64(s.count)
}

// Count returns the number of repositories seen.
func (s *StarAverage) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.count)
}
