package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/repo-analyzer/pkg/pipeline"
)

// Repo is the subset of a GitHub repository the analyzer works with.
type Repo struct {
	FullName        string    `json:"full_name"`
	StargazersCount int       `json:"stargazers_count"`
	ForksCount      int       `json:"forks_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SplitRepoName splits "owner/name" and rejects anything else.
func SplitRepoName(fullName string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q (want owner/name)", ErrInvalidRepoName, fullName)
	}
	return owner, name, nil
}

// GetRepo fetches GET /repos/{owner}/{name}.
func (c *Client) GetRepo(ctx context.Context, fullName string) (Repo, error) {
	owner, name, err := SplitRepoName(fullName)
	if err != nil {
		return Repo{}, err
	}

	endpoint := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
	resp, err := c.Get(ctx, endpoint)
	if err != nil {
		return Repo{}, err
	}

	var repo Repo
	if err := json.Unmarshal(resp.Body, &repo); err != nil {
		return Repo{}, fmt.Errorf("decode repository %s: %w", fullName, err)
	}
	if repo.FullName == "" {
		return Repo{}, fmt.Errorf("decode repository %s: missing full_name", fullName)
	}

	c.logger.Debug().
		Str("repo", repo.FullName).
		Int("stars", repo.StargazersCount).
		Bool("from_cache", resp.FromCache).
		Msg("Fetched repository")

	return repo, nil
}

// RepoSource adapts the client to a pipeline source keyed by "owner/name".
func RepoSource(c *Client) pipeline.Source[Repo] {
	return pipeline.SourceFunc[Repo](c.GetRepo)
}
