package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/apphost/reposync/pkg/engine"
)

// GitHubConfig configures a GitHubSource.
type GitHubConfig struct {
	// BaseURL is the API root of an enterprise host. Empty means github.com.
	BaseURL string

	// Token authenticates requests. Empty means anonymous access.
	Token string

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// GitHubSource resolves branch tips through the GitHub REST API.
type GitHubSource struct {
	client *github.Client

	mu      sync.RWMutex
	observe func(limit, remaining int, reset time.Time)
}

// NewGitHubSource creates a GitHub API source.
func NewGitHubSource(cfg GitHubConfig) (*GitHubSource, error) {
	client := github.NewClient(cfg.HTTPClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL %q: %w", cfg.BaseURL, err)
		}
	}
	return &GitHubSource{client: client}, nil
}

// Name implements Source.
func (s *GitHubSource) Name() string {
	return "github"
}

// ObserveRate implements RateObserver.
func (s *GitHubSource) ObserveRate(fn func(limit, remaining int, reset time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observe = fn
}

// LatestCommit implements Source.
func (s *GitHubSource) LatestCommit(ctx context.Context, app engine.Application) (string, error) {
	branch, resp, err := s.client.Repositories.GetBranch(ctx, app.Owner, app.Repo, app.Branch, 1)
	if resp != nil {
		s.report(resp.Rate)
	}

	if err != nil {
		// GetBranch follows redirects itself and reports non-200 answers as
		// plain errors, so the status code is the only reliable signal.
		if resp != nil && resp.Response != nil {
			if limited := rateLimited(resp); limited != nil {
				return "", limited
			}
			if resp.StatusCode == http.StatusNotFound {
				return "", fmt.Errorf("branch %s not found in %s", app.Branch, app.Source())
			}
		}

		var rle *github.RateLimitError
		if errors.As(err, &rle) {
			s.report(rle.Rate)
			return "", fmt.Errorf("%w: resets at %s", ErrRateLimited, rle.Rate.Reset.Time.Format(time.RFC3339))
		}
		var arle *github.AbuseRateLimitError
		if errors.As(err, &arle) {
			return "", fmt.Errorf("%w: secondary limit", ErrRateLimited)
		}
		return "", fmt.Errorf("get branch %s of %s: %w", app.Branch, app.Source(), err)
	}

	sha := strings.TrimSpace(branch.GetCommit().GetSHA())
	if sha == "" {
		return "", fmt.Errorf("branch %s of %s has no commit", app.Branch, app.Source())
	}
	return sha, nil
}

// rateLimited returns an ErrRateLimited error when resp is the host refusing
// the request because of its primary or secondary rate limit.
func rateLimited(resp *github.Response) error {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return nil
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining == 0 {
		return fmt.Errorf("%w: resets at %s", ErrRateLimited, resp.Rate.Reset.Time.Format(time.RFC3339))
	}
	if after := resp.Header.Get("Retry-After"); after != "" {
		return fmt.Errorf("%w: secondary limit, retry after %ss", ErrRateLimited, after)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: too many requests", ErrRateLimited)
	}
	return nil
}

func (s *GitHubSource) report(r github.Rate) {
	if r.Limit <= 0 {
		return
	}
	s.mu.RLock()
	fn := s.observe
	s.mu.RUnlock()
	if fn != nil {
		fn(r.Limit, r.Remaining, r.Reset.Time)
	}
}
