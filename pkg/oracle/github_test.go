package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/apphost/reposync/pkg/engine"
)

func newTestGitHubSource(t *testing.T, handler http.Handler) *GitHubSource {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	src, err := NewGitHubSource(GitHubConfig{Token: "test-token"})
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	base, err := url.Parse(server.URL + "/")
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}
	src.client.BaseURL = base
	return src
}

func TestGitHubSourceLatestCommit(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).Truncate(time.Second)

	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/web/branches/main", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4321")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		fmt.Fprint(w, `{"name":"main","commit":{"sha":"def4567890abcdef"}}`)
	})

	src := newTestGitHubSource(t, mux)

	var observedLimit, observedRemaining int
	var observedReset time.Time
	src.ObserveRate(func(limit, remaining int, r time.Time) {
		observedLimit, observedRemaining, observedReset = limit, remaining, r
	})

	commit, err := src.LatestCommit(context.Background(), webApp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if commit != "def4567890abcdef" {
		t.Errorf("expected def4567890abcdef, got %s", commit)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
	if observedLimit != 5000 || observedRemaining != 4321 || !observedReset.Equal(reset) {
		t.Errorf("unexpected observed rate: %d/%d reset %v", observedRemaining, observedLimit, observedReset)
	}
}

func TestGitHubSourceErrorStatus(t *testing.T) {
	resetAt := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)

	tests := []struct {
		name        string
		status      int
		headers     map[string]string
		body        string
		rateLimited bool
		wantMsg     string
	}{
		{
			name:   "primary limit",
			status: http.StatusForbidden,
			headers: map[string]string{
				"X-RateLimit-Limit":     "60",
				"X-RateLimit-Remaining": "0",
				"X-RateLimit-Reset":     resetAt,
			},
			body:        `{"message":"API rate limit exceeded"}`,
			rateLimited: true,
		},
		{
			name:        "secondary limit",
			status:      http.StatusForbidden,
			headers:     map[string]string{"Retry-After": "30"},
			body:        `{"message":"You have exceeded a secondary rate limit"}`,
			rateLimited: true,
			wantMsg:     "retry after 30s",
		},
		{
			name:        "too many requests",
			status:      http.StatusTooManyRequests,
			body:        `{"message":"slow down"}`,
			rateLimited: true,
		},
		{
			name:   "forbidden with quota left",
			status: http.StatusForbidden,
			headers: map[string]string{
				"X-RateLimit-Limit":     "5000",
				"X-RateLimit-Remaining": "4999",
				"X-RateLimit-Reset":     resetAt,
			},
			body:    `{"message":"Resource not accessible by integration"}`,
			wantMsg: "403",
		},
		{
			name:    "missing branch",
			status:  http.StatusNotFound,
			body:    `{"message":"Branch not found"}`,
			wantMsg: "branch main not found in acme/web",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/acme/web/branches/main", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			src := newTestGitHubSource(t, mux)
			_, err := src.LatestCommit(context.Background(), webApp)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, ErrRateLimited); got != tt.rateLimited {
				t.Errorf("errors.Is(err, ErrRateLimited) = %v, want %v (err: %v)", got, tt.rateLimited, err)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error to contain %q, got %v", tt.wantMsg, err)
			}
		})
	}
}

func TestOracleDefersOnGitHubRateLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/web/branches/main", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"API rate limit exceeded"}`)
	})

	src := newTestGitHubSource(t, mux)
	o := New(src, Options{Budget: NewPollBudget(0, time.Hour)})

	_, err := o.LatestCommit(context.Background(), webApp)
	if !engine.IsBudgetExhausted(err) {
		t.Errorf("expected budget exhausted, got %v", err)
	}
	if engine.IsOracleError(err) {
		t.Errorf("expected a rate limit not to be an oracle error, got %v", err)
	}
	if snap := o.Budget().Snapshot(); snap.Unlimited || snap.Remaining != 0 {
		t.Errorf("expected the host's remaining count to reach the budget, got %+v", snap)
	}
}

func TestOracleWithGitHubSourceFeedsBudget(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/web/branches/main", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		fmt.Fprint(w, `{"name":"main","commit":{"sha":"abc1234"}}`)
	})

	src := newTestGitHubSource(t, mux)
	o := New(src, Options{Budget: NewPollBudget(100, time.Hour)})

	commit, err := o.LatestCommit(context.Background(), webApp)
	if err != nil || commit != "abc1234" {
		t.Fatalf("expected abc1234, got %q (%v)", commit, err)
	}

	// The host reported zero remaining, so the next query is deferred locally.
	_, err = o.LatestCommit(context.Background(), webApp)
	if !engine.IsBudgetExhausted(err) {
		t.Errorf("expected budget exhausted after host reported zero remaining, got %v", err)
	}
}

func TestNewGitHubSourceEnterprise(t *testing.T) {
	src, err := NewGitHubSource(GitHubConfig{BaseURL: "https://git.example.com/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := src.client.BaseURL.String(); got != "https://git.example.com/api/v3/" {
		t.Errorf("unexpected base URL %s", got)
	}
}
