package oracle

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/apphost/reposync/pkg/engine"
)

// refLister lists the references advertised by a remote.
type refLister func(ctx context.Context, url string, auth transport.AuthMethod) ([]*plumbing.Reference, error)

// GitRemoteSource resolves branch tips from the remote's ref advertisement,
// the same exchange `git ls-remote` performs. It works against any git host.
type GitRemoteSource struct {
	auth transport.AuthMethod
	list refLister
}

// NewGitRemoteSource creates a git source. A non-empty token is sent as
// HTTP basic auth.
func NewGitRemoteSource(token string) *GitRemoteSource {
	s := &GitRemoteSource{list: listRemote}
	if token != "" {
		s.auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}
	return s
}

// Name implements Source.
func (s *GitRemoteSource) Name() string {
	return "git"
}

// LatestCommit implements Source.
func (s *GitRemoteSource) LatestCommit(ctx context.Context, app engine.Application) (string, error) {
	if app.URL == "" {
		return "", fmt.Errorf("application %s has no clone URL", app.Name)
	}

	refs, err := s.list(ctx, app.URL, s.auth)
	if err != nil {
		return "", fmt.Errorf("list remote %s: %w", app.URL, err)
	}

	want := plumbing.NewBranchReferenceName(app.Branch)
	for _, ref := range refs {
		if ref.Name() == want && ref.Type() == plumbing.HashReference {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("branch %s not found at %s", app.Branch, app.URL)
}

func listRemote(ctx context.Context, url string, auth transport.AuthMethod) ([]*plumbing.Reference, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	return remote.ListContext(ctx, &git.ListOptions{Auth: auth})
}
