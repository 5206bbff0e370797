package forge

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	gogithub "github.com/google/go-github/v68/github"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/reposweep/reposweep/internal/config"
	"github.com/reposweep/reposweep/models"
)

// maxAttempts bounds how many tokens/retries a single call will try before
// giving up, per spec.md §4.2 ("Up to 3 attempts per call").
const maxAttempts = 3

// GitHubClient implements Client against the GitHub REST API with a
// rotating token pool, grounded on internal/repository/github.go's
// oauth2+go-github client shape (now narrowed to the two operations C2
// needs) and original_source/pipeline/github_api.py's retry/cooldown
// semantics.
type GitHubClient struct {
	pool *TokenPool
	host string

	mu      sync.Mutex
	clients map[string]*gogithub.Client
	http    *http.Client
}

// NewGitHub builds a GitHubClient from cfg. cfg.GitHubTokens must be non-empty.
func NewGitHub(cfg config.ForgeConfig) (*GitHubClient, error) {
	if len(cfg.GitHubTokens) == 0 {
		return nil, fmt.Errorf("forge: no GitHub tokens configured (set GITHUB_TOKENS)")
	}
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 2

	return &GitHubClient{
		pool:    NewTokenPool(cfg.GitHubTokens),
		host:    cfg.GitHubHost,
		clients: make(map[string]*gogithub.Client),
		http:    rc.StandardClient(),
	}, nil
}

func (g *GitHubClient) clientFor(token string) (*gogithub.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[token]; ok {
		return c, nil
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, g.http)
	tc := oauth2.NewClient(ctx, ts)
	client := gogithub.NewClient(tc)

	if g.host != "" && g.host != "github.com" {
		base := fmt.Sprintf("https://%s/api/v3/", g.host)
		upload := fmt.Sprintf("https://%s/api/uploads/", g.host)
		var err error
		client, err = client.WithEnterpriseURLs(base, upload)
		if err != nil {
			return nil, fmt.Errorf("forge: configuring GitHub enterprise URLs: %w", err)
		}
	}

	g.clients[token] = client
	return client, nil
}

// GetCommit implements Client.
func (g *GitHubClient) GetCommit(ctx context.Context, repoSlug, sha string) (models.Commit, error) {
	owner, repo, err := splitSlug(repoSlug)
	if err != nil {
		return models.Commit{}, err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		token, client, acquireErr := g.acquireClient()
		if acquireErr != nil {
			return models.Commit{}, acquireErr
		}

		commit, resp, err := client.Repositories.GetCommit(ctx, owner, repo, sha, nil)
		if err == nil {
			parents := make([]string, 0, len(commit.Parents))
			for _, p := range commit.Parents {
				parents = append(parents, p.GetSHA())
			}
			return models.Commit{
				SHA:     commit.GetSHA(),
				Parents: parents,
				Message: commit.GetCommit().GetMessage(),
			}, nil
		}

		lastErr = fmt.Errorf("forge: get_commit %s@%s: %w", repoSlug, sha, err)
		if isRateLimited(resp) {
			g.pool.MarkRateLimited(token, resp.Rate.Reset.Time)
			continue
		}
	}
	return models.Commit{}, lastErr
}

// GetCommitPatch implements Client, fetching the unified-diff patch for sha
// via GitHub's raw commit format (Accept: application/vnd.github.v3.patch).
func (g *GitHubClient) GetCommitPatch(ctx context.Context, repoSlug, sha string) (string, error) {
	owner, repo, err := splitSlug(repoSlug)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		token, client, acquireErr := g.acquireClient()
		if acquireErr != nil {
			return "", acquireErr
		}

		patch, resp, err := client.Repositories.GetCommitRaw(ctx, owner, repo, sha, gogithub.RawOptions{Type: gogithub.Patch})
		if err == nil {
			return patch, nil
		}

		lastErr = fmt.Errorf("forge: get_commit_patch %s@%s: %w", repoSlug, sha, err)
		if isRateLimited(resp) {
			g.pool.MarkRateLimited(token, resp.Rate.Reset.Time)
			continue
		}
	}
	return "", lastErr
}

func (g *GitHubClient) acquireClient() (string, *gogithub.Client, error) {
	token, err := g.pool.Acquire()
	if err != nil {
		return "", nil, err
	}
	client, err := g.clientFor(token)
	if err != nil {
		return "", nil, err
	}
	return token, client, nil
}

func isRateLimited(resp *gogithub.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusForbidden && resp.Rate.Remaining == 0
}
