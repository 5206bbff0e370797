package forge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/reposweep/reposweep/internal/config"
	"github.com/reposweep/reposweep/models"
)

// GitLabClient implements Client against the GitLab API, grounded on
// internal/repository/gitlab.go's client-go shape, widened with the same
// rotating token pool and cooldown-based retry C2 requires.
type GitLabClient struct {
	pool *TokenPool
	host string

	mu      sync.Mutex
	clients map[string]*gitlab.Client
	http    *http.Client
}

// NewGitLab builds a GitLabClient from cfg. cfg.GitLabTokens must be non-empty.
func NewGitLab(cfg config.ForgeConfig) (*GitLabClient, error) {
	if len(cfg.GitLabTokens) == 0 {
		return nil, fmt.Errorf("forge: no GitLab tokens configured")
	}
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 2

	host := cfg.GitLabHost
	if host == "" {
		host = "gitlab.com"
	}

	return &GitLabClient{
		pool:    NewTokenPool(cfg.GitLabTokens),
		host:    host,
		clients: make(map[string]*gitlab.Client),
		http:    rc.StandardClient(),
	}, nil
}

func (g *GitLabClient) clientFor(token string) (*gitlab.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[token]; ok {
		return c, nil
	}

	opts := []gitlab.ClientOptionFunc{gitlab.WithHTTPClient(g.http)}
	if g.host != "gitlab.com" {
		opts = append(opts, gitlab.WithBaseURL(fmt.Sprintf("https://%s/api/v4/", g.host)))
	}
	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("forge: creating GitLab client: %w", err)
	}
	g.clients[token] = client
	return client, nil
}

// GetCommit implements Client.
func (g *GitLabClient) GetCommit(ctx context.Context, repoSlug, sha string) (models.Commit, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		token, client, err := g.acquireClient()
		if err != nil {
			return models.Commit{}, err
		}
		c, resp, err := client.Commits.GetCommit(repoSlug, sha, nil, gitlab.WithContext(ctx))
		if err == nil {
			return models.Commit{SHA: c.ID, Parents: c.ParentIDs, Message: c.Message}, nil
		}
		lastErr = fmt.Errorf("forge: get_commit %s@%s: %w", repoSlug, sha, err)
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			g.pool.MarkRateLimited(token, gitlabResetTime(resp))
			continue
		}
	}
	return models.Commit{}, lastErr
}

// GetCommitPatch implements Client via GitLab's `.patch` raw commit endpoint,
// which client-go does not wrap directly.
func (g *GitLabClient) GetCommitPatch(ctx context.Context, repoSlug, sha string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		token, _, err := g.acquireClient()
		if err != nil {
			return "", err
		}
		patch, status, err := g.fetchPatch(ctx, token, repoSlug, sha)
		if err == nil {
			return patch, nil
		}
		lastErr = fmt.Errorf("forge: get_commit_patch %s@%s: %w", repoSlug, sha, err)
		if status == http.StatusTooManyRequests {
			g.pool.MarkRateLimited(token, time.Time{})
			continue
		}
	}
	return "", lastErr
}

func (g *GitLabClient) fetchPatch(ctx context.Context, token, repoSlug, sha string) (string, int, error) {
	path := fmt.Sprintf("https://%s/api/v4/projects/%s/repository/commits/%s.patch",
		g.host, url.PathEscape(repoSlug), sha)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("PRIVATE-TOKEN", token)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return "", resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resp.StatusCode, fmt.Errorf("gitlab returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), resp.StatusCode, nil
}

func (g *GitLabClient) acquireClient() (string, *gitlab.Client, error) {
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

func gitlabResetTime(resp *gitlab.Response) time.Time {
	if resp == nil || resp.Response == nil {
		return time.Time{}
	}
	raw := resp.Response.Header.Get("RateLimit-Reset")
	if raw == "" {
		return time.Time{}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0)
	}
	return time.Time{}
}
