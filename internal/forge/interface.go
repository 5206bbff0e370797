// Package forge implements the source-forge client (C2): a thread-safe HTTP
// client to a code-hosting API, with a rotating-token pool and rate-limit
// awareness, exposing exactly the two operations C3 needs to walk and
// reconstruct fork-only commit history.
package forge

import (
	"context"
	"fmt"
	"strings"

	"github.com/reposweep/reposweep/internal/config"
	"github.com/reposweep/reposweep/models"
)

// Client abstracts a code-hosting API. GitHub and GitLab backends exist;
// Azure DevOps has no equivalent single-commit-patch endpoint and is out of
// scope (see DESIGN.md).
type Client interface {
	// GetCommit returns parent SHAs and the commit message for sha.
	GetCommit(ctx context.Context, repoSlug, sha string) (models.Commit, error)
	// GetCommitPatch returns the unified diff patch text for sha.
	GetCommitPatch(ctx context.Context, repoSlug, sha string) (string, error)
}

// New returns the Client implementation selected by cfg.Provider.
func New(cfg config.ForgeConfig) (Client, error) {
	switch cfg.Provider {
	case "gitlab":
		return NewGitLab(cfg)
	case "github", "":
		return NewGitHub(cfg)
	default:
		return nil, fmt.Errorf("forge: unsupported provider %q", cfg.Provider)
	}
}

// splitSlug splits "owner/repo" into its two parts.
func splitSlug(repoSlug string) (owner, repo string, err error) {
	parts := strings.SplitN(repoSlug, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("forge: malformed repo slug %q (want owner/repo)", repoSlug)
	}
	return parts[0], parts[1], nil
}
