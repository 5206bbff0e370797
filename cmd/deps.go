package cmd

import (
	"context"
	"fmt"

	"github.com/reposweep/reposweep/internal/config"
	"github.com/reposweep/reposweep/internal/forge"
	"github.com/reposweep/reposweep/internal/workspace"
)

// buildWorkspaceManager wires a forge.Client and an internal/workspace.Manager
// from cfg, resolving the clone-auth token from whichever provider's token
// pool is configured.
func buildWorkspaceManager(ctx context.Context, cfg *config.Config) (forge.Client, *workspace.Manager, error) {
	client, err := forge.New(cfg.Forge)
	if err != nil {
		return nil, nil, fmt.Errorf("building forge client: %w", err)
	}

	token := cloneToken(cfg)
	ws, err := workspace.New(ctx, cfg.Workspace.Dir, client, token)
	if err != nil {
		return nil, nil, fmt.Errorf("initialising workspace manager: %w", err)
	}
	return client, ws, nil
}

// cloneToken picks the first credential from the configured provider's pool,
// used for HTTP Basic auth when cloning private repository mirrors.
func cloneToken(cfg *config.Config) string {
	switch cfg.Forge.Provider {
	case "gitlab":
		if len(cfg.Forge.GitLabTokens) > 0 {
			return cfg.Forge.GitLabTokens[0]
		}
	default:
		if len(cfg.Forge.GitHubTokens) > 0 {
			return cfg.Forge.GitHubTokens[0]
		}
	}
	return ""
}
