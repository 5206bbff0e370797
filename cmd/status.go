package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reposweep/reposweep/internal/checkpoint"
	"github.com/reposweep/reposweep/internal/config"
	"github.com/reposweep/reposweep/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Launch the terminal dashboard of checkpoint status",
	Long: `Opens a terminal UI showing live pending/processed/failed commit
tallies and a per-repository breakdown, refreshed from the checkpoint store
every 10 seconds. Press r to refresh manually, q to quit.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := checkpoint.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	defer store.Close()

	return tui.Run(store)
}
