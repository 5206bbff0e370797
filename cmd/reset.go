package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reposweep/reposweep/internal/checkpoint"
	"github.com/reposweep/reposweep/internal/config"
)

var resetUploadsToo bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset crash-surviving PENDING commits (and optionally uploads) back to a re-runnable state",
	Long: `Resets every commit still in PENDING status back to claimable, so a
crashed or killed run can be safely re-run without hand-editing the
checkpoint store. Pass --uploads to additionally reset in-flight uploads
(queued/running) back to uploaded.`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetUploadsToo, "uploads", false, "also reset in-flight upload states back to uploaded")
}

func runReset(cmd *cobra.Command, args []string) error {
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

	if err := store.ResetPendingJobs(ctx); err != nil {
		return fmt.Errorf("resetting pending commits: %w", err)
	}
	fmt.Println("reset PENDING commits back to claimable")

	if resetUploadsToo {
		if err := store.ResetUploadStates(ctx); err != nil {
			return fmt.Errorf("resetting upload states: %w", err)
		}
		fmt.Println("reset in-flight uploads back to uploaded")
	}
	return nil
}
