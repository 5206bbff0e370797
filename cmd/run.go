package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reposweep/reposweep/internal/checkpoint"
	"github.com/reposweep/reposweep/internal/config"
	"github.com/reposweep/reposweep/internal/scandriver"
	"github.com/reposweep/reposweep/internal/scheduler"
)

var runInputCSV string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a batch CSV of repo/commit jobs to completion",
	Long: `Reads a CSV of repository/commit jobs in bounded batches, pre-warms
each batch's repository mirrors, then claims, scans, and records the
terminal status of every commit via the checkpoint store.

Example:
  reposweep run --input batch.csv`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runInputCSV, "input", "", "CSV file of jobs to process (default: scheduler.input_csv from config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nShutting down, finishing in-flight jobs...")
		cancel()
	}()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	csvPath := runInputCSV
	if csvPath == "" {
		csvPath = cfg.Scheduler.InputCSV
	}
	if csvPath == "" {
		return fmt.Errorf("no input CSV: pass --input or set scheduler.input_csv / INPUT_CSV")
	}

	store, err := checkpoint.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	defer store.Close()

	_, ws, err := buildWorkspaceManager(ctx, cfg)
	if err != nil {
		return err
	}

	driver := scandriver.New(cfg.Scanner)
	sched := scheduler.New(store, ws, driver, cfg.Scheduler)

	fmt.Printf("reposweep run starting\n  Input      : %s\n  Concurrency: %d\n  Batch size : %d\n\n",
		csvPath, cfg.Scheduler.ConcurrentScans, cfg.Scheduler.BatchSize)

	if err := sched.ProcessCSV(ctx, csvPath); err != nil {
		return fmt.Errorf("processing %s: %w", csvPath, err)
	}
	fmt.Println("done")
	return nil
}
