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
	"github.com/reposweep/reposweep/internal/submission"
)

var servePort int
var serveUploadsDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP submission surface daemon",
	Long: `Starts the long-running submission surface: a local HTTP API for
uploading CSV batches, queueing them for scanning one at a time, and
polling job/upload/repo status.

Quick API reference:
  GET  /health                          liveness check
  POST /api/upload                      upload one or more CSV batches
  POST /api/uploads/{id}/scan           queue an uploaded batch for scanning
  POST /api/uploads/scan_all_pending    queue every pending upload
  GET  /api/uploads                     list uploads
  GET  /api/jobs                        list jobs
  GET  /api/jobs/{id}                   get one job's status
  GET  /api/repos                       per-repo commit summary

Example:
  reposweep serve --port 8088`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port to listen on (default 8088, overrides config)")
	serveCmd.Flags().StringVar(&serveUploadsDir, "uploads-dir", "", "directory to store uploaded CSV files (default: <workspace.dir>/uploads)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nShutting down submission surface gracefully...")
		cancel()
	}()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort > 0 {
		cfg.Submission.Port = servePort
	}

	uploadsDir := serveUploadsDir
	if uploadsDir == "" {
		uploadsDir = cfg.Workspace.Dir + "/uploads"
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

	srv, err := submission.New(store, sched, uploadsDir, cfg.Submission)
	if err != nil {
		return fmt.Errorf("building submission surface: %w", err)
	}

	port := cfg.Submission.Port
	if port == 0 {
		port = 8088
	}
	fmt.Printf("reposweep serve starting\n  API        : http://127.0.0.1:%d\n  Uploads dir: %s\n\n", port, uploadsDir)
	fmt.Println("Press Ctrl+C to stop gracefully.")

	return srv.Start(ctx)
}
