package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "reposweep",
	Short: "Fork-commit static analysis batch orchestrator",
	Long: `reposweep replays fork commits against their upstream ancestor,
runs a static analysis scan over each resulting workspace, and exports the
resulting metrics — built to walk a large batch of (repo, commit) pairs to
completion exactly once each, surviving crashes and restarts along the way.

Get started:
  reposweep run      Process a batch CSV of jobs to completion
  reposweep serve    Start the HTTP submission surface daemon
  reposweep export   Export per-project metrics to CSV/JSONL
  reposweep reset    Reset crash-surviving PENDING commits/uploads
  reposweep status   Launch the terminal dashboard`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.reposweep/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		runCmd,
		serveCmd,
		exportCmd,
		resetCmd,
		statusCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}
