package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/reposweep/reposweep/internal/config"
	"github.com/reposweep/reposweep/internal/exporter"
)

var (
	exportAllProjects     bool
	exportQualifier       string
	exportProjectKeys     []string
	exportProjectKeysFile string
	exportOutDir          string
	exportResume          bool
	exportJSONL           bool
	exportChunkDelay      time.Duration
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export per-project metrics to CSV/JSONL",
	Long: `Crawls or reads a set of analysis-server project keys, fetches every
configured metric in chunked requests, and streams the result to a CSV file
(one row per project) and, optionally, a JSONL sidecar.

Examples:
  reposweep export --all-projects --out-dir results
  reposweep export --project-keys acme_widgets_abc123 acme_gizmos_def456
  reposweep export --project-keys-file keys.txt --resume --jsonl`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().BoolVar(&exportAllProjects, "all-projects", false, "crawl every project from the analysis server")
	exportCmd.Flags().StringVar(&exportQualifier, "qualifier", "TRK", "component qualifier when crawling")
	exportCmd.Flags().StringSliceVar(&exportProjectKeys, "project-keys", nil, "explicit project keys to export")
	exportCmd.Flags().StringVar(&exportProjectKeysFile, "project-keys-file", "", "file of project keys, one per line (or first CSV column)")
	exportCmd.Flags().StringVar(&exportOutDir, "out-dir", "", "output directory (default: exporter.out_dir from config)")
	exportCmd.Flags().BoolVar(&exportResume, "resume", false, "skip projects already recorded in progress/processed.txt")
	exportCmd.Flags().BoolVar(&exportJSONL, "jsonl", false, "also write a JSONL sidecar (default: exporter.jsonl from config)")
	exportCmd.Flags().DurationVar(&exportChunkDelay, "per-chunk-delay", 0, "pause between metric-chunk requests for the same project (default: exporter.chunk_delay_ms from config, 50ms)")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if exportOutDir != "" {
		cfg.Exporter.OutDir = exportOutDir
	}
	if exportJSONL {
		cfg.Exporter.JSONL = true
	}
	if exportChunkDelay > 0 {
		cfg.Exporter.ChunkDelayMillis = int(exportChunkDelay / time.Millisecond)
	}

	if !exportAllProjects && len(exportProjectKeys) == 0 && exportProjectKeysFile == "" {
		return fmt.Errorf("no project keys: pass --all-projects, --project-keys, or --project-keys-file")
	}

	client := exporter.NewClient(cfg.Scanner.HostURL, cfg.Scanner.Token)
	exp := exporter.New(client, cfg.Exporter)

	keys, err := exp.ResolveProjectKeys(ctx, exporter.ResolveOptions{
		AllProjects:     exportAllProjects,
		Qualifier:       exportQualifier,
		ProjectKeys:     exportProjectKeys,
		ProjectKeysFile: exportProjectKeysFile,
	})
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("no project keys resolved; nothing to export")
		return nil
	}

	summary, err := exp.Run(ctx, keys, exportResume)
	if err != nil {
		return fmt.Errorf("exporting measures: %w", err)
	}

	fmt.Printf("\nExport complete\n  Success: %d\n  Failed : %d\n  Pending: %d\n  CSV    : %s\n",
		summary.Success, summary.Failed, summary.SkippedPending, summary.CSVPath)
	if cfg.Exporter.JSONL {
		fmt.Printf("  JSONL  : %s\n", summary.JSONLPath)
	}
	return nil
}
