package exporter

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/reposweep/reposweep/internal/config"
)

// ResolveOptions selects which project keys Run exports, mirroring the
// original's three mutually-additive sources (spec.md's "project key
// resolution" supplement): a crawl, an explicit list, and a file.
type ResolveOptions struct {
	AllProjects     bool
	Qualifier       string
	ProjectKeys     []string
	ProjectKeysFile string
}

// Summary reports the outcome of one Run.
type Summary struct {
	Total          int
	Success        int
	Failed         int
	SkippedPending int
	CSVPath        string
	JSONLPath      string
}

// Exporter drives C8: resolve project keys, fetch measures concurrently,
// stream results to CSV/JSONL, and persist progress for --resume.
type Exporter struct {
	client *Client
	cfg    config.ExporterConfig
}

// New builds an Exporter.
func New(client *Client, cfg config.ExporterConfig) *Exporter {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "results"
	}
	if cfg.ChunkDelayMillis <= 0 {
		cfg.ChunkDelayMillis = 50
	}
	return &Exporter{client: client, cfg: cfg}
}

// ResolveProjectKeys merges opts.AllProjects crawl results, explicit keys,
// and a keys file, de-duplicating while preserving first-seen order.
func (e *Exporter) ResolveProjectKeys(ctx context.Context, opts ResolveOptions) ([]string, error) {
	var keys []string

	if opts.AllProjects {
		crawled, err := e.client.FetchAllProjects(ctx, opts.Qualifier)
		if err != nil {
			return nil, fmt.Errorf("exporter: crawling projects: %w", err)
		}
		slog.Info("discovered projects via crawl", "count", len(crawled))
		keys = append(keys, crawled...)
	}

	keys = append(keys, opts.ProjectKeys...)

	if opts.ProjectKeysFile != "" {
		fileKeys, err := readKeysFile(opts.ProjectKeysFile)
		if err != nil {
			return nil, err
		}
		keys = append(keys, fileKeys...)
	}

	return dedupe(keys), nil
}

func readKeysFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("exporter: project keys file %s: %w", path, err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, ","); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("exporter: reading project keys file %s: %w", path, err)
	}
	return keys, nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Run exports measures for every key in projectKeys to CSV (always) and
// JSONL (if cfg.JSONL), honoring --resume via a processed.txt progress file
// under cfg.OutDir/progress.
func (e *Exporter) Run(ctx context.Context, projectKeys []string, resume bool) (Summary, error) {
	if err := os.MkdirAll(e.cfg.OutDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("exporter: creating output dir: %w", err)
	}
	progressDir := filepath.Join(e.cfg.OutDir, "progress")
	if err := os.MkdirAll(progressDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("exporter: creating progress dir: %w", err)
	}

	csvPath := filepath.Join(e.cfg.OutDir, "all_projects_measures.csv")
	jsonlPath := filepath.Join(e.cfg.OutDir, "all_projects_measures.jsonl")
	doneFile := filepath.Join(progressDir, "processed.txt")

	if resume {
		processed, err := readProcessed(doneFile)
		if err != nil {
			return Summary{}, err
		}
		before := len(projectKeys)
		filtered := make([]string, 0, len(projectKeys))
		for _, k := range projectKeys {
			if !processed[k] {
				filtered = append(filtered, k)
			}
		}
		slog.Info("resume enabled", "skipped", before-len(filtered), "remaining", len(filtered))
		projectKeys = filtered
	}

	header := append([]string{"repo", "commit"}, ALLMetricKeys...)
	newCSV := true
	if _, err := os.Stat(csvPath); err == nil {
		newCSV = false
	}
	csvFile, err := os.OpenFile(csvPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Summary{}, fmt.Errorf("exporter: opening %s: %w", csvPath, err)
	}
	defer csvFile.Close()
	csvWriter := csv.NewWriter(csvFile)
	if newCSV {
		if err := csvWriter.Write(header); err != nil {
			return Summary{}, fmt.Errorf("exporter: writing CSV header: %w", err)
		}
		csvWriter.Flush()
	}

	var jsonlFile *os.File
	if e.cfg.JSONL {
		jsonlFile, err = os.OpenFile(jsonlPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return Summary{}, fmt.Errorf("exporter: opening %s: %w", jsonlPath, err)
		}
		defer jsonlFile.Close()
	}

	doneHandle, err := os.OpenFile(doneFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Summary{}, fmt.Errorf("exporter: opening %s: %w", doneFile, err)
	}
	defer doneHandle.Close()

	var csvMu, jsonlMu, progressMu sync.Mutex
	var success, failed, pending int
	var resultMu sync.Mutex

	sem := make(chan struct{}, e.cfg.MaxWorkers)
	var wg sync.WaitGroup

	total := len(projectKeys)
	slog.Info("starting export", "projects", total, "max_workers", e.cfg.MaxWorkers)

	for i, key := range projectKeys {
		key := key
		idx := i + 1
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			measures, err := e.fetchProject(ctx, key)
			if err != nil {
				slog.Error("failed to export project", "project", key, "error", err)
				resultMu.Lock()
				failed++
				resultMu.Unlock()
				return
			}

			if isProjectPending(measures) {
				resultMu.Lock()
				pending++
				resultMu.Unlock()
				return
			}

			row := measuresToRow(key, ALLMetricKeys, measures)

			csvMu.Lock()
			writeErr := csvWriter.Write(rowToRecord(header, row))
			csvWriter.Flush()
			csvMu.Unlock()
			if writeErr != nil {
				slog.Error("failed to write CSV row", "project", key, "error", writeErr)
				resultMu.Lock()
				failed++
				resultMu.Unlock()
				return
			}

			if jsonlFile != nil {
				payload := map[string]any{"component": key, "measures": measures}
				line, err := json.Marshal(payload)
				if err == nil {
					jsonlMu.Lock()
					jsonlFile.Write(append(line, '\n'))
					jsonlMu.Unlock()
				}
			}

			progressMu.Lock()
			doneHandle.WriteString(key + "\n")
			progressMu.Unlock()

			resultMu.Lock()
			success++
			n := success
			resultMu.Unlock()
			if idx%25 == 0 || n <= 5 {
				slog.Info("export progress", "done", n, "total", total, "last", key)
			}
		}()
	}
	wg.Wait()

	slog.Info("export complete", "success", success, "failed", failed, "pending", pending)
	return Summary{
		Total:          total,
		Success:        success,
		Failed:         failed,
		SkippedPending: pending,
		CSVPath:        csvPath,
		JSONLPath:      jsonlPath,
	}, nil
}

// fetchProject fetches measures for key in cfg.ChunkSize-sized metric
// batches, matching the original's per-chunk URL-length mitigation, pausing
// cfg.ChunkDelayMillis between chunks to avoid hammering the analysis server.
func (e *Exporter) fetchProject(ctx context.Context, key string) ([]Measure, error) {
	var all []Measure
	delay := time.Duration(e.cfg.ChunkDelayMillis) * time.Millisecond
	for _, chunk := range chunkList(ALLMetricKeys, e.cfg.ChunkSize) {
		measures, err := e.client.FetchMeasuresChunk(ctx, key, chunk)
		if err != nil {
			return nil, fmt.Errorf("fetching measures for %s: %w", key, err)
		}
		all = append(all, measures...)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return all, nil
}

func readProcessed(path string) (map[string]bool, error) {
	processed := map[string]bool{}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return processed, nil
		}
		return nil, fmt.Errorf("exporter: reading progress file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			processed[line] = true
		}
	}
	return processed, scanner.Err()
}

// parseComponentKey splits a "{repo}_{commit_sha}" component key on the
// trailing 40-hex-char segment, matching the original's parse_component_key.
func parseComponentKey(componentKey string) (repo, commit string) {
	parts := strings.Split(componentKey, "_")
	for i := len(parts) - 1; i >= 0; i-- {
		if looksLikeSHA(parts[i]) {
			return strings.Join(parts[:i], "_"), parts[i]
		}
	}
	if len(parts) >= 2 {
		return strings.Join(parts[:len(parts)-1], "_"), parts[len(parts)-1]
	}
	return componentKey, ""
}

func looksLikeSHA(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range strings.ToLower(s) {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}

// isProjectPending reports whether a project has no non-empty measure
// values, meaning it has not yet been analysed by the scan driver.
func isProjectPending(measures []Measure) bool {
	if len(measures) == 0 {
		return true
	}
	for _, m := range measures {
		value := m.Value
		if value == "" && len(m.Periods) > 0 {
			value = m.Periods[0].Value
		}
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}

// measuresToRow converts measures into a {metric: value} map pre-filled
// with empty strings for every requested metric, plus repo/commit.
func measuresToRow(componentKey string, metrics []string, measures []Measure) map[string]string {
	repo, commit := parseComponentKey(componentKey)
	row := map[string]string{"repo": repo, "commit": commit}
	for _, m := range metrics {
		row[m] = ""
	}
	for _, measure := range measures {
		if measure.Metric == "" {
			continue
		}
		value := measure.Value
		if value == "" && len(measure.Periods) > 0 {
			value = measure.Periods[0].Value
		}
		row[measure.Metric] = value
	}
	return row
}

func rowToRecord(header []string, row map[string]string) []string {
	record := make([]string, len(header))
	for i, col := range header {
		record[i] = row[col]
	}
	return record
}
