// Package scheduler implements the job scheduler (C6): reads a CSV of jobs
// in bounded batches, pre-warms repository mirrors, and dispatches each row
// to a bounded worker pool that claims, scans, and marks terminal state via
// the checkpoint store. Grounded on original_source/scan_manager.py's
// process_csv/process_single_job.
package scheduler

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/reposweep/reposweep/internal/config"
	"github.com/reposweep/reposweep/models"
)

// CheckpointStore is the subset of *checkpoint.Store the scheduler needs.
type CheckpointStore interface {
	TryClaimCommit(ctx context.Context, sha string, meta models.CommitMeta) (models.ClaimOutcome, error)
	MarkProcessed(ctx context.Context, sha string, meta models.CommitMeta) error
	MarkFailed(ctx context.Context, sha, errMsg string, meta models.CommitMeta) error
}

// WorkspaceManager is the subset of *workspace.Manager the scheduler needs.
type WorkspaceManager interface {
	EnsureRepo(ctx context.Context, repoURL, repoName string) (string, error)
	PrepareWorkspace(ctx context.Context, repoName, projectKey string) (string, error)
	CheckoutCommit(ctx context.Context, workspace, sha, repoSlug string) error
	CleanupWorkspace(ctx context.Context, repoName, workspacePath string)
}

// ScannerDriver is the subset of *scandriver.Driver the scheduler needs.
type ScannerDriver interface {
	Scan(ctx context.Context, workspace, projectKey, commitSHA string) error
}

// Scheduler wires the checkpoint store, workspace manager, and scanner
// driver into the C6 batch-processing flow.
type Scheduler struct {
	store   CheckpointStore
	ws      WorkspaceManager
	scanner ScannerDriver

	concurrency int
	batchSize   int
}

// New builds a Scheduler from cfg.
func New(store CheckpointStore, ws WorkspaceManager, scanner ScannerDriver, cfg config.SchedulerConfig) *Scheduler {
	concurrency := cfg.ConcurrentScans
	if concurrency <= 0 {
		concurrency = 4
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scheduler{store: store, ws: ws, scanner: scanner, concurrency: concurrency, batchSize: batchSize}
}

// jobRow is one normalised CSV row.
type jobRow struct {
	RepoURL    string
	RepoName   string
	RepoSlug   string
	CommitSHA  string
	ProjectKey string
}

// ProcessCSV streams csvPath in batches of s.batchSize, pre-warming repo
// mirrors sequentially per batch before fanning each row out to the worker
// pool (spec.md §4.6).
func (s *Scheduler) ProcessCSV(ctx context.Context, csvPath string) error {
	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("scheduler: opening %s: %w", csvPath, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("scheduler: reading header of %s: %w", csvPath, err)
	}
	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.TrimSpace(name)] = i
	}

	batchNum := 0
	for {
		batch, readErr := readBatch(reader, colIdx, s.batchSize)
		if len(batch) == 0 && readErr != nil {
			if readErr == io.EOF {
				break
			}
			return fmt.Errorf("scheduler: reading %s: %w", csvPath, readErr)
		}
		batchNum++
		slog.Info("starting batch", "batch", batchNum, "rows", len(batch))

		s.preWarmRepos(ctx, batch)
		s.runBatch(ctx, batch)

		if readErr == io.EOF {
			break
		}
	}
	slog.Info("all batches processed", "csv", csvPath)
	return nil
}

// readBatch reads up to n raw CSV records and normalises them, skipping
// rows missing either a repo identifier or a commit identifier.
func readBatch(reader *csv.Reader, colIdx map[string]int, n int) ([]jobRow, error) {
	var rows []jobRow
	for i := 0; i < n; i++ {
		record, err := reader.Read()
		if err != nil {
			return rows, err
		}
		row, ok := normalizeRow(record, colIdx)
		if !ok {
			slog.Warn("skipping row - missing repo_url/gh_project_name or commit_sha", "record", record)
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func field(record []string, colIdx map[string]int, name string) string {
	idx, ok := colIdx[name]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// normalizeRow implements spec.md §4.6 step 2a-b: accept gh_project_name or
// repo_url, git_trigger_commit or commit_sha, derive repo_slug/repo_name and
// a default project_key.
func normalizeRow(record []string, colIdx map[string]int) (jobRow, bool) {
	ghProjectName := field(record, colIdx, "gh_project_name")
	repoURL := field(record, colIdx, "repo_url")
	commitSHA := field(record, colIdx, "git_trigger_commit")
	if commitSHA == "" {
		commitSHA = field(record, colIdx, "commit_sha")
	}
	projectKey := field(record, colIdx, "project_key")

	if ghProjectName != "" && repoURL == "" {
		repoURL = fmt.Sprintf("https://github.com/%s.git", ghProjectName)
	}
	if repoURL == "" || commitSHA == "" {
		return jobRow{}, false
	}

	repoSlug, owner, repoName := deriveSlug(repoURL)
	if projectKey == "" {
		if owner != "" {
			projectKey = fmt.Sprintf("%s_%s_%s", owner, repoName, commitSHA)
		} else {
			projectKey = fmt.Sprintf("%s_%s", repoName, commitSHA)
		}
	}

	return jobRow{
		RepoURL:    repoURL,
		RepoName:   repoName,
		RepoSlug:   repoSlug,
		CommitSHA:  commitSHA,
		ProjectKey: projectKey,
	}, true
}

// deriveSlug mirrors the Python original's github.com/<owner>/<repo> parsing.
func deriveSlug(repoURL string) (slug, owner, repoName string) {
	trimmed := strings.TrimSuffix(repoURL, ".git")
	parts := strings.Split(trimmed, "/")
	repoName = parts[len(parts)-1]

	if strings.Contains(repoURL, "github.com") {
		after := strings.SplitN(repoURL, "github.com/", 2)
		if len(after) == 2 {
			rest := strings.TrimSuffix(after[1], ".git")
			segs := strings.SplitN(rest, "/", 2)
			if len(segs) == 2 {
				owner = segs[0]
				repoName = segs[1]
				slug = owner + "/" + repoName
			}
		}
	}
	return slug, owner, repoName
}

// preWarmRepos ensures every distinct repo in batch is cloned/fetched
// sequentially before any worker starts, avoiding concurrent clones of the
// same repo (spec.md §4.6 step 1).
func (s *Scheduler) preWarmRepos(ctx context.Context, batch []jobRow) {
	seen := make(map[string]bool)
	for _, row := range batch {
		if seen[row.RepoURL] {
			continue
		}
		seen[row.RepoURL] = true
		if _, err := s.ws.EnsureRepo(ctx, row.RepoURL, row.RepoName); err != nil {
			slog.Error("failed to prepare repo", "repo", row.RepoName, "url", row.RepoURL, "error", err)
		}
	}
}

// runBatch submits every row in batch to a bounded worker pool of
// s.concurrency goroutines.
func (s *Scheduler) runBatch(ctx context.Context, batch []jobRow) {
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, row := range batch {
		row := row
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.processRow(ctx, row); err != nil {
				slog.Error("job failed", "project_key", row.ProjectKey, "error", err)
			}
		}()
	}
	wg.Wait()
}

// processRow implements spec.md §4.6 step 2c-f for a single job.
func (s *Scheduler) processRow(ctx context.Context, row jobRow) error {
	meta := models.CommitMeta{
		RepoName:   &row.RepoName,
		ProjectKey: &row.ProjectKey,
		RepoURL:    &row.RepoURL,
	}

	outcome, err := s.store.TryClaimCommit(ctx, row.CommitSHA, meta)
	if err != nil {
		return fmt.Errorf("claiming commit %s: %w", row.CommitSHA, err)
	}
	if outcome == models.AlreadyTerminal {
		slog.Debug("skipping already-terminal commit", "project_key", row.ProjectKey, "sha", row.CommitSHA)
		return nil
	}

	var workspacePath string
	defer func() {
		if workspacePath != "" {
			s.ws.CleanupWorkspace(ctx, row.RepoName, workspacePath)
		}
	}()

	workspacePath, err = s.ws.PrepareWorkspace(ctx, row.RepoName, row.ProjectKey)
	if err != nil {
		return s.fail(ctx, row, meta, fmt.Errorf("preparing workspace: %w", err))
	}

	if err := s.ws.CheckoutCommit(ctx, workspacePath, row.CommitSHA, row.RepoSlug); err != nil {
		return s.fail(ctx, row, meta, fmt.Errorf("checking out commit: %w", err))
	}

	if err := s.scanner.Scan(ctx, workspacePath, row.ProjectKey, row.CommitSHA); err != nil {
		return s.fail(ctx, row, meta, fmt.Errorf("scanner command failed: %w", err))
	}

	if err := s.store.MarkProcessed(ctx, row.CommitSHA, meta); err != nil {
		return fmt.Errorf("marking %s processed: %w", row.CommitSHA, err)
	}
	return nil
}

func (s *Scheduler) fail(ctx context.Context, row jobRow, meta models.CommitMeta, cause error) error {
	if markErr := s.store.MarkFailed(ctx, row.CommitSHA, cause.Error(), meta); markErr != nil {
		slog.Error("failed to record failure", "sha", row.CommitSHA, "error", markErr)
	}
	return cause
}
