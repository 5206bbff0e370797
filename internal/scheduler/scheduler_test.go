package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/reposweep/reposweep/internal/config"
	"github.com/reposweep/reposweep/models"
)

type fakeStore struct {
	mu       sync.Mutex
	claimed  map[string]models.ClaimOutcome
	outcome  models.ClaimOutcome
	processed []string
	failed    map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{claimed: map[string]models.ClaimOutcome{}, failed: map[string]string{}}
}

func (f *fakeStore) TryClaimCommit(ctx context.Context, sha string, meta models.CommitMeta) (models.ClaimOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.claimed[sha]; ok {
		return o, nil
	}
	want := f.outcome
	if want == 0 {
		want = models.ClaimedNew
	}
	f.claimed[sha] = want
	return want, nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, sha string, meta models.CommitMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, sha)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, sha, errMsg string, meta models.CommitMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[sha] = errMsg
	return nil
}

type fakeWorkspace struct {
	mu        sync.Mutex
	ensured   []string
	checkout  func(sha string) error
}

func (f *fakeWorkspace) EnsureRepo(ctx context.Context, repoURL, repoName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, repoURL)
	return "/tmp/mirror/" + repoName, nil
}

func (f *fakeWorkspace) PrepareWorkspace(ctx context.Context, repoName, projectKey string) (string, error) {
	return "/tmp/ws/" + projectKey, nil
}

func (f *fakeWorkspace) CheckoutCommit(ctx context.Context, workspace, sha, repoSlug string) error {
	if f.checkout != nil {
		return f.checkout(sha)
	}
	return nil
}

func (f *fakeWorkspace) CleanupWorkspace(ctx context.Context, repoName, workspacePath string) {}

type fakeScanner struct {
	fail bool
}

func (f *fakeScanner) Scan(ctx context.Context, workspace, projectKey, commitSHA string) error {
	if f.fail {
		return errScan
	}
	return nil
}

var errScan = &scanError{}

type scanError struct{}

func (e *scanError) Error() string { return "scanner exit 1" }

func writeCSV(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.csv")
	if err := os.WriteFile(path, []byte(rows), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessCSV_HappyPath(t *testing.T) {
	csvPath := writeCSV(t, "repo_url,commit_sha\nhttps://github.com/acme/widgets.git,abc123\n")

	store := newFakeStore()
	ws := &fakeWorkspace{}
	scanner := &fakeScanner{}
	sched := New(store, ws, scanner, config.SchedulerConfig{ConcurrentScans: 2, BatchSize: 10})

	if err := sched.ProcessCSV(context.Background(), csvPath); err != nil {
		t.Fatalf("ProcessCSV: %v", err)
	}
	if len(store.processed) != 1 || store.processed[0] != "abc123" {
		t.Fatalf("expected abc123 to be marked processed, got %+v", store.processed)
	}
	if len(ws.ensured) != 1 {
		t.Fatalf("expected repo to be pre-warmed once, got %d", len(ws.ensured))
	}
}

func TestProcessCSV_ScannerFailureMarksFailed(t *testing.T) {
	csvPath := writeCSV(t, "repo_url,commit_sha\nhttps://github.com/acme/widgets.git,abc123\n")

	store := newFakeStore()
	ws := &fakeWorkspace{}
	scanner := &fakeScanner{fail: true}
	sched := New(store, ws, scanner, config.SchedulerConfig{ConcurrentScans: 2, BatchSize: 10})

	if err := sched.ProcessCSV(context.Background(), csvPath); err != nil {
		t.Fatalf("ProcessCSV: %v", err)
	}
	if len(store.processed) != 0 {
		t.Fatalf("expected no processed commits, got %+v", store.processed)
	}
	if _, ok := store.failed["abc123"]; !ok {
		t.Fatalf("expected abc123 to be marked failed")
	}
}

func TestProcessCSV_SkipsRowsMissingFields(t *testing.T) {
	csvPath := writeCSV(t, "repo_url,commit_sha\n,abc123\nhttps://github.com/acme/widgets.git,\n")

	store := newFakeStore()
	ws := &fakeWorkspace{}
	scanner := &fakeScanner{}
	sched := New(store, ws, scanner, config.SchedulerConfig{ConcurrentScans: 2, BatchSize: 10})

	if err := sched.ProcessCSV(context.Background(), csvPath); err != nil {
		t.Fatalf("ProcessCSV: %v", err)
	}
	if len(store.processed) != 0 {
		t.Fatalf("expected no jobs processed from invalid rows, got %+v", store.processed)
	}
}

func TestProcessCSV_AlreadyTerminalSkipsWork(t *testing.T) {
	csvPath := writeCSV(t, "repo_url,commit_sha\nhttps://github.com/acme/widgets.git,abc123\n")

	store := newFakeStore()
	store.outcome = models.AlreadyTerminal
	ws := &fakeWorkspace{}
	scanner := &fakeScanner{}
	sched := New(store, ws, scanner, config.SchedulerConfig{ConcurrentScans: 2, BatchSize: 10})

	if err := sched.ProcessCSV(context.Background(), csvPath); err != nil {
		t.Fatalf("ProcessCSV: %v", err)
	}
	if len(store.processed) != 0 {
		t.Fatalf("expected already-terminal commit to skip scan work, got %+v", store.processed)
	}
}

func TestDeriveSlug_GitHubURL(t *testing.T) {
	slug, owner, repoName := deriveSlug("https://github.com/acme/widgets.git")
	if slug != "acme/widgets" || owner != "acme" || repoName != "widgets" {
		t.Fatalf("got slug=%q owner=%q repoName=%q", slug, owner, repoName)
	}
}

func TestNormalizeRow_GhProjectNameSynthesizesURL(t *testing.T) {
	colIdx := map[string]int{"gh_project_name": 0, "git_trigger_commit": 1}
	row, ok := normalizeRow([]string{"acme/widgets", "deadbeef"}, colIdx)
	if !ok {
		t.Fatalf("expected row to normalize")
	}
	if row.RepoURL != "https://github.com/acme/widgets.git" {
		t.Fatalf("unexpected repo url: %s", row.RepoURL)
	}
	if row.ProjectKey != "acme_widgets_deadbeef" {
		t.Fatalf("unexpected default project key: %s", row.ProjectKey)
	}
}
