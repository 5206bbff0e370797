package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/reposweep/reposweep/internal/config"
	"github.com/reposweep/reposweep/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "checkpoint.db")
	store, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func strp(s string) *string { return &s }

func TestTryClaimCommit_NewThenResumed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sha := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	outcome, err := store.TryClaimCommit(ctx, sha, models.CommitMeta{RepoName: strp("acme/widgets")})
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if outcome != models.ClaimedNew {
		t.Fatalf("first claim: want ClaimedNew, got %v", outcome)
	}

	outcome, err = store.TryClaimCommit(ctx, sha, models.CommitMeta{})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if outcome != models.ResumedPending {
		t.Fatalf("second claim: want ResumedPending, got %v", outcome)
	}
}

func TestTryClaimCommit_AlreadyTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sha := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	if _, err := store.TryClaimCommit(ctx, sha, models.CommitMeta{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkProcessed(ctx, sha, models.CommitMeta{}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	outcome, err := store.TryClaimCommit(ctx, sha, models.CommitMeta{})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if outcome != models.AlreadyTerminal {
		t.Fatalf("reclaim: want AlreadyTerminal, got %v", outcome)
	}
	if !store.IsProcessed(ctx, sha) {
		t.Fatalf("expected sha to remain processed")
	}
}

func TestMarkFailedPreservesNonNilMetaOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sha := "cccccccccccccccccccccccccccccccccccccccc"

	if _, err := store.TryClaimCommit(ctx, sha, models.CommitMeta{RepoName: strp("acme/widgets"), ProjectKey: strp("acme_widgets_cc")}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(ctx, sha, "scanner exit 1", models.CommitMeta{}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	var rec models.CommitRecord
	if err := store.db.Get(ctx, &rec, `SELECT * FROM commits WHERE sha = ?`, sha); err != nil {
		t.Fatalf("reading back commit: %v", err)
	}
	if rec.Status != models.CommitFailed {
		t.Fatalf("want FAILED, got %s", rec.Status)
	}
	if rec.ErrorMessage == "" {
		t.Fatalf("expected non-empty error message")
	}
	if rec.RepoName != "acme/widgets" {
		t.Fatalf("expected repo_name to be preserved, got %q", rec.RepoName)
	}
}

func TestResetPendingJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sha := "dddddddddddddddddddddddddddddddddddddddd"
	if _, err := store.TryClaimCommit(ctx, sha, models.CommitMeta{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.ResetPendingJobs(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	stats := store.GetStats(ctx)
	if stats.Pending != 0 {
		t.Fatalf("expected no pending rows after reset, got %d", stats.Pending)
	}
}

func TestUploadLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := models.UploadRecord{
		ID:           "upload-1",
		Filename:     "batch.csv",
		SavedPath:    "/tmp/batch.csv",
		Status:       models.UploadUploaded,
		TotalCommits: 2,
		RepoSummary:  []models.RepoCommitCount{{Repo: "acme/widgets", CommitCount: 2}},
	}
	if err := store.UpsertUpload(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := store.UpdateUploadStatus(ctx, rec.ID, models.UploadQueued, "job-1", ""); err != nil {
		t.Fatalf("queue transition: %v", err)
	}
	if err := store.UpdateUploadStatus(ctx, rec.ID, models.UploadCompleted, "", ""); err == nil {
		t.Fatalf("expected illegal transition from queued to completed to fail")
	}
	if err := store.UpdateUploadStatus(ctx, rec.ID, models.UploadRunning, "", ""); err != nil {
		t.Fatalf("running transition: %v", err)
	}
	if err := store.UpdateUploadStatus(ctx, rec.ID, models.UploadCompleted, "", ""); err != nil {
		t.Fatalf("completed transition: %v", err)
	}

	got, err := store.GetUpload(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.UploadCompleted {
		t.Fatalf("want completed, got %s", got.Status)
	}
	if len(got.RepoSummary) != 1 || got.RepoSummary[0].Repo != "acme/widgets" {
		t.Fatalf("expected decoded repo summary, got %+v", got.RepoSummary)
	}
}

func TestResetUploadStatesAndResumable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.UpsertUpload(ctx, models.UploadRecord{ID: id, Status: models.UploadUploaded}); err != nil {
			t.Fatalf("seed upload %s: %v", id, err)
		}
	}
	_ = store.UpdateUploadStatus(ctx, "a", models.UploadQueued, "", "")
	_ = store.UpdateUploadStatus(ctx, "b", models.UploadQueued, "", "")
	_ = store.UpdateUploadStatus(ctx, "b", models.UploadRunning, "", "")

	resumable, err := store.GetResumableUploads(ctx, false)
	if err != nil {
		t.Fatalf("resumable: %v", err)
	}
	if len(resumable) != 2 {
		t.Fatalf("want 2 resumable uploads, got %d", len(resumable))
	}

	if err := store.ResetUploadStates(ctx); err != nil {
		t.Fatalf("reset upload states: %v", err)
	}
	resumable, err = store.GetResumableUploads(ctx, false)
	if err != nil {
		t.Fatalf("resumable after reset: %v", err)
	}
	if len(resumable) != 0 {
		t.Fatalf("want 0 resumable uploads after reset, got %d", len(resumable))
	}
}
