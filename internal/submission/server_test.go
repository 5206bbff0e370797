package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/reposweep/reposweep/internal/config"
	"github.com/reposweep/reposweep/models"
)

type fakeStore struct {
	mu      sync.Mutex
	uploads map[string]models.UploadRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{uploads: map[string]models.UploadRecord{}}
}

func (f *fakeStore) UpsertUpload(ctx context.Context, rec models.UploadRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[rec.ID] = rec
	return nil
}

func (f *fakeStore) UpdateUploadStatus(ctx context.Context, id, status, jobID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.uploads[id]
	rec.Status = status
	if jobID != "" {
		rec.JobID = jobID
	}
	rec.Error = errMsg
	f.uploads[id] = rec
	return nil
}

func (f *fakeStore) GetUpload(ctx context.Context, id string) (models.UploadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.uploads[id]
	if !ok {
		return models.UploadRecord{}, errNotFound
	}
	return rec, nil
}

func (f *fakeStore) GetUploads(ctx context.Context) ([]models.UploadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.UploadRecord, 0, len(f.uploads))
	for _, u := range f.uploads {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeStore) ResetUploadStates(ctx context.Context) error { return nil }

func (f *fakeStore) GetResumableUploads(ctx context.Context, includeError bool) ([]models.UploadRecord, error) {
	return nil, nil
}

func (f *fakeStore) GetRepoSummary(ctx context.Context) []models.RepoSummary { return nil }

type errNotFoundType struct{}

func (errNotFoundType) Error() string { return "not found" }

var errNotFound = errNotFoundType{}

type fakeScheduler struct {
	processed chan string
	fail      bool
}

func (f *fakeScheduler) ProcessCSV(ctx context.Context, csvPath string) error {
	if f.processed != nil {
		f.processed <- csvPath
	}
	if f.fail {
		return errScan
	}
	return nil
}

type scanErrType struct{}

func (scanErrType) Error() string { return "boom" }

var errScan = scanErrType{}

func newTestServer(t *testing.T, store CheckpointStore, sched Scheduler) *Server {
	t.Helper()
	srv, err := New(store, sched, t.TempDir(), config.SubmissionConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func multipartCSV(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func TestHandleUpload_PersistsAndSummarizes(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, &fakeScheduler{})

	body, contentType := multipartCSV(t, "batch.csv", "repo_url,commit_sha\nhttps://github.com/acme/widgets.git,abc\nhttps://github.com/acme/widgets.git,def\n")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	srv.buildHandler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Uploads []struct {
			UploadID string                   `json:"upload_id"`
			Total    int                      `json:"total_commits"`
			Summary  []models.RepoCommitCount `json:"summary"`
		} `json:"uploads"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Uploads) != 1 {
		t.Fatalf("want 1 upload result, got %d", len(resp.Uploads))
	}
	if resp.Uploads[0].Total != 2 {
		t.Fatalf("want total_commits=2, got %d", resp.Uploads[0].Total)
	}
	if len(resp.Uploads[0].Summary) != 1 || resp.Uploads[0].Summary[0].CommitCount != 2 {
		t.Fatalf("unexpected summary: %+v", resp.Uploads[0].Summary)
	}

	stored, err := store.GetUpload(context.Background(), resp.Uploads[0].UploadID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if stored.Status != models.UploadUploaded {
		t.Fatalf("want status uploaded, got %s", stored.Status)
	}
}

func TestHandleScanUpload_EnqueuesAndRuns(t *testing.T) {
	store := newFakeStore()
	processed := make(chan string, 1)
	sched := &fakeScheduler{processed: processed}
	srv := newTestServer(t, store, sched)

	rec := models.UploadRecord{ID: "u1", SavedPath: filepath.Join(t.TempDir(), "x.csv"), Status: models.UploadUploaded}
	store.UpsertUpload(context.Background(), rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.runWorker(ctx)

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/u1/scan", nil)
	req.SetPathValue("id", "u1")
	w := httptest.NewRecorder()
	srv.handleScanUpload(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("want 202, got %d: %s", w.Code, w.Body.String())
	}

	select {
	case path := <-processed:
		if path != rec.SavedPath {
			t.Fatalf("want %s processed, got %s", rec.SavedPath, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected scheduler to process the upload's CSV")
	}

	// Give the worker a moment to finish updating status.
	time.Sleep(50 * time.Millisecond)
	got, _ := store.GetUpload(context.Background(), "u1")
	if got.Status != models.UploadCompleted {
		t.Fatalf("want completed, got %s", got.Status)
	}
}

func TestHandleScanUpload_RejectsNonUploadedState(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, &fakeScheduler{})

	rec := models.UploadRecord{ID: "u2", Status: models.UploadQueued}
	store.UpsertUpload(context.Background(), rec)

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/u2/scan", nil)
	req.SetPathValue("id", "u2")
	w := httptest.NewRecorder()
	srv.handleScanUpload(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("want 409, got %d", w.Code)
	}
}

func TestHandleGetJob_NotFound(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, &fakeScheduler{})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	req.SetPathValue("id", "missing")
	w := httptest.NewRecorder()
	srv.handleGetJob(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", w.Code)
	}
}
