// Package submission implements the submission surface (C7): an HTTP API
// for uploading CSV batches, queueing them for scanning, and reporting job
// and repo status, grounded on original_source/webapp.py's FastAPI routes
// and internal/gateway/{server,api,api_helpers}.go's method-prefixed
// http.ServeMux + writeJSON/writeError idiom.
package submission

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/reposweep/reposweep/internal/config"
	"github.com/reposweep/reposweep/models"
)

// CheckpointStore is the subset of *checkpoint.Store the submission
// surface needs.
type CheckpointStore interface {
	UpsertUpload(ctx context.Context, rec models.UploadRecord) error
	UpdateUploadStatus(ctx context.Context, id, status, jobID, errMsg string) error
	GetUpload(ctx context.Context, id string) (models.UploadRecord, error)
	GetUploads(ctx context.Context) ([]models.UploadRecord, error)
	ResetUploadStates(ctx context.Context) error
	GetResumableUploads(ctx context.Context, includeError bool) ([]models.UploadRecord, error)
	GetRepoSummary(ctx context.Context) []models.RepoSummary
}

// Scheduler is the subset of *scheduler.Scheduler the submission surface
// needs: running one CSV batch to completion.
type Scheduler interface {
	ProcessCSV(ctx context.Context, csvPath string) error
}

// queueItem is one FIFO entry serviced by the dedicated worker goroutine.
type queueItem struct {
	jobID    string
	csvPath  string
	uploadID string
}

// Server implements C7's HTTP API. A single worker goroutine drains queue
// FIFO, so at most one CSV batch runs at a time — the Go equivalent of the
// original's scan_lock plus single background thread.
type Server struct {
	store      CheckpointStore
	scheduler  Scheduler
	uploadsDir string
	cfg        config.SubmissionConfig

	mu   sync.RWMutex
	jobs map[string]*models.Job

	queue chan queueItem
	cron  *cron.Cron
}

// New builds a Server. uploadsDir is created if missing.
func New(store CheckpointStore, scheduler Scheduler, uploadsDir string, cfg config.SubmissionConfig) (*Server, error) {
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("submission: creating uploads dir: %w", err)
	}
	return &Server{
		store:      store,
		scheduler:  scheduler,
		uploadsDir: uploadsDir,
		cfg:        cfg,
		jobs:       make(map[string]*models.Job),
		queue:      make(chan queueItem, 256),
	}, nil
}

// Start runs crash recovery, optionally auto-resumes pending uploads,
// starts the worker goroutine and the optional cron sweep, and blocks
// serving HTTP until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	// Resumable uploads are listed before ResetUploadStates demotes them to
	// uploaded; after the reset the queued/running query matches nothing.
	var resumable []models.UploadRecord
	if s.cfg.AutoResume {
		var err error
		resumable, err = s.store.GetResumableUploads(ctx, s.cfg.AutoResumeError)
		if err != nil {
			slog.Warn("auto-resume: failed to list resumable uploads", "error", err)
		}
	}

	if err := s.store.ResetUploadStates(ctx); err != nil {
		return fmt.Errorf("submission: resetting upload states at startup: %w", err)
	}

	if s.cfg.AutoResume {
		s.autoResume(ctx, resumable)
	}

	go s.runWorker(ctx)

	if strings.TrimSpace(s.cfg.SweepCron) != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(s.cfg.SweepCron, func() { s.scanAllPending(context.Background()) }); err != nil {
			return fmt.Errorf("submission: invalid sweep_cron %q: %w", s.cfg.SweepCron, err)
		}
		s.cron.Start()
	}

	port := s.cfg.Port
	if port == 0 {
		port = 8088
	}
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: s.buildHandler()}

	go func() {
		<-ctx.Done()
		if s.cron != nil {
			s.cron.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("submission surface listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("submission: http server: %w", err)
	}
	return nil
}

// autoResume re-enqueues the uploads Start found resumable before its
// crash-recovery reset (SPEC_FULL.md's AUTO_RESUME/AUTO_RESUME_ERROR supplement).
func (s *Server) autoResume(ctx context.Context, uploads []models.UploadRecord) {
	for _, u := range uploads {
		if _, err := s.enqueue(ctx, u); err != nil {
			slog.Warn("auto-resume: failed to enqueue upload", "upload_id", u.ID, "error", err)
		}
	}
	if len(uploads) > 0 {
		slog.Info("auto-resumed uploads", "count", len(uploads))
	}
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("POST /api/uploads/{id}/scan", s.handleScanUpload)
	mux.HandleFunc("POST /api/uploads/scan_all_pending", s.handleScanAllPending)
	mux.HandleFunc("GET /api/uploads", s.handleListUploads)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/repos", s.handleListRepos)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload implements POST /api/upload: accepts one or more multipart
// CSV files, persists each to disk, computes a per-repo commit-count
// summary, and stores an Upload record in status "uploaded".
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parsing multipart form: %v", err))
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded under field \"file\"")
		return
	}

	type uploadResult struct {
		UploadID string             `json:"upload_id"`
		SavedAs  string             `json:"saved_as"`
		Summary  []models.RepoCommitCount `json:"summary"`
		Total    int                `json:"total_commits"`
	}
	results := make([]uploadResult, 0, len(files))

	for i, fh := range files {
		if !strings.HasSuffix(strings.ToLower(fh.Filename), ".csv") {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a CSV file", fh.Filename))
			return
		}
		src, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("opening upload %s: %v", fh.Filename, err))
			return
		}

		destName := fmt.Sprintf("%s-%d-%s", time.Now().UTC().Format("20060102-150405"), i, sanitizeFilename(fh.Filename))
		destPath, err := validateSafePath(s.uploadsDir, destName)
		if err != nil {
			src.Close()
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		dest, err := os.Create(destPath)
		if err != nil {
			src.Close()
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("saving upload: %v", err))
			return
		}
		_, copyErr := io.Copy(dest, src)
		src.Close()
		dest.Close()
		if copyErr != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("saving upload: %v", copyErr))
			return
		}

		summary, total, err := summarizeCSV(destPath)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("summarizing %s: %v", fh.Filename, err))
			return
		}

		rec := models.UploadRecord{
			ID:           uuid.NewString(),
			Filename:     fh.Filename,
			SavedPath:    destPath,
			Status:       models.UploadUploaded,
			TotalCommits: total,
			RepoSummary:  summary,
			UploadedAt:   time.Now().UTC(),
		}
		if err := s.store.UpsertUpload(r.Context(), rec); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("persisting upload: %v", err))
			return
		}

		results = append(results, uploadResult{UploadID: rec.ID, SavedAs: destPath, Summary: summary, Total: total})
	}

	writeJSON(w, http.StatusOK, map[string]any{"uploads": results})
}

// handleScanUpload implements POST /api/uploads/{id}/scan.
func (s *Server) handleScanUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.GetUpload(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}
	if rec.Status != models.UploadUploaded {
		writeError(w, http.StatusConflict, fmt.Sprintf("upload already %s", rec.Status))
		return
	}
	jobID, err := s.enqueue(r.Context(), rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleScanAllPending implements POST /api/uploads/scan_all_pending.
func (s *Server) handleScanAllPending(w http.ResponseWriter, r *http.Request) {
	jobIDs := s.scanAllPending(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": jobIDs})
}

func (s *Server) scanAllPending(ctx context.Context) []string {
	uploads, err := s.store.GetUploads(ctx)
	if err != nil {
		slog.Warn("scan_all_pending: failed to list uploads", "error", err)
		return nil
	}
	var jobIDs []string
	for _, u := range uploads {
		if u.Status != models.UploadUploaded {
			continue
		}
		jobID, err := s.enqueue(ctx, u)
		if err != nil {
			slog.Warn("scan_all_pending: failed to enqueue upload", "upload_id", u.ID, "error", err)
			continue
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs
}

// enqueue transitions rec from uploaded to queued and places it on the job
// queue. Uploads already queued|running|completed are rejected by the
// caller before this is invoked.
func (s *Server) enqueue(ctx context.Context, rec models.UploadRecord) (string, error) {
	jobID := uuid.NewString()
	if err := s.store.UpdateUploadStatus(ctx, rec.ID, models.UploadQueued, jobID, ""); err != nil {
		return "", fmt.Errorf("transitioning upload to queued: %w", err)
	}

	job := &models.Job{ID: jobID, Status: models.UploadQueued, CSVPath: rec.SavedPath, UploadID: rec.ID, CreatedAt: time.Now().UTC()}
	s.mu.Lock()
	s.jobs[jobID] = job
	s.mu.Unlock()

	s.queue <- queueItem{jobID: jobID, csvPath: rec.SavedPath, uploadID: rec.ID}
	return jobID, nil
}

// runWorker is the single dedicated worker goroutine servicing the job
// queue FIFO (spec.md §4.7).
func (s *Server) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-s.queue:
			s.runJob(ctx, item)
		}
	}
}

func (s *Server) runJob(ctx context.Context, item queueItem) {
	now := time.Now().UTC()
	s.mu.Lock()
	job := s.jobs[item.jobID]
	if job != nil {
		job.Status = models.UploadRunning
		job.StartedAt = &now
	}
	s.mu.Unlock()

	if err := s.store.UpdateUploadStatus(ctx, item.uploadID, models.UploadRunning, item.jobID, ""); err != nil {
		slog.Warn("failed to mark upload running", "upload_id", item.uploadID, "error", err)
	}

	err := s.scheduler.ProcessCSV(ctx, item.csvPath)

	completed := time.Now().UTC()
	s.mu.Lock()
	if job != nil {
		job.CompletedAt = &completed
	}
	s.mu.Unlock()

	if err != nil {
		slog.Error("job failed", "job_id", item.jobID, "error", err)
		s.mu.Lock()
		if job != nil {
			job.Status = models.UploadError
			job.Error = err.Error()
		}
		s.mu.Unlock()
		if uerr := s.store.UpdateUploadStatus(ctx, item.uploadID, models.UploadError, item.jobID, err.Error()); uerr != nil {
			slog.Warn("failed to mark upload error", "upload_id", item.uploadID, "error", uerr)
		}
		return
	}

	s.mu.Lock()
	if job != nil {
		job.Status = models.UploadCompleted
	}
	s.mu.Unlock()
	if err := s.store.UpdateUploadStatus(ctx, item.uploadID, models.UploadCompleted, item.jobID, ""); err != nil {
		slog.Warn("failed to mark upload completed", "upload_id", item.uploadID, "error", err)
	}
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	uploads, err := s.store.GetUploads(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, uploads)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetRepoSummary(r.Context()))
}

// summarizeCSV streams path and returns a per-repo commit count summary,
// recognising the same repo_url/gh_project_name columns as the scheduler.
func summarizeCSV(path string) ([]models.RepoCommitCount, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.TrimSpace(name)] = i
	}

	counts := make(map[string]int)
	order := make([]string, 0)
	total := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		repo := repoNameFromRow(record, colIdx)
		if repo == "" {
			continue
		}
		if _, ok := counts[repo]; !ok {
			order = append(order, repo)
		}
		counts[repo]++
		total++
	}

	summary := make([]models.RepoCommitCount, 0, len(order))
	for _, repo := range order {
		summary = append(summary, models.RepoCommitCount{Repo: repo, CommitCount: counts[repo]})
	}
	return summary, total, nil
}

func repoNameFromRow(record []string, colIdx map[string]int) string {
	get := func(name string) string {
		idx, ok := colIdx[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}
	repoURL := get("repo_url")
	if repoURL == "" {
		if gh := get("gh_project_name"); gh != "" {
			return gh
		}
		return ""
	}
	trimmed := strings.TrimSuffix(repoURL, ".git")
	parts := strings.Split(trimmed, "/")
	return parts[len(parts)-1]
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "upload.csv"
	}
	return base
}

// validateSafePath ensures the resolved destination path stays within
// baseDir, preventing directory traversal via a crafted filename.
func validateSafePath(baseDir, filename string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolving base directory: %w", err)
	}
	dest := filepath.Join(baseDir, filename)
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return "", fmt.Errorf("invalid filename: %w", err)
	}
	if !strings.HasPrefix(absDest, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("filename would escape allowed directory")
	}
	return absDest, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
