package models

import "time"

// Upload statuses. Transitions are strictly uploaded → queued → running →
// {completed, error}; no skipping, and the only backward move is the
// crash-recovery demotion of queued or running back to uploaded.
const (
	UploadUploaded  = "uploaded"
	UploadQueued    = "queued"
	UploadRunning   = "running"
	UploadCompleted = "completed"
	UploadError     = "error"
)

// RepoCommitCount is one entry of an upload's per-repo commit-count summary.
type RepoCommitCount struct {
	Repo        string `json:"repo"`
	CommitCount int    `json:"commit_count"`
}

// UploadRecord is the durable row created on file submission (C7), primary
// key an opaque UUID string.
type UploadRecord struct {
	ID           string            `json:"id"            db:"id"`
	Filename     string            `json:"filename"      db:"filename"`
	SavedPath    string            `json:"saved_path"    db:"saved_path"`
	Status       string            `json:"status"        db:"status"`
	TotalCommits int               `json:"total_commits" db:"total_commits"`
	RepoSummary  []RepoCommitCount `json:"repo_summary"  db:"-"`
	RepoSummaryJSON string         `json:"-"             db:"repo_summary"`
	JobID        string            `json:"job_id"        db:"job_id"`
	Error        string            `json:"error"         db:"error"`
	UploadedAt   time.Time         `json:"uploaded_at"   db:"uploaded_at"`
}

// Job is the in-memory record tracking a single enqueued scan run over an
// uploaded CSV (spec.md §3's "Job").
type Job struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	CSVPath     string     `json:"csv_path"`
	UploadID    string     `json:"upload_id"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}
