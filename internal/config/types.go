package config

// Config is the root configuration structure for reposweep.
// Serialised to ~/.reposweep/config.json and overridable by the
// environment variables named in each field's comment.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"   json:"database"`
	Scanner    ScannerConfig    `mapstructure:"scanner"    json:"scanner"`
	Forge      ForgeConfig      `mapstructure:"forge"      json:"forge"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"  json:"workspace"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"  json:"scheduler"`
	Submission SubmissionConfig `mapstructure:"submission" json:"submission"`
	Exporter   ExporterConfig   `mapstructure:"exporter"   json:"exporter"`
}

// DatabaseConfig controls the checkpoint store's storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime). Env: CHECKPOINT_FILE.
	Path string `mapstructure:"path" json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn" json:"dsn"`
}

// ScannerConfig controls the external static-analysis tool invocation (C5).
type ScannerConfig struct {
	// HostURL is the analysis server base URL. Env: SONAR_HOST_URL.
	HostURL string `mapstructure:"host_url" json:"host_url"`
	// Token authenticates against the analysis server. Env: SONAR_TOKEN.
	Token string `mapstructure:"token" json:"token"`
	// Bin is the path to the scanner executable. Env: SONAR_SCANNER_BIN.
	Bin string `mapstructure:"bin" json:"bin"`
	// Exclusions is a comma-separated glob list passed as sonar.exclusions. Env: SONAR_EXCLUSIONS.
	Exclusions string `mapstructure:"exclusions" json:"exclusions"`
	// WaitForCE enables polling the compute engine after a successful scan. Env: WAIT_FOR_CE.
	WaitForCE bool `mapstructure:"wait_for_ce" json:"wait_for_ce"`
	// WaitForCETimeoutSeconds bounds how long to poll. Env: WAIT_FOR_CE_TIMEOUT.
	WaitForCETimeoutSeconds int `mapstructure:"wait_for_ce_timeout" json:"wait_for_ce_timeout"`
	// WaitForCEPollSeconds is the delay between polls. Env: WAIT_FOR_CE_POLL.
	WaitForCEPollSeconds int `mapstructure:"wait_for_ce_poll" json:"wait_for_ce_poll"`
}

// ForgeConfig holds credentials for the source-forge client's rotating token pool (C2).
type ForgeConfig struct {
	// Provider selects the forge backend: "github" (default) or "gitlab".
	Provider string `mapstructure:"provider" json:"provider"`
	// GitHubTokens is the rotating credential pool. Env: GITHUB_TOKENS (comma-separated).
	GitHubTokens []string `mapstructure:"github_tokens" json:"github_tokens"`
	// GitHubHost allows GitHub Enterprise (default github.com).
	GitHubHost string `mapstructure:"github_host" json:"github_host"`
	// GitLabTokens is the rotating credential pool for the GitLab backend.
	GitLabTokens []string `mapstructure:"gitlab_tokens" json:"gitlab_tokens"`
	// GitLabHost allows self-hosted GitLab (default gitlab.com).
	GitLabHost string `mapstructure:"gitlab_host" json:"gitlab_host"`
}

// WorkspaceConfig controls the on-disk mirror/workspace layout (C4).
type WorkspaceConfig struct {
	// Dir is the root working directory. Env: WORK_DIR.
	Dir string `mapstructure:"dir" json:"dir"`
}

// SchedulerConfig controls the batch job scheduler (C6).
type SchedulerConfig struct {
	// ConcurrentScans is the bounded worker pool size. Env: CONCURRENT_SCANS.
	ConcurrentScans int `mapstructure:"concurrent_scans" json:"concurrent_scans"`
	// BatchSize is the number of CSV rows read per batch. Env: BATCH_SIZE.
	BatchSize int `mapstructure:"batch_size" json:"batch_size"`
	// InputCSV is the default input file path for `reposweep run`. Env: INPUT_CSV.
	InputCSV string `mapstructure:"input_csv" json:"input_csv"`
}

// SubmissionConfig controls the HTTP submission surface (C7).
type SubmissionConfig struct {
	// Port is the HTTP listen port (default 8088).
	Port int `mapstructure:"port" json:"port"`
	// AutoResume re-enqueues resumable uploads at startup. Env: AUTO_RESUME.
	AutoResume bool `mapstructure:"auto_resume" json:"auto_resume"`
	// AutoResumeError additionally re-enqueues uploads left in "error". Env: AUTO_RESUME_ERROR.
	AutoResumeError bool `mapstructure:"auto_resume_error" json:"auto_resume_error"`
	// SweepCron, if set, periodically triggers scan_all_pending (e.g. "@every 5m").
	SweepCron string `mapstructure:"sweep_cron" json:"sweep_cron"`
}

// ExporterConfig controls the offline metrics exporter (C8).
type ExporterConfig struct {
	// MaxWorkers bounds concurrent per-project export workers.
	MaxWorkers int `mapstructure:"max_workers" json:"max_workers"`
	// ChunkSize bounds metric keys per /api/measures/component request.
	ChunkSize int `mapstructure:"chunk_size" json:"chunk_size"`
	// OutDir is the directory export artifacts are written to.
	OutDir string `mapstructure:"out_dir" json:"out_dir"`
	// JSONL enables the optional JSONL sidecar output.
	JSONL bool `mapstructure:"jsonl" json:"jsonl"`
	// ChunkDelayMillis is the pause between successive metric-chunk requests
	// for the same project, to avoid hammering the analysis server. Env: PER_CHUNK_DELAY.
	ChunkDelayMillis int `mapstructure:"chunk_delay_ms" json:"chunk_delay_ms"`
}
