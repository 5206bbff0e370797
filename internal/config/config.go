package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".reposweep"
	DefaultConfigFile = "config.json"
	DefaultWorkDir    = ".reposweep/work"
	DefaultDBFile     = ".reposweep/checkpoint.db"
)

// Load reads the config file (falling back to defaults if it is absent; no
// file is written), binds the
// environment variables named in §6 of the specification, and returns a
// populated Config. configPath, when non-empty, overrides the default location.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)
	bindLegacyEnvNames(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !isNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
		// No config file yet — defaults and env vars still apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if tokens := os.Getenv("GITHUB_TOKENS"); tokens != "" {
		cfg.Forge.GitHubTokens = splitTokens(tokens)
	}
	for env, dest := range map[string]*bool{
		"WAIT_FOR_CE":       &cfg.Scanner.WaitForCE,
		"AUTO_RESUME":       &cfg.Submission.AutoResume,
		"AUTO_RESUME_ERROR": &cfg.Submission.AutoResumeError,
	} {
		if raw, ok := os.LookupEnv(env); ok {
			*dest = parseBoolEnv(raw)
		}
	}

	expandPaths(&cfg, home)
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	if configPath == "" {
		configPath = filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("scanner.host_url", "http://localhost:9000")
	v.SetDefault("scanner.token", "admin")
	v.SetDefault("scanner.bin", "sonar-scanner")
	v.SetDefault("scanner.exclusions", "")
	v.SetDefault("scanner.wait_for_ce", true)
	v.SetDefault("scanner.wait_for_ce_timeout", 300)
	v.SetDefault("scanner.wait_for_ce_poll", 5)

	v.SetDefault("forge.provider", "github")
	v.SetDefault("forge.github_host", "github.com")
	v.SetDefault("forge.gitlab_host", "gitlab.com")

	v.SetDefault("workspace.dir", filepath.Join(home, DefaultWorkDir))

	v.SetDefault("scheduler.concurrent_scans", 4)
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.input_csv", "")

	v.SetDefault("submission.port", 8088)
	v.SetDefault("submission.auto_resume", false)
	v.SetDefault("submission.auto_resume_error", false)
	v.SetDefault("submission.sweep_cron", "")

	v.SetDefault("exporter.max_workers", 4)
	v.SetDefault("exporter.chunk_size", 15)
	v.SetDefault("exporter.out_dir", ".")
	v.SetDefault("exporter.jsonl", false)
	v.SetDefault("exporter.chunk_delay_ms", 50)
}

// bindLegacyEnvNames wires the flat, un-prefixed environment variable names
// documented in §6 of the specification onto their nested config keys. This
// preserves drop-in compatibility with the original Python process's
// environment contract instead of viper's usual SECTION_KEY convention.
func bindLegacyEnvNames(v *viper.Viper) {
	pairs := map[string]string{
		"database.path":               "CHECKPOINT_FILE",
		"database.driver":             "DATABASE_DRIVER",
		"database.dsn":                "DATABASE_DSN",
		"scanner.host_url":            "SONAR_HOST_URL",
		"scanner.token":               "SONAR_TOKEN",
		"scanner.bin":                 "SONAR_SCANNER_BIN",
		"scanner.exclusions":          "SONAR_EXCLUSIONS",
		"scanner.wait_for_ce":         "WAIT_FOR_CE",
		"scanner.wait_for_ce_timeout": "WAIT_FOR_CE_TIMEOUT",
		"scanner.wait_for_ce_poll":    "WAIT_FOR_CE_POLL",
		"workspace.dir":               "WORK_DIR",
		"scheduler.concurrent_scans":  "CONCURRENT_SCANS",
		"scheduler.batch_size":        "BATCH_SIZE",
		"scheduler.input_csv":         "INPUT_CSV",
		"submission.auto_resume":      "AUTO_RESUME",
		"submission.auto_resume_error": "AUTO_RESUME_ERROR",
		"exporter.chunk_delay_ms":     "PER_CHUNK_DELAY",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

// splitTokens parses a comma-separated GITHUB_TOKENS value into a trimmed,
// non-empty token list, matching config.py's GITHUB_TOKENS handling.
func splitTokens(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Workspace.Dir = expandHome(cfg.Workspace.Dir, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}

// parseBoolEnv mirrors config.py's loose truthy parsing ("1", "true", "yes").
func parseBoolEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n != 0
	}
	return false
}
