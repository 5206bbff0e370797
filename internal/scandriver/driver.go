// Package scandriver implements the scanner driver (C5): invoking the
// external static-analysis scanner against a prepared workspace and,
// optionally, polling the analysis server's compute-engine queue until
// ingestion finishes. Grounded on internal/scanner/grype.go's
// exec.CommandContext + exit-code idiom and
// original_source/scan_manager.py's run_sonar_scan/wait_for_compute_engine.
package scandriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/reposweep/reposweep/internal/config"
)

// Driver invokes the scanner binary and, optionally, waits for the analysis
// server to finish ingesting its report.
type Driver struct {
	cfg  config.ScannerConfig
	http *http.Client
}

// New builds a Driver from cfg.
func New(cfg config.ScannerConfig) *Driver {
	return &Driver{cfg: cfg, http: &http.Client{Timeout: 30 * time.Second}}
}

// Scan runs the scanner binary against workspace for projectKey at
// commitSHA, then waits for compute-engine ingestion if cfg.WaitForCE is
// set. Returns an error iff the scanner subprocess exits non-zero.
func (d *Driver) Scan(ctx context.Context, workspace, projectKey, commitSHA string) error {
	slog.Info("starting scan", "project_key", projectKey, "sha", commitSHA)

	args := []string{
		fmt.Sprintf("-Dsonar.projectKey=%s", projectKey),
		fmt.Sprintf("-Dsonar.projectName=%s", projectKey),
		fmt.Sprintf("-Dsonar.projectVersion=%s", commitSHA),
		"-Dsonar.sources=.",
		fmt.Sprintf("-Dsonar.host.url=%s", d.cfg.HostURL),
		fmt.Sprintf("-Dsonar.token=%s", d.cfg.Token),
		"-Dsonar.scm.disabled=true",
	}
	if strings.TrimSpace(d.cfg.Exclusions) != "" {
		args = append(args, fmt.Sprintf("-Dsonar.exclusions=%s", d.cfg.Exclusions))
	}

	bin := d.cfg.Bin
	if bin == "" {
		bin = "sonar-scanner"
	}

	// nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = workspace
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		slog.Error("scan failed", "project_key", projectKey, "error", err, "output", out.String())
		return fmt.Errorf("scandriver: scan failed for %s: %w", projectKey, err)
	}
	slog.Info("scan completed", "project_key", projectKey)

	if d.cfg.WaitForCE {
		d.waitForComputeEngine(ctx, projectKey)
	}
	return nil
}

// ceResponse mirrors the analysis server's /api/ce/component payload
// (spec.md §7: `{current:{id,status}, queue:[...]}`).
type ceResponse struct {
	Current *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"current"`
	Queue []json.RawMessage `json:"queue"`
}

// waitForComputeEngine polls the compute-engine endpoint until the project's
// task queue drains, a terminal status is reached, or the timeout elapses.
// Errors are logged warnings only; the scan itself is already considered
// successful (spec.md §4.5).
func (d *Driver) waitForComputeEngine(ctx context.Context, projectKey string) {
	if d.cfg.HostURL == "" || d.cfg.Token == "" {
		slog.Warn("cannot wait for compute engine: missing host URL or token")
		return
	}

	timeout := time.Duration(d.cfg.WaitForCETimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	poll := time.Duration(d.cfg.WaitForCEPollSeconds) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}

	deadline := time.Now().Add(timeout)
	endpoint := strings.TrimRight(d.cfg.HostURL, "/") + "/api/ce/component"

	for time.Now().Before(deadline) {
		status, done, warn := d.pollOnce(ctx, endpoint, projectKey)
		if warn != "" {
			slog.Warn(warn, "project_key", projectKey)
			if status == http.StatusUnauthorized {
				return
			}
		}
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
	slog.Warn("timed out waiting for compute engine", "project_key", projectKey)
}

// pollOnce issues a single compute-engine poll. done reports whether the
// wait loop should stop (queue drained or task reached a terminal status).
func (d *Driver) pollOnce(ctx context.Context, endpoint, projectKey string) (statusCode int, done bool, warning string) {
	u := endpoint + "?" + url.Values{"component": {projectKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, false, fmt.Sprintf("building CE poll request: %v", err)
	}
	req.SetBasicAuth(d.cfg.Token, "")

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, false, fmt.Sprintf("polling compute engine: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, true, "unauthorized to query compute-engine status; skipping wait"
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, false, fmt.Sprintf("compute-engine poll returned status %d", resp.StatusCode)
	}

	var payload ceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return resp.StatusCode, false, fmt.Sprintf("decoding compute-engine response: %v", err)
	}

	if payload.Current == nil && len(payload.Queue) == 0 {
		slog.Info("compute engine done", "project_key", projectKey)
		return resp.StatusCode, true, ""
	}
	if payload.Current != nil {
		switch payload.Current.Status {
		case "SUCCESS", "FAILED", "CANCELED":
			slog.Info("compute engine task finished", "project_key", projectKey, "task_id", payload.Current.ID, "status", payload.Current.Status)
			return resp.StatusCode, true, ""
		}
	}
	return resp.StatusCode, false, ""
}
