// Package workspace implements the workspace manager (C4): one persistent
// mirror clone per repository plus disposable per-job worktrees, guarded by
// per-repo advisory file locks, grounded on original_source/scan_manager.py's
// MiniScanner (ensure_repo/prepare_workspace/checkout_commit/cleanup_workspace/
// cleanup_stale_worktrees) and internal/repository/clone.go's go-git usage.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/gofrs/flock"

	"github.com/reposweep/reposweep/internal/forge"
	"github.com/reposweep/reposweep/internal/replay"
)

// repoLockTimeout and startupLockTimeout bound how long a caller waits to
// acquire a per-repo or startup lock before giving up, mirroring the Python original's
// FileLock(timeout=600) / FileLock(timeout=60).
const (
	repoLockTimeout    = 600 * time.Second
	startupLockTimeout = 60 * time.Second
)

// ErrCommitNotReconstructable is returned by CheckoutCommit when the
// target commit is absent locally and cannot be reached via replay.
var ErrCommitNotReconstructable = fmt.Errorf("workspace: commit not found and cannot be reconstructed")

// Manager owns the on-disk layout rooted at workDir: repos/<name> mirrors,
// temp/<project_key> worktrees, and locks/ advisory file locks.
type Manager struct {
	workDir  string
	reposDir string
	tempDir  string
	locksDir string

	forge forge.Client // optional; nil disables replay fallback
	token string        // credential used for HTTPS clone/fetch auth, if any
}

// New creates a Manager rooted at workDir, creating its subdirectories, and
// runs CleanupStaleWorktrees once at startup (spec.md §4.4).
func New(ctx context.Context, workDir string, forgeClient forge.Client, token string) (*Manager, error) {
	m := &Manager{
		workDir:  workDir,
		reposDir: filepath.Join(workDir, "repos"),
		tempDir:  filepath.Join(workDir, "temp"),
		locksDir: filepath.Join(workDir, "locks"),
		forge:    forgeClient,
		token:    token,
	}
	for _, dir := range []string{m.workDir, m.reposDir, m.tempDir, m.locksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("workspace: creating %s: %w", dir, err)
		}
	}
	if err := m.CleanupStaleWorktrees(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) repoLock(repoName string) *flock.Flock {
	return flock.New(filepath.Join(m.locksDir, repoName+".lock"))
}

func (m *Manager) lockRepo(ctx context.Context, repoName string) (*flock.Flock, error) {
	lock := m.repoLock(repoName)
	lctx, cancel := context.WithTimeout(ctx, repoLockTimeout)
	defer cancel()
	ok, err := lock.TryLockContext(lctx, 200*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("workspace: locking repo %s: %w", repoName, err)
	}
	if !ok {
		return nil, fmt.Errorf("workspace: timed out locking repo %s", repoName)
	}
	return lock, nil
}

// CleanupStaleWorktrees removes every entry under temp/ and prunes worktree
// bookkeeping for each mirror, guarded by a global startup lock so only one
// process performs this at a time (spec.md §4.4).
func (m *Manager) CleanupStaleWorktrees(ctx context.Context) error {
	startupLock := flock.New(filepath.Join(m.locksDir, "startup.lock"))
	lctx, cancel := context.WithTimeout(ctx, startupLockTimeout)
	defer cancel()
	ok, err := startupLock.TryLockContext(lctx, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("workspace: acquiring startup lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("workspace: timed out acquiring startup lock")
	}
	defer startupLock.Unlock()

	entries, err := os.ReadDir(m.tempDir)
	if err == nil {
		for _, e := range entries {
			p := filepath.Join(m.tempDir, e.Name())
			if err := os.RemoveAll(p); err != nil {
				slog.Warn("failed to clean temp entry", "path", p, "error", err)
			}
		}
	}

	repoEntries, err := os.ReadDir(m.reposDir)
	if err != nil {
		return nil
	}
	for _, e := range repoEntries {
		if !e.IsDir() {
			continue
		}
		repoPath := filepath.Join(m.reposDir, e.Name())
		if _, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil {
			continue
		}
		func() {
			lock, err := m.lockRepo(ctx, e.Name())
			if err != nil {
				slog.Warn("failed to prune worktrees", "repo", e.Name(), "error", err)
				return
			}
			defer lock.Unlock()
			if _, err := runGit(ctx, repoPath, "worktree", "prune"); err != nil {
				slog.Warn("failed to prune worktrees", "repo", e.Name(), "error", err)
			}
		}()
	}
	return nil
}

// EnsureRepo clones repoURL into repos/<repoName> if it doesn't already
// exist, or performs a best-effort fetch otherwise. Returns the mirror path.
func (m *Manager) EnsureRepo(ctx context.Context, repoURL, repoName string) (string, error) {
	repoPath := filepath.Join(m.reposDir, repoName)

	lock, err := m.lockRepo(ctx, repoName)
	if err != nil {
		return "", err
	}
	defer lock.Unlock()

	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		slog.Info("cloning repository", "url", repoURL, "dest", repoPath)
		opts := &gogit.CloneOptions{URL: repoURL}
		if m.token != "" {
			opts.Auth = &githttp.BasicAuth{Username: "reposweep", Password: m.token}
		}
		if _, err := gogit.PlainCloneContext(ctx, repoPath, false, opts); err != nil {
			os.RemoveAll(repoPath)
			return "", fmt.Errorf("workspace: cloning %s: %w", repoURL, err)
		}
		return repoPath, nil
	}

	// Best-effort fetch; errors are logged, not fatal (spec.md §4.4).
	if _, err := runGit(ctx, repoPath, "fetch", "--all"); err != nil {
		slog.Warn("fetch failed, continuing with existing mirror", "repo", repoName, "error", err)
	}
	return repoPath, nil
}

// PrepareWorkspace creates a fresh detached worktree for projectKey off the
// repoName mirror's current HEAD, removing any stale one first.
func (m *Manager) PrepareWorkspace(ctx context.Context, repoName, projectKey string) (string, error) {
	repoPath := filepath.Join(m.reposDir, repoName)
	if _, err := os.Stat(repoPath); err != nil {
		return "", fmt.Errorf("workspace: mirror for %s not prepared at %s", repoName, repoPath)
	}
	workspacePath := filepath.Join(m.tempDir, projectKey)

	lock, err := m.lockRepo(ctx, repoName)
	if err != nil {
		return "", err
	}
	defer lock.Unlock()

	if _, err := os.Stat(workspacePath); err == nil {
		_, _ = runGit(ctx, repoPath, "worktree", "remove", workspacePath, "--force")
		os.RemoveAll(workspacePath)
	}

	if _, err := runGit(ctx, repoPath, "worktree", "add", "--detach", workspacePath, "HEAD"); err != nil {
		return "", fmt.Errorf("workspace: adding worktree for %s: %w", projectKey, err)
	}
	return workspacePath, nil
}

// CommitExists reports whether sha is present in the repository at
// workspaceOrMirror.
func (m *Manager) CommitExists(ctx context.Context, workspaceOrMirror, sha string) bool {
	_, err := runGit(ctx, workspaceOrMirror, "cat-file", "-e", sha+"^{commit}")
	return err == nil
}

// CheckoutCommit checks out sha in workspace, falling back to replay via
// forge + C3 when sha is absent locally (spec.md §4.4).
func (m *Manager) CheckoutCommit(ctx context.Context, workspace, sha, repoSlug string) error {
	if m.CommitExists(ctx, workspace, sha) {
		if _, err := runGit(ctx, workspace, "checkout", "-f", sha); err == nil {
			_, _ = runGit(ctx, workspace, "clean", "-fdx")
			return nil
		}
	}

	if m.forge == nil || repoSlug == "" {
		return fmt.Errorf("%w: %s", ErrCommitNotReconstructable, sha)
	}

	slog.Info("commit missing locally, attempting replay", "sha", sha, "repo_slug", repoSlug)
	plan, err := replay.BuildPlan(ctx, m.forge, repoSlug, sha, func(candidate string) bool {
		return m.CommitExists(ctx, workspace, candidate)
	})
	if err != nil {
		return err
	}

	if _, err := runGit(ctx, workspace, "checkout", "-f", plan.BaseSHA); err != nil {
		return fmt.Errorf("workspace: checking out replay base %s: %w", plan.BaseSHA, err)
	}
	if _, err := runGit(ctx, workspace, "clean", "-fdx"); err != nil {
		return fmt.Errorf("workspace: cleaning workspace before replay: %w", err)
	}
	if err := replay.ApplyPlan(workspace, plan); err != nil {
		return err
	}
	slog.Info("replayed commit", "sha", sha, "base", plan.BaseSHA, "patches", len(plan.Commits))
	return nil
}

// CleanupWorkspace unregisters and removes workspace for repoName. Errors
// are logged, never returned, matching the Python original's finally block.
func (m *Manager) CleanupWorkspace(ctx context.Context, repoName, workspacePath string) {
	if workspacePath == "" {
		return
	}
	if _, err := os.Stat(workspacePath); err != nil {
		return
	}
	lock, err := m.lockRepo(ctx, repoName)
	if err != nil {
		slog.Warn("failed to lock repo for workspace cleanup", "repo", repoName, "error", err)
		return
	}
	defer lock.Unlock()

	repoPath := filepath.Join(m.reposDir, repoName)
	if _, err := runGit(ctx, repoPath, "worktree", "remove", workspacePath, "--force"); err != nil {
		slog.Warn("failed to remove worktree", "workspace", workspacePath, "error", err)
	}
	if err := os.RemoveAll(workspacePath); err != nil {
		slog.Warn("failed to remove workspace directory", "workspace", workspacePath, "error", err)
	}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}
