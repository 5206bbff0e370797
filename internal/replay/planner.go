// Package replay implements the commit replay planner (C3): reconstructing
// a target commit absent from a local mirror by walking single-parent
// ancestors through the forge client and collecting patches, grounded on
// original_source/pipeline/commit_replay.py's build_replay_plan /
// apply_replay_plan.
package replay

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/reposweep/reposweep/internal/forge"
)

// maxDepth bounds parent traversal, per spec.md §4.3.
const maxDepth = 50

// MissingForkCommitError is returned when a fork-only commit cannot be
// reconstructed: non-linear ancestry, traversal limits, cycles, or a patch
// that fails to apply.
type MissingForkCommitError struct {
	SHA    string
	Reason string
}

func (e *MissingForkCommitError) Error() string {
	return fmt.Sprintf("missing-fork-commit %s: %s", e.SHA, e.Reason)
}

// ReplayCommit is one entry in a ReplayPlan: the fork-only commit's SHA,
// unified-diff patch text, and message.
type ReplayCommit struct {
	SHA     string
	Patch   string
	Message string
}

// ReplayPlan is an ordered list of fork-only commits to apply onto BaseSHA,
// which already exists in the local mirror.
type ReplayPlan struct {
	BaseSHA string
	Commits []ReplayCommit
}

// CommitExistsFunc reports whether sha is present in the local mirror.
type CommitExistsFunc func(sha string) bool

// BuildPlan walks ancestors of targetSHA via client, starting at
// target_sha and following single-parent history until it reaches a commit
// that commitExists reports as locally present, per spec.md §4.3.
func BuildPlan(ctx context.Context, client forge.Client, repoSlug, targetSHA string, commitExists CommitExistsFunc) (*ReplayPlan, error) {
	if commitExists(targetSHA) {
		return nil, fmt.Errorf("replay: commit %s already exists, replay is unnecessary", targetSHA)
	}

	var missing []ReplayCommit
	visited := make(map[string]bool)
	current := targetSHA

	for depth := 1; ; depth++ {
		if depth > maxDepth {
			return nil, &MissingForkCommitError{
				SHA:    targetSHA,
				Reason: fmt.Sprintf("Exceeded parent traversal limit (%d) before finding a reachable ancestor", maxDepth),
			}
		}

		commit, err := client.GetCommit(ctx, repoSlug, current)
		if err != nil {
			if isRateLimitErr(err) {
				return nil, err
			}
			return nil, &MissingForkCommitError{
				SHA:    current,
				Reason: fmt.Sprintf("GitHub API error while loading commit %s: %v", current, err),
			}
		}
		if len(commit.Parents) != 1 {
			return nil, &MissingForkCommitError{
				SHA:    current,
				Reason: "Cannot replay commit with zero or multiple parents",
			}
		}

		patch, err := client.GetCommitPatch(ctx, repoSlug, current)
		if err != nil {
			if isRateLimitErr(err) {
				return nil, err
			}
			return nil, &MissingForkCommitError{
				SHA:    current,
				Reason: fmt.Sprintf("Failed to download patch for commit %s: %v", current, err),
			}
		}

		missing = append(missing, ReplayCommit{SHA: current, Patch: patch, Message: commit.Message})

		parentSHA := commit.Parents[0]
		if parentSHA == "" {
			return nil, &MissingForkCommitError{
				SHA:    current,
				Reason: "Commit metadata missing parent SHA; cannot continue",
			}
		}

		if commitExists(parentSHA) {
			reverse(missing)
			return &ReplayPlan{BaseSHA: parentSHA, Commits: missing}, nil
		}
		if visited[parentSHA] {
			return nil, &MissingForkCommitError{
				SHA:    current,
				Reason: "Detected a parent traversal loop while searching for reachable ancestor",
			}
		}
		visited[current] = true
		current = parentSHA
	}
}

// isRateLimitErr reports whether err wraps forge.ErrAllTokensRateLimited,
// which must propagate unwrapped rather than being folded into a
// MissingForkCommitError (the original distinguishes GitHubRateLimitError
// from GitHubAPIError for exactly this reason).
func isRateLimitErr(err error) bool {
	var rl *forge.ErrAllTokensRateLimited
	return err != nil && asRateLimited(err, &rl)
}

func asRateLimited(err error, target **forge.ErrAllTokensRateLimited) bool {
	for err != nil {
		if rl, ok := err.(*forge.ErrAllTokensRateLimited); ok {
			*target = rl
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func reverse(commits []ReplayCommit) {
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
}

// ApplyPlan applies each commit's patch in order via `git apply` in
// worktree, per spec.md §4.3's "Applying the plan in a workspace". It does
// not check out plan.BaseSHA; the caller does that first.
func ApplyPlan(worktree string, plan *ReplayPlan) error {
	for _, commit := range plan.Commits {
		if err := applyPatch(worktree, commit.Patch, commit.SHA); err != nil {
			return err
		}
	}
	return nil
}

func applyPatch(worktree, patchText, sha string) error {
	if strings.TrimSpace(patchText) == "" {
		return nil
	}
	cmd := exec.Command("git", "apply", "--allow-empty", "--whitespace=nowarn")
	cmd.Dir = worktree
	cmd.Stdin = strings.NewReader(patchText)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		output := stdout.String() + stderr.String()
		return &MissingForkCommitError{
			SHA:    sha,
			Reason: fmt.Sprintf("Failed to apply patch for commit %s: %s", sha, output),
		}
	}
	return nil
}
