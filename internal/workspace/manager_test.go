package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// initFixtureRepo creates a small git repository with two commits at dir and
// returns their SHAs (first, second).
func initFixtureRepo(t *testing.T, dir string) (first, second string) {
	t.Helper()
	run := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
		return string(out)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "a.txt")
	run("commit", "-m", "first")
	first = sha(t, dir, "HEAD")

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "a.txt")
	run("commit", "-m", "second")
	second = sha(t, dir, "HEAD")
	return first, second
}

func sha(t *testing.T, dir, ref string) string {
	t.Helper()
	cmd := exec.Command("git", "rev-parse", ref)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	return string(bytesTrimRight(out))
}

func bytesTrimRight(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func TestEnsureRepoClonesThenFetches(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "origin")
	first, _ := initFixtureRepo(t, origin)

	ctx := context.Background()
	mgr, err := New(ctx, filepath.Join(root, "work"), nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mirror, err := mgr.EnsureRepo(ctx, origin, "widgets")
	if err != nil {
		t.Fatalf("EnsureRepo (clone): %v", err)
	}
	if !mgr.CommitExists(ctx, mirror, first) {
		t.Fatalf("expected first commit to exist after clone")
	}

	// Second call should fetch rather than re-clone.
	mirror2, err := mgr.EnsureRepo(ctx, origin, "widgets")
	if err != nil {
		t.Fatalf("EnsureRepo (fetch): %v", err)
	}
	if mirror != mirror2 {
		t.Fatalf("expected stable mirror path, got %s then %s", mirror, mirror2)
	}
}

func TestPrepareWorkspaceAndCheckout(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "origin")
	first, second := initFixtureRepo(t, origin)

	ctx := context.Background()
	mgr, err := New(ctx, filepath.Join(root, "work"), nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := mgr.EnsureRepo(ctx, origin, "widgets"); err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}

	ws, err := mgr.PrepareWorkspace(ctx, "widgets", "widgets_proj1")
	if err != nil {
		t.Fatalf("PrepareWorkspace: %v", err)
	}
	defer mgr.CleanupWorkspace(ctx, "widgets", ws)

	if err := mgr.CheckoutCommit(ctx, ws, first, ""); err != nil {
		t.Fatalf("checkout first: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws, "a.txt"))
	if err != nil {
		t.Fatalf("reading a.txt: %v", err)
	}
	if string(data) != "one\n" {
		t.Fatalf("want contents from first commit, got %q", data)
	}

	if err := mgr.CheckoutCommit(ctx, ws, second, ""); err != nil {
		t.Fatalf("checkout second: %v", err)
	}
	data, err = os.ReadFile(filepath.Join(ws, "a.txt"))
	if err != nil {
		t.Fatalf("reading a.txt: %v", err)
	}
	if string(data) != "two\n" {
		t.Fatalf("want contents from second commit, got %q", data)
	}
}

func TestCheckoutCommitMissingWithoutForgeFails(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "origin")
	initFixtureRepo(t, origin)

	ctx := context.Background()
	mgr, err := New(ctx, filepath.Join(root, "work"), nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := mgr.EnsureRepo(ctx, origin, "widgets"); err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	ws, err := mgr.PrepareWorkspace(ctx, "widgets", "widgets_proj2")
	if err != nil {
		t.Fatalf("PrepareWorkspace: %v", err)
	}
	defer mgr.CleanupWorkspace(ctx, "widgets", ws)

	err = mgr.CheckoutCommit(ctx, ws, "0000000000000000000000000000000000000000", "")
	if err == nil {
		t.Fatalf("expected checkout of unknown commit without forge client to fail")
	}
}

func TestCleanupStaleWorktreesRemovesTempEntries(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "origin")
	initFixtureRepo(t, origin)

	ctx := context.Background()
	mgr, err := New(ctx, filepath.Join(root, "work"), nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := mgr.EnsureRepo(ctx, origin, "widgets"); err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	if _, err := mgr.PrepareWorkspace(ctx, "widgets", "widgets_stale"); err != nil {
		t.Fatalf("PrepareWorkspace: %v", err)
	}

	if err := mgr.CleanupStaleWorktrees(ctx); err != nil {
		t.Fatalf("CleanupStaleWorktrees: %v", err)
	}
	entries, err := os.ReadDir(mgr.tempDir)
	if err != nil {
		t.Fatalf("reading temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp dir to be empty after cleanup, got %v", entries)
	}
}
