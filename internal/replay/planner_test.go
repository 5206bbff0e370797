package replay

import (
	"context"
	"errors"
	"testing"

	"github.com/reposweep/reposweep/internal/forge"
	"github.com/reposweep/reposweep/models"
)

type fakeForge struct {
	commits map[string]models.Commit
	patches map[string]string
	err     error
}

func (f *fakeForge) GetCommit(ctx context.Context, repoSlug, sha string) (models.Commit, error) {
	if f.err != nil {
		return models.Commit{}, f.err
	}
	c, ok := f.commits[sha]
	if !ok {
		return models.Commit{}, errors.New("not found")
	}
	return c, nil
}

func (f *fakeForge) GetCommitPatch(ctx context.Context, repoSlug, sha string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.patches[sha], nil
}

func existsAmong(known ...string) CommitExistsFunc {
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}
	return func(sha string) bool { return set[sha] }
}

func TestBuildPlan_LinearChain(t *testing.T) {
	client := &fakeForge{
		commits: map[string]models.Commit{
			"D": {SHA: "D", Parents: []string{"C"}, Message: "d"},
			"C": {SHA: "C", Parents: []string{"B"}, Message: "c"},
			"B": {SHA: "B", Parents: []string{"A"}, Message: "b"},
		},
		patches: map[string]string{"D": "patch-d", "C": "patch-c", "B": "patch-b"},
	}

	plan, err := BuildPlan(context.Background(), client, "acme/widgets", "D", existsAmong("A"))
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.BaseSHA != "A" {
		t.Fatalf("want base A, got %s", plan.BaseSHA)
	}
	if len(plan.Commits) != 3 {
		t.Fatalf("want 3 commits, got %d", len(plan.Commits))
	}
	wantOrder := []string{"B", "C", "D"}
	for i, sha := range wantOrder {
		if plan.Commits[i].SHA != sha {
			t.Fatalf("commit %d: want %s, got %s", i, sha, plan.Commits[i].SHA)
		}
	}
}

func TestBuildPlan_AlreadyExists(t *testing.T) {
	client := &fakeForge{}
	_, err := BuildPlan(context.Background(), client, "acme/widgets", "D", existsAmong("D"))
	if err == nil {
		t.Fatalf("expected error when target already exists")
	}
}

func TestBuildPlan_MergeCommitFails(t *testing.T) {
	client := &fakeForge{
		commits: map[string]models.Commit{
			"D": {SHA: "D", Parents: []string{"B", "C"}, Message: "merge"},
		},
	}
	_, err := BuildPlan(context.Background(), client, "acme/widgets", "D", existsAmong("A"))
	var mfe *MissingForkCommitError
	if !errors.As(err, &mfe) {
		t.Fatalf("expected MissingForkCommitError, got %v", err)
	}
}

func TestBuildPlan_DepthLimit(t *testing.T) {
	commits := make(map[string]models.Commit)
	patches := make(map[string]string)
	prev := "root"
	for i := 0; i < maxDepth+5; i++ {
		sha := prevName(i)
		commits[sha] = models.Commit{SHA: sha, Parents: []string{prev}, Message: "m"}
		patches[sha] = "p"
		prev = sha
	}
	client := &fakeForge{commits: commits, patches: patches}

	_, err := BuildPlan(context.Background(), client, "acme/widgets", prev, existsAmong("never-reached"))
	var mfe *MissingForkCommitError
	if !errors.As(err, &mfe) {
		t.Fatalf("expected MissingForkCommitError for depth overrun, got %v", err)
	}
}

func prevName(i int) string {
	return "c" + string(rune('A'+i%26)) + string(rune('0'+i/26))
}

func TestBuildPlan_RateLimitPropagates(t *testing.T) {
	client := &fakeForge{err: &forge.ErrAllTokensRateLimited{}}
	_, err := BuildPlan(context.Background(), client, "acme/widgets", "D", existsAmong("A"))
	var rl *forge.ErrAllTokensRateLimited
	if !errors.As(err, &rl) {
		t.Fatalf("expected rate limit error to propagate unwrapped, got %v", err)
	}
}

func TestApplyPlan_SkipsEmptyPatch(t *testing.T) {
	plan := &ReplayPlan{BaseSHA: "A", Commits: []ReplayCommit{{SHA: "B", Patch: "   \n"}}}
	if err := ApplyPlan(t.TempDir(), plan); err != nil {
		t.Fatalf("expected empty patch to be skipped, got %v", err)
	}
}
