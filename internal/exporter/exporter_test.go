package exporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reposweep/reposweep/internal/config"
)

func TestParseComponentKey(t *testing.T) {
	repo, commit := parseComponentKey("19wu_19wu_011983fcf1ed6a9b6890a8e646b36704c28ad391")
	if repo != "19wu_19wu" {
		t.Fatalf("want repo 19wu_19wu, got %q", repo)
	}
	if commit != "011983fcf1ed6a9b6890a8e646b36704c28ad391" {
		t.Fatalf("unexpected commit: %q", commit)
	}
}

func TestParseComponentKey_NoSHAFallsBackToLastSegment(t *testing.T) {
	repo, commit := parseComponentKey("acme_widgets_feature-branch")
	if repo != "acme_widgets" || commit != "feature-branch" {
		t.Fatalf("got repo=%q commit=%q", repo, commit)
	}
}

func TestIsProjectPending(t *testing.T) {
	if !isProjectPending(nil) {
		t.Fatal("nil measures should be pending")
	}
	if !isProjectPending([]Measure{{Metric: "bugs", Value: ""}}) {
		t.Fatal("all-empty measures should be pending")
	}
	if isProjectPending([]Measure{{Metric: "bugs", Value: "3"}}) {
		t.Fatal("non-empty measure should not be pending")
	}
}

func TestChunkList(t *testing.T) {
	chunks := chunkList([]string{"a", "b", "c", "d", "e"}, 2)
	if len(chunks) != 3 {
		t.Fatalf("want 3 chunks, got %d", len(chunks))
	}
	if chunks[0][0] != "a" || chunks[2][0] != "e" {
		t.Fatalf("unexpected chunk contents: %+v", chunks)
	}
}

func TestDedupe(t *testing.T) {
	out := dedupe([]string{"a", "b", "a", "", "c", "b"})
	if strings.Join(out, ",") != "a,b,c" {
		t.Fatalf("unexpected dedupe result: %+v", out)
	}
}

func newTestAPI(t *testing.T, projects []string, measuresByProject map[string][]Measure) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/projects/search":
			comps := make([]map[string]string, 0, len(projects))
			for _, p := range projects {
				comps = append(comps, map[string]string{"key": p})
			}
			json.NewEncoder(w).Encode(map[string]any{
				"components": comps,
				"paging":     map[string]int{"total": len(projects)},
			})
		case "/api/measures/component":
			key := r.URL.Query().Get("component")
			json.NewEncoder(w).Encode(map[string]any{
				"component": map[string]any{"measures": measuresByProject[key]},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestResolveProjectKeys_CrawlAndExplicitMerge(t *testing.T) {
	srv := newTestAPI(t, []string{"acme_widgets"}, nil)
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	exp := New(client, config.ExporterConfig{})

	keys, err := exp.ResolveProjectKeys(context.Background(), ResolveOptions{
		AllProjects: true,
		ProjectKeys: []string{"acme_widgets", "acme_gizmos"},
	})
	if err != nil {
		t.Fatalf("ResolveProjectKeys: %v", err)
	}
	if strings.Join(keys, ",") != "acme_widgets,acme_gizmos" {
		t.Fatalf("unexpected merged keys: %+v", keys)
	}
}

func TestRun_WritesCSVAndSkipsPending(t *testing.T) {
	measures := map[string][]Measure{
		"acme_widgets_abc123abc123abc123abc123abc123abc123abcd": {{Metric: "bugs", Value: "2"}},
		"acme_gizmos_def456def456def456def456def456def456defa":  {},
	}
	srv := newTestAPI(t, nil, measures)
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	outDir := t.TempDir()
	exp := New(client, config.ExporterConfig{OutDir: outDir, MaxWorkers: 2, ChunkSize: 10, ChunkDelayMillis: 1})

	keys := []string{
		"acme_widgets_abc123abc123abc123abc123abc123abc123abcd",
		"acme_gizmos_def456def456def456def456def456def456defa",
	}
	summary, err := exp.Run(context.Background(), keys, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Success != 1 || summary.SkippedPending != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "all_projects_measures.csv"))
	if err != nil {
		t.Fatalf("reading csv: %v", err)
	}
	if !strings.Contains(string(data), "acme_widgets") {
		t.Fatalf("csv missing exported project: %s", data)
	}
	if strings.Contains(string(data), "acme_gizmos") {
		t.Fatalf("csv should not contain pending project: %s", data)
	}
}

func TestRun_ResumeSkipsProcessed(t *testing.T) {
	measures := map[string][]Measure{
		"acme_widgets_abc123abc123abc123abc123abc123abc123abcd": {{Metric: "bugs", Value: "2"}},
	}
	srv := newTestAPI(t, nil, measures)
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	outDir := t.TempDir()
	exp := New(client, config.ExporterConfig{OutDir: outDir, ChunkDelayMillis: 1})

	key := "acme_widgets_abc123abc123abc123abc123abc123abc123abcd"
	if _, err := exp.Run(context.Background(), []string{key}, false); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	summary, err := exp.Run(context.Background(), []string{key}, true)
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if summary.Total != 0 {
		t.Fatalf("expected resume to skip already-processed project, got total=%d", summary.Total)
	}
}
