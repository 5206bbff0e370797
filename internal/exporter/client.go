// Package exporter implements the offline metrics exporter (C8): it crawls
// or reads a list of analysis-server project keys, fetches measures in
// metric-key chunks, and streams the result to CSV and an optional JSONL
// sidecar. Grounded on original_source/batch_fetch_all_measures.py.
package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultPageSize = 500
	requestTimeout  = 30 * time.Second
)

// ALLMetricKeys is the fixed metric set queried for every project, mirroring
// the original's hardcoded ALL_METRIC_KEYS (no /api/metrics/search crawl).
var ALLMetricKeys = []string{
	"bugs",
	"reliability_issues",
	"reliability_rating",
	"reliability_remediation_effort",
	"vulnerabilities",
	"security_issues",
	"security_rating",
	"security_hotspots",
	"security_remediation_effort",
	"security_review_rating",
	"code_smells",
	"sqale_index",
	"sqale_debt_ratio",
	"sqale_rating",
	"development_cost",
	"effort_to_reach_maintainability_rating_a",
	"coverage",
	"line_coverage",
	"lines_to_cover",
	"uncovered_lines",
	"duplicated_lines_density",
	"duplicated_lines",
	"duplicated_blocks",
	"duplicated_files",
	"cognitive_complexity",
	"complexity",
	"ncloc",
	"lines",
	"files",
	"classes",
	"functions",
	"statements",
	"ncloc_language_distribution",
	"comment_lines_density",
	"comment_lines",
	"alert_status",
	"quality_gate_details",
	"critical_violations",
	"violations",
	"info_violations",
	"minor_violations",
	"major_violations",
	"open_issues",
	"last_commit_date",
}

// Measure is one metric/value pair as returned by /api/measures/component.
type Measure struct {
	Metric  string `json:"metric"`
	Value   string `json:"value"`
	Periods []struct {
		Value string `json:"value"`
	} `json:"periods"`
}

// Client is a retrying HTTP client for the analysis server's web API,
// authenticated the same way the scan driver's compute-engine poll is
// (HTTP Basic with the token as username). Grounded on
// internal/forge/gitlab.go's retryablehttp.StandardClient() idiom.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewClient builds a Client against hostURL, retrying {429,500,502,503,504}
// with exponential backoff — the Go equivalent of the original's
// urllib3 Retry-mounted HTTPAdapter.
func NewClient(hostURL, token string) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 8 * time.Second
	rc.HTTPClient.Timeout = requestTimeout

	return &Client{
		http:    rc.StandardClient(),
		baseURL: strings.TrimRight(hostURL, "/"),
		token:   token,
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("exporter: building request for %s: %w", path, err)
	}
	req.SetBasicAuth(c.token, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exporter: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("exporter: reading response from %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exporter: GET %s returned HTTP %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}

// FetchAllProjects paginates /api/projects/search and returns every
// component key with the given qualifier (default "TRK").
func (c *Client) FetchAllProjects(ctx context.Context, qualifier string) ([]string, error) {
	if qualifier == "" {
		qualifier = "TRK"
	}
	var keys []string
	page := 1
	for {
		params := url.Values{
			"p":          {fmt.Sprintf("%d", page)},
			"ps":         {fmt.Sprintf("%d", defaultPageSize)},
			"qualifiers": {qualifier},
		}
		body, err := c.get(ctx, "/api/projects/search", params)
		if err != nil {
			return nil, err
		}
		var parsed struct {
			Components []struct {
				Key string `json:"key"`
			} `json:"components"`
			Paging struct {
				Total int `json:"total"`
			} `json:"paging"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("exporter: decoding projects/search: %w", err)
		}
		if len(parsed.Components) == 0 {
			break
		}
		for _, comp := range parsed.Components {
			if comp.Key != "" {
				keys = append(keys, comp.Key)
			}
		}
		if len(keys) >= parsed.Paging.Total || len(parsed.Components) < defaultPageSize {
			break
		}
		page++
	}
	return keys, nil
}

// FetchMeasuresChunk fetches the measures for one project limited to the
// given metric keys (the analysis server's URL length caps how many keys
// fit in one call, hence chunking upstream in Exporter.fetchProject).
func (c *Client) FetchMeasuresChunk(ctx context.Context, projectKey string, metrics []string) ([]Measure, error) {
	params := url.Values{
		"component":  {projectKey},
		"metricKeys": {strings.Join(metrics, ",")},
	}
	body, err := c.get(ctx, "/api/measures/component", params)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Component struct {
			Measures []Measure `json:"measures"`
		} `json:"component"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("exporter: decoding measures/component for %s: %w", projectKey, err)
	}
	return parsed.Component.Measures, nil
}

// chunkList splits list into chunks of at most size elements.
func chunkList(list []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var chunks [][]string
	for i := 0; i < len(list); i += size {
		end := i + size
		if end > len(list) {
			end = len(list)
		}
		chunks = append(chunks, list[i:end])
	}
	return chunks
}
