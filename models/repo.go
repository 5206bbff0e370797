package models

// Commit is a minimal representation of a source-forge commit used by C2/C3:
// its SHA, single-parent chain, and commit message. Parents has length 0 for
// a root commit, 1 for an ordinary commit, 2+ for a merge.
type Commit struct {
	SHA     string   `json:"sha"`
	Parents []string `json:"parents"`
	Message string   `json:"message"`
}
