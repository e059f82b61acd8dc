// Package platform defines the hosting-platform client capability the triage
// pipeline consumes. Concrete adapters live in the github and gitlab
// subpackages; tests substitute fakes.
package platform

import (
	"context"
	"time"

	"github.com/prcopilot/internal/triage"
)

// DiffStats summarizes the change set of a request at a revision.
type DiffStats struct {
	Additions    int
	Deletions    int
	ChangedFiles int
	Commits      int

	// Mergeable is nil while the platform is still computing merge state.
	Mergeable *bool
}

// ChangedLines is additions plus deletions.
func (d DiffStats) ChangedLines() int { return d.Additions + d.Deletions }

// RequestInfo is the request metadata needed for signal extraction.
type RequestInfo struct {
	Title          string
	Body           string
	Author         string
	AuthorRole     string // platform's author association, e.g. MEMBER
	State          string // open, closed, merged
	Draft          bool
	Labels         []string
	HeadRevision   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ReviewComments int
}

// ContributorHistory describes a contributor's record with the repository.
type ContributorHistory struct {
	Login         string
	Contributions int // prior commits or merged requests in this repo
}

// Client is the narrow platform-API contract consumed by the pipeline.
// Implementations must honor context deadlines and report outages as
// triage.ErrUpstreamUnavailable (wrapped) rather than a zero-value answer,
// so transient failures feed the task retry policy.
type Client interface {
	RequestInfo(ctx context.Context, key triage.ChangeRequestKey) (*RequestInfo, error)
	CIStatus(ctx context.Context, key triage.ChangeRequestKey, revision string) (triage.CIStatus, error)
	DiffStats(ctx context.Context, key triage.ChangeRequestKey, revision string) (*DiffStats, error)
	ContributorHistory(ctx context.Context, repo, login string) (*ContributorHistory, error)
	PostComment(ctx context.Context, key triage.ChangeRequestKey, body string) error
}

// ReviewerSuggester is the reviewer-suggestion collaborator. The heuristic
// itself is outside this core; StaticSuggester is the default.
type ReviewerSuggester interface {
	SuggestReviewers(ctx context.Context, key triage.ChangeRequestKey) ([]string, error)
}

// StaticSuggester returns a fixed reviewer list (possibly empty).
type StaticSuggester struct {
	Reviewers []string
}

func (s StaticSuggester) SuggestReviewers(ctx context.Context, key triage.ChangeRequestKey) ([]string, error) {
	return s.Reviewers, nil
}

// MapSuggester keys configured reviewer lists by repository full name.
type MapSuggester map[string][]string

func (m MapSuggester) SuggestReviewers(ctx context.Context, key triage.ChangeRequestKey) ([]string, error) {
	return m[key.Repo], nil
}
