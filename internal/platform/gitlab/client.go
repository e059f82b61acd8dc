// Package gitlab adapts the GitLab API to the platform.Client contract. The
// ChangeRequestKey.Repo field carries the full project path ("group/project")
// and Number is the merge request IID.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/prcopilot/internal/platform"
	"github.com/prcopilot/internal/triage"
)

// Config for the GitLab adapter.
type Config struct {
	URL   string `koanf:"url"` // instance base URL, empty for gitlab.com
	Token string `koanf:"token"`
}

// Client implements platform.Client against GitLab.
type Client struct {
	api *gitlab.Client
}

// New builds the client for the configured instance.
func New(config Config) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("gitlab: token is required")
	}

	var opts []gitlab.ClientOptionFunc
	if config.URL != "" {
		opts = append(opts, gitlab.WithBaseURL(fmt.Sprintf("%s/api/v4", strings.TrimRight(config.URL, "/"))))
	}
	api, err := gitlab.NewClient(config.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("gitlab: initialize client: %w", err)
	}
	return &Client{api: api}, nil
}

// classify maps client-go errors onto the pipeline error taxonomy.
func classifyErr(resp *gitlab.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp == nil {
		return fmt.Errorf("%w: %v", triage.ErrUpstreamUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: gitlab answered %d", triage.ErrUpstreamUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("gitlab: %w", triage.ErrNotFound)
	default:
		return err
	}
}

func (c *Client) mergeRequest(ctx context.Context, key triage.ChangeRequestKey) (*gitlab.MergeRequest, error) {
	mr, resp, err := c.api.MergeRequests.GetMergeRequest(key.Repo, key.Number, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classifyErr(resp, err)
	}
	return mr, nil
}

func (c *Client) RequestInfo(ctx context.Context, key triage.ChangeRequestKey) (*platform.RequestInfo, error) {
	mr, err := c.mergeRequest(ctx, key)
	if err != nil {
		return nil, err
	}

	info := &platform.RequestInfo{
		Title:          mr.Title,
		Body:           mr.Description,
		State:          mr.State, // opened, closed, merged
		Draft:          mr.Draft,
		Labels:         mr.Labels,
		HeadRevision:   mr.SHA,
		ReviewComments: mr.UserNotesCount,
	}
	if mr.Author != nil {
		info.Author = mr.Author.Username
	}
	if mr.CreatedAt != nil {
		info.CreatedAt = *mr.CreatedAt
	}
	if mr.UpdatedAt != nil {
		info.UpdatedAt = *mr.UpdatedAt
	}
	if info.State == "opened" {
		info.State = "open"
	}
	return info, nil
}

func (c *Client) CIStatus(ctx context.Context, key triage.ChangeRequestKey, revision string) (triage.CIStatus, error) {
	statuses, resp, err := c.api.Commits.GetCommitStatuses(key.Repo, revision, nil, gitlab.WithContext(ctx))
	if err != nil {
		return triage.CIUnknown, classifyErr(resp, err)
	}
	if len(statuses) == 0 {
		return triage.CIUnknown, nil
	}

	// Any failure loses; any pending beats passing.
	agg := triage.CIPassing
	for _, s := range statuses {
		switch s.Status {
		case "failed", "canceled":
			return triage.CIFailing, nil
		case "pending", "running", "created":
			agg = triage.CIPending
		}
	}
	return agg, nil
}

func (c *Client) DiffStats(ctx context.Context, key triage.ChangeRequestKey, revision string) (*platform.DiffStats, error) {
	mr, err := c.mergeRequest(ctx, key)
	if err != nil {
		return nil, err
	}

	diffs, resp, err := c.api.MergeRequests.ListMergeRequestDiffs(key.Repo, key.Number,
		&gitlab.ListMergeRequestDiffsOptions{ListOptions: gitlab.ListOptions{PerPage: 100}},
		gitlab.WithContext(ctx))
	if err != nil {
		return nil, classifyErr(resp, err)
	}

	additions, deletions := 0, 0
	for _, d := range diffs {
		a, r := countDiffLines(d.Diff)
		additions += a
		deletions += r
	}

	commits, resp, err := c.api.MergeRequests.GetMergeRequestCommits(key.Repo, key.Number,
		&gitlab.GetMergeRequestCommitsOptions{PerPage: 100}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classifyErr(resp, err)
	}

	mergeable := !mr.HasConflicts
	return &platform.DiffStats{
		Additions:    additions,
		Deletions:    deletions,
		ChangedFiles: len(diffs),
		Commits:      len(commits),
		Mergeable:    &mergeable,
	}, nil
}

// countDiffLines counts added and removed lines in a unified diff hunk,
// skipping the +++/--- file headers.
func countDiffLines(diff string) (added, removed int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

func (c *Client) ContributorHistory(ctx context.Context, repo, login string) (*platform.ContributorHistory, error) {
	_, resp, err := c.api.MergeRequests.ListProjectMergeRequests(repo,
		&gitlab.ListProjectMergeRequestsOptions{
			AuthorUsername: gitlab.Ptr(login),
			State:          gitlab.Ptr("merged"),
			ListOptions:    gitlab.ListOptions{PerPage: 1},
		}, gitlab.WithContext(ctx))
	if err != nil {
		cErr := classifyErr(resp, err)
		if errors.Is(cErr, triage.ErrNotFound) {
			return &platform.ContributorHistory{Login: login}, nil
		}
		return nil, cErr
	}
	return &platform.ContributorHistory{Login: login, Contributions: resp.TotalItems}, nil
}

func (c *Client) PostComment(ctx context.Context, key triage.ChangeRequestKey, body string) error {
	_, resp, err := c.api.Notes.CreateMergeRequestNote(key.Repo, key.Number,
		&gitlab.CreateMergeRequestNoteOptions{Body: gitlab.Ptr(body)}, gitlab.WithContext(ctx))
	return classifyErr(resp, err)
}
