package signals

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prcopilot/internal/platform"
	"github.com/prcopilot/internal/triage"
)

// fakeClient serves canned platform answers.
type fakeClient struct {
	info          *platform.RequestInfo
	ci            triage.CIStatus
	diff          *platform.DiffStats
	history       *platform.ContributorHistory
	historyCalled bool
}

func (f *fakeClient) RequestInfo(ctx context.Context, key triage.ChangeRequestKey) (*platform.RequestInfo, error) {
	return f.info, nil
}

func (f *fakeClient) CIStatus(ctx context.Context, key triage.ChangeRequestKey, revision string) (triage.CIStatus, error) {
	return f.ci, nil
}

func (f *fakeClient) DiffStats(ctx context.Context, key triage.ChangeRequestKey, revision string) (*platform.DiffStats, error) {
	return f.diff, nil
}

func (f *fakeClient) ContributorHistory(ctx context.Context, repo, login string) (*platform.ContributorHistory, error) {
	f.historyCalled = true
	return f.history, nil
}

func (f *fakeClient) PostComment(ctx context.Context, key triage.ChangeRequestKey, body string) error {
	return nil
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func baseClient() *fakeClient {
	mergeable := true
	return &fakeClient{
		info: &platform.RequestInfo{
			Title:          "fix: handle empty payloads",
			Body:           "details",
			Author:         "casey",
			AuthorRole:     "MEMBER",
			HeadRevision:   "abc123",
			CreatedAt:      testNow.Add(-48 * time.Hour),
			ReviewComments: 2,
		},
		ci: triage.CIPassing,
		diff: &platform.DiffStats{
			Additions:    30,
			Deletions:    12,
			ChangedFiles: 3,
			Commits:      2,
			Mergeable:    &mergeable,
		},
	}
}

func TestExtractBuildsSignalSet(t *testing.T) {
	client := baseClient()
	e := NewExtractor(client)
	e.now = func() time.Time { return testNow }

	key := triage.ChangeRequestKey{Repo: "acme/widgets", Number: 7}
	sig, err := e.Extract(context.Background(), key, "abc123")
	require.NoError(t, err)

	want := &triage.SignalSet{
		CIStatus:       triage.CIPassing,
		DiffSize:       42, // additions plus deletions
		ChangedFiles:   3,
		CommitCount:    2,
		TrustTier:      triage.TrustTrusted,
		AgeHours:       48,
		ReviewComments: 2,
		Title:          "fix: handle empty payloads",
		Description:    "details",
		Author:         "casey",
	}
	if diff := cmp.Diff(want, sig); diff != "" {
		t.Errorf("signal set mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, client.historyCalled, "a platform role makes the history call unnecessary")
}

func TestExtractConflictsFromMergeableFlag(t *testing.T) {
	client := baseClient()
	conflicted := false
	client.diff.Mergeable = &conflicted

	sig, err := NewExtractor(client).Extract(context.Background(), triage.ChangeRequestKey{Repo: "r", Number: 1}, "")
	require.NoError(t, err)
	assert.True(t, sig.HasConflicts)

	// Merge state still being computed must not read as conflicted.
	client.diff.Mergeable = nil
	sig, err = NewExtractor(client).Extract(context.Background(), triage.ChangeRequestKey{Repo: "r", Number: 1}, "")
	require.NoError(t, err)
	assert.False(t, sig.HasConflicts)
}

func TestTrustTierFallsBackToHistory(t *testing.T) {
	client := baseClient()
	client.info.AuthorRole = ""
	client.history = &platform.ContributorHistory{Login: "casey", Contributions: 4}

	sig, err := NewExtractor(client).Extract(context.Background(), triage.ChangeRequestKey{Repo: "r", Number: 1}, "")
	require.NoError(t, err)
	assert.True(t, client.historyCalled)
	assert.Equal(t, triage.TrustReturning, sig.TrustTier)
}

func TestTierFromRole(t *testing.T) {
	assert.Equal(t, triage.TrustTrusted, tierFromRole("OWNER"))
	assert.Equal(t, triage.TrustTrusted, tierFromRole("collaborator"))
	assert.Equal(t, triage.TrustReturning, tierFromRole("CONTRIBUTOR"))
	assert.Equal(t, triage.TrustNew, tierFromRole("FIRST_TIME_CONTRIBUTOR"))
	assert.Equal(t, triage.TrustTier(""), tierFromRole("NONE_OF_THE_ABOVE"))
}

func TestTierFromContributions(t *testing.T) {
	assert.Equal(t, triage.TrustNew, tierFromContributions(0))
	assert.Equal(t, triage.TrustReturning, tierFromContributions(1))
	assert.Equal(t, triage.TrustTrusted, tierFromContributions(10))
}

func TestBreakingChangeMarkers(t *testing.T) {
	cases := []struct {
		name   string
		title  string
		labels []string
		want   bool
	}{
		{name: "plain title", title: "fix: tidy logging", want: false},
		{name: "breaking label", title: "refactor", labels: []string{"Breaking-Change"}, want: true},
		{name: "architecture label", title: "refactor", labels: []string{"architecture"}, want: true},
		{name: "bracket marker", title: "[breaking] drop v1 endpoints", want: true},
		{name: "conventional bang", title: "feat(core)!: new storage layout", want: true},
		{name: "bang after colon does not count", title: "fix: really! important", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := flagsBreakingChange(&platform.RequestInfo{Title: tc.title, Labels: tc.labels})
			assert.Equal(t, tc.want, got)
		})
	}
}
