// Package signals converts raw change-request metadata into the normalized
// SignalSet the classifier and scorer consume.
package signals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prcopilot/internal/platform"
	"github.com/prcopilot/internal/triage"
)

// Trust tier cutoffs on prior contributions, used when the platform does not
// report an author role.
const (
	returningContributions = 1
	trustedContributions   = 10
)

// Extractor builds SignalSets from the platform client.
type Extractor struct {
	client platform.Client
	now    func() time.Time
}

func NewExtractor(client platform.Client) *Extractor {
	return &Extractor{client: client, now: time.Now}
}

// Extract gathers CI status, diff statistics, conflict state, and
// contributor history for the request at the given revision. All variability
// comes from the platform; failures surface as triage.ErrUpstreamUnavailable
// from the client and propagate for task-level retry.
func (e *Extractor) Extract(ctx context.Context, key triage.ChangeRequestKey, revision string) (*triage.SignalSet, error) {
	info, err := e.client.RequestInfo(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("request info for %s: %w", key, err)
	}

	if revision == "" {
		revision = info.HeadRevision
	}

	ci, err := e.client.CIStatus(ctx, key, revision)
	if err != nil {
		return nil, fmt.Errorf("ci status for %s@%s: %w", key, revision, err)
	}

	diff, err := e.client.DiffStats(ctx, key, revision)
	if err != nil {
		return nil, fmt.Errorf("diff stats for %s: %w", key, err)
	}

	tier := tierFromRole(info.AuthorRole)
	if tier == "" {
		history, err := e.client.ContributorHistory(ctx, key.Repo, info.Author)
		if err != nil {
			return nil, fmt.Errorf("contributor history for %s: %w", info.Author, err)
		}
		tier = tierFromContributions(history.Contributions)
	}

	sig := &triage.SignalSet{
		CIStatus:       ci,
		DiffSize:       diff.ChangedLines(),
		ChangedFiles:   diff.ChangedFiles,
		CommitCount:    diff.Commits,
		HasConflicts:   diff.Mergeable != nil && !*diff.Mergeable,
		TrustTier:      tier,
		AgeHours:       e.now().Sub(info.CreatedAt).Hours(),
		ReviewComments: info.ReviewComments,
		Title:          info.Title,
		Description:    info.Body,
		Author:         info.Author,
		Labels:         info.Labels,
		Draft:          info.Draft,
		BreakingChange: flagsBreakingChange(info),
	}

	log.Debug().
		Str("key", key.String()).
		Str("ci", string(sig.CIStatus)).
		Int("diff", sig.DiffSize).
		Bool("conflicts", sig.HasConflicts).
		Str("trust", string(sig.TrustTier)).
		Msg("extracted signal set")
	return sig, nil
}

// tierFromRole maps a platform author association onto a trust tier, or ""
// when the platform gave no usable role.
func tierFromRole(role string) triage.TrustTier {
	switch strings.ToUpper(role) {
	case "OWNER", "MEMBER", "COLLABORATOR":
		return triage.TrustTrusted
	case "CONTRIBUTOR":
		return triage.TrustReturning
	case "FIRST_TIME_CONTRIBUTOR", "FIRST_TIMER":
		return triage.TrustNew
	}
	return ""
}

func tierFromContributions(n int) triage.TrustTier {
	switch {
	case n >= trustedContributions:
		return triage.TrustTrusted
	case n >= returningContributions:
		return triage.TrustReturning
	default:
		return triage.TrustNew
	}
}

// flagsBreakingChange looks for explicit breaking/architectural markers in
// labels and the title, the way conventional-commit style requests flag them.
func flagsBreakingChange(info *platform.RequestInfo) bool {
	for _, l := range info.Labels {
		switch strings.ToLower(l) {
		case "breaking-change", "breaking", "architecture", "api-change":
			return true
		}
	}
	title := strings.ToLower(info.Title)
	if strings.Contains(title, "breaking change") || strings.Contains(title, "[breaking]") {
		return true
	}
	// Conventional-commit bang marker, e.g. "feat!:" or "refactor(core)!:".
	if idx := strings.Index(title, ":"); idx > 0 && strings.HasSuffix(strings.TrimSpace(title[:idx]), "!") {
		return true
	}
	return false
}
