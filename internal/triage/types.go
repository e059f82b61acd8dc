package triage

import (
	"fmt"
	"strings"
	"time"
)

// ChangeRequestKey identifies a change request (pull/merge request) and is the
// serialization and lookup key everywhere in the pipeline.
type ChangeRequestKey struct {
	Repo   string `json:"repo"`   // full name, e.g. "owner/repo"
	Number int    `json:"number"` // request number within the repo
}

func (k ChangeRequestKey) String() string {
	return fmt.Sprintf("%s#%d", k.Repo, k.Number)
}

// Category is one of the six workflow categories a change request can be
// classified into.
type Category string

const (
	CategoryReadyToMerge       Category = "Ready to Merge"
	CategoryArchDiscussion     Category = "Needs Architecture Discussion"
	CategoryMinorFixes         Category = "Needs Minor Fixes"
	CategoryMentorSupport      Category = "Needs Mentor Support"
	CategoryMaintainerDecision Category = "Needs Maintainer Decision"
	CategoryBlockedStale       Category = "Blocked/Stale"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryReadyToMerge,
	CategoryArchDiscussion,
	CategoryMinorFixes,
	CategoryMentorSupport,
	CategoryMaintainerDecision,
	CategoryBlockedStale,
}

// ParseCategory matches a string against the known categories,
// case-insensitively. Used for operator overrides and LLM responses.
func ParseCategory(s string) (Category, bool) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for _, c := range Categories {
		if strings.ToLower(string(c)) == needle {
			return c, true
		}
	}
	return "", false
}

// Status is the triage lifecycle state of a change request. Transitions only
// go pending -> analyzing -> {completed, failed}; a second analyzing
// transition for the same key is prevented by the per-key lease in the queue.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Provenance records how a classification was produced.
type Provenance string

const (
	ProvenanceRules    Provenance = "rules"
	ProvenanceLLM      Provenance = "llm"
	ProvenanceOverride Provenance = "override"
)

// CIStatus is the aggregate check state of a revision.
type CIStatus string

const (
	CIPassing CIStatus = "passing"
	CIFailing CIStatus = "failing"
	CIPending CIStatus = "pending"
	CIUnknown CIStatus = "unknown"
)

// TrustTier buckets a contributor by history with the repository.
type TrustTier string

const (
	TrustNew       TrustTier = "new"
	TrustReturning TrustTier = "returning"
	TrustTrusted   TrustTier = "trusted"
)

// SignalSet is the normalized signal snapshot computed for one analysis pass.
// It is ephemeral: nothing beyond the score breakdown is persisted.
type SignalSet struct {
	CIStatus       CIStatus  `json:"ci_status"`
	DiffSize       int       `json:"diff_size"` // total changed lines
	ChangedFiles   int       `json:"changed_files"`
	CommitCount    int       `json:"commit_count"`
	HasConflicts   bool      `json:"has_conflicts"`
	TrustTier      TrustTier `json:"trust_tier"`
	AgeHours       float64   `json:"age_hours"`
	ReviewComments int       `json:"review_comments"`

	// Request metadata consumed by the rule layer and the scorer.
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Author         string   `json:"author"`
	Labels         []string `json:"labels"`
	Draft          bool     `json:"draft"`
	BreakingChange bool     `json:"breaking_change"`
}

// RequestState is the persisted triage state for one change request. It is
// owned by the worker holding the key's lease and read-only to everyone else.
type RequestState struct {
	Key                  ChangeRequestKey `json:"key"`
	Author               string           `json:"author,omitempty"`
	Classification       *Category        `json:"classification,omitempty"`
	Confidence           float64          `json:"confidence"`
	Provenance           Provenance       `json:"provenance,omitempty"`
	PriorityScore        *int             `json:"priority_score,omitempty"`
	ScoreBreakdown       map[string]int   `json:"score_breakdown,omitempty"`
	Status               Status           `json:"status"`
	LastAnalyzedRevision string           `json:"last_analyzed_revision,omitempty"`
	Version              int64            `json:"version"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// TaskReason says why a task was enqueued.
type TaskReason string

const (
	ReasonWebhook TaskReason = "webhook"
	ReasonCommand TaskReason = "command"
	ReasonRetry   TaskReason = "retry"
)

// Command names accepted by the dispatcher.
const (
	CommandTriage           = "triage"
	CommandPrioritize       = "prioritize"
	CommandSuggestReviewers = "suggest-reviewers"
	CommandReclassify       = "reclassify"
	CommandHelp             = "help"
)

// CommandPayload carries a parsed operator command on a command task.
type CommandPayload struct {
	Command  string   `json:"command"`
	Args     []string `json:"args,omitempty"`
	Actor    string   `json:"actor,omitempty"`
	Override Category `json:"override,omitempty"` // set only for /reclassify
}

// Task is one unit of queued triage work.
type Task struct {
	ID               string            `json:"id"`
	Key              ChangeRequestKey  `json:"key"`
	Reason           TaskReason        `json:"reason"`
	EnqueuedRevision string            `json:"enqueued_revision,omitempty"`
	Attempt          int               `json:"attempt"`
	NotBefore        time.Time         `json:"not_before"`
	EnqueuedAt       time.Time         `json:"enqueued_at"`
	Command          *CommandPayload   `json:"command,omitempty"`
}

// DeliveryRecord marks a webhook delivery as accepted. Write-once, kept only
// for the dedup retention window.
type DeliveryRecord struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
}

// Report is the structured outcome of one analysis pass, handed to the
// platform client for posting. Presentation markup is the poster's concern.
type Report struct {
	Key             ChangeRequestKey `json:"key"`
	Classification  Category         `json:"classification,omitempty"`
	Confidence      float64          `json:"confidence"`
	Uncertain       bool             `json:"uncertain"`
	Provenance      Provenance       `json:"provenance,omitempty"`
	Score           int              `json:"score"`
	Breakdown       map[string]int   `json:"breakdown,omitempty"`
	Reasoning       string           `json:"reasoning,omitempty"`
	SuggestedAction string           `json:"suggested_action,omitempty"`
	Failure         string           `json:"failure,omitempty"` // set on failed analyses
	GeneratedAt     time.Time        `json:"generated_at"`
}
