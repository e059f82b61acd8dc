// Package classify decides which of the six workflow categories a change
// request belongs to. A deterministic rule layer short-circuits unambiguous
// cases; everything else goes to the LLM collaborator behind the same
// Classifier interface so tests can substitute a stub.
package classify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/prcopilot/internal/triage"
)

// Result is a classification outcome with its provenance.
type Result struct {
	Category        triage.Category   `json:"category"`
	Confidence      float64           `json:"confidence"`
	Provenance      triage.Provenance `json:"provenance"`
	Reasoning       string            `json:"reasoning,omitempty"`
	SuggestedAction string            `json:"suggested_action,omitempty"`
}

// Uncertain reports whether the result should be flagged for manual review.
func (r *Result) Uncertain() bool {
	return r.Provenance != triage.ProvenanceOverride && r.Confidence < triage.ConfidenceThreshold
}

// Classifier produces a category with a confidence for a signal set.
type Classifier interface {
	Classify(ctx context.Context, sig *triage.SignalSet) (*Result, error)
}

// Engine is the hybrid rule-then-LLM classifier.
type Engine struct {
	fallback Classifier // consulted only when no rule fires decisively
}

func NewEngine(fallback Classifier) *Engine {
	return &Engine{fallback: fallback}
}

// Classify applies the rule layer first and delegates to the LLM fallback
// when signals are ambiguous.
func (e *Engine) Classify(ctx context.Context, sig *triage.SignalSet) (*Result, error) {
	if res := applyRules(sig); res != nil {
		log.Debug().
			Str("category", string(res.Category)).
			Str("reasoning", res.Reasoning).
			Msg("rule layer classified request")
		return res, nil
	}

	res, err := e.fallback.Classify(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("llm classification: %w", err)
	}
	res.Provenance = triage.ProvenanceLLM
	if _, ok := triage.ParseCategory(string(res.Category)); !ok {
		// Unknown category from the model; safest middle ground.
		log.Warn().Str("category", string(res.Category)).Msg("llm returned unknown category")
		res.Category = triage.CategoryMinorFixes
		res.Confidence = 0.3
	}
	return res, nil
}

// applyRules returns a decisive classification, or nil when the request is
// ambiguous enough to need the LLM. Rule order encodes precedence: failing
// checks and conflicts dominate everything, including mentorship routing.
func applyRules(sig *triage.SignalSet) *Result {
	blocked := func(reason string) *Result {
		return &Result{
			Category:   triage.CategoryBlockedStale,
			Confidence: 1.0,
			Provenance: triage.ProvenanceRules,
			Reasoning:  reason,
		}
	}

	if sig.CIStatus == triage.CIFailing {
		return blocked("CI checks are failing")
	}
	if sig.HasConflicts {
		return blocked("merge conflicts are unresolved")
	}
	if sig.AgeHours >= triage.StaleAge.Hours() && sig.ReviewComments == 0 {
		return blocked(fmt.Sprintf("no activity for %.0f days", sig.AgeHours/24))
	}

	if sig.TrustTier == triage.TrustNew {
		return &Result{
			Category:   triage.CategoryMentorSupport,
			Confidence: 0.9,
			Provenance: triage.ProvenanceRules,
			Reasoning:  "first-time contributor",
		}
	}

	if sig.DiffSize > triage.LargeDiffLines || sig.BreakingChange {
		return &Result{
			Category:   triage.CategoryArchDiscussion,
			Confidence: 0.85,
			Provenance: triage.ProvenanceRules,
			Reasoning:  "large or breaking change set",
		}
	}

	if sig.CIStatus == triage.CIPassing &&
		!sig.Draft &&
		sig.DiffSize < triage.SmallDiffLines &&
		(sig.TrustTier == triage.TrustTrusted || sig.TrustTier == triage.TrustReturning) {
		return &Result{
			Category:   triage.CategoryReadyToMerge,
			Confidence: 0.9,
			Provenance: triage.ProvenanceRules,
			Reasoning:  "checks pass, small diff, known contributor",
		}
	}

	return nil
}

// Override produces the result for an explicit operator reclassification.
// It bypasses both layers and is recorded verbatim.
func Override(category triage.Category) *Result {
	return &Result{
		Category:   category,
		Confidence: 1.0,
		Provenance: triage.ProvenanceOverride,
		Reasoning:  "operator override",
	}
}
