package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prcopilot/internal/triage"
)

// categoryEmoji decorates the posted comment headline.
var categoryEmoji = map[triage.Category]string{
	triage.CategoryReadyToMerge:       "✅",
	triage.CategoryArchDiscussion:     "🏗️",
	triage.CategoryMinorFixes:         "🔧",
	triage.CategoryMentorSupport:      "🎓",
	triage.CategoryMaintainerDecision: "🤔",
	triage.CategoryBlockedStale:       "🚧",
}

// factorLabels maps score breakdown keys to human headings. Keys absent here
// render with their raw name.
var factorLabels = map[string]string{
	"impact":        "Impact",
	"urgency":       "Urgency",
	"trust":         "Contributor trust",
	"quality":       "Quality signals",
	"stale_penalty": "Stale ceiling",
}

const commentFooter = "\n---\n*Posted by prcopilot · comment `@prcopilot /help` for available commands*"

// Render produces the markdown comment for a report.
func Render(r *triage.Report) string {
	if r.Failure != "" {
		return fmt.Sprintf("## ⚠️ Triage failed\n\n%s%s", r.Failure, commentFooter)
	}

	var b strings.Builder
	emoji := categoryEmoji[r.Classification]
	fmt.Fprintf(&b, "## %s Triage: %s\n\n", emoji, r.Classification)

	fmt.Fprintf(&b, "**Priority score:** %d/100\n", r.Score)
	fmt.Fprintf(&b, "**Confidence:** %.0f%% (%s)", r.Confidence*100, provenanceLabel(r.Provenance))
	if r.Uncertain {
		b.WriteString(" · ⚠️ low confidence, please double-check")
	}
	b.WriteString("\n")

	if len(r.Breakdown) > 0 {
		b.WriteString("\n<details><summary>Score breakdown</summary>\n\n")
		b.WriteString("| Factor | Points |\n|---|---|\n")
		for _, k := range sortedFactors(r.Breakdown) {
			label, ok := factorLabels[k]
			if !ok {
				label = k
			}
			fmt.Fprintf(&b, "| %s | %+d |\n", label, r.Breakdown[k])
		}
		b.WriteString("\n</details>\n")
	}

	if r.Reasoning != "" {
		fmt.Fprintf(&b, "\n**Why:** %s\n", r.Reasoning)
	}
	if r.SuggestedAction != "" {
		fmt.Fprintf(&b, "\n**Suggested next step:** %s\n", r.SuggestedAction)
	}

	b.WriteString(commentFooter)
	return b.String()
}

// RenderReviewers produces the comment for a reviewer-suggestion command.
func RenderReviewers(reviewers []string) string {
	if len(reviewers) == 0 {
		return "## 👥 Reviewer suggestions\n\nNo reviewer suggestions are configured for this repository." + commentFooter
	}
	var b strings.Builder
	b.WriteString("## 👥 Reviewer suggestions\n\n")
	for _, r := range reviewers {
		fmt.Fprintf(&b, "- @%s\n", r)
	}
	b.WriteString(commentFooter)
	return b.String()
}

// HelpComment lists the supported commands. Posted by the dispatcher for
// unknown commands and for /help.
const HelpComment = "## 📖 prcopilot commands\n\n" +
	"| Command | Effect |\n|---|---|\n" +
	"| `@prcopilot /triage` | Re-run classification and scoring |\n" +
	"| `@prcopilot /prioritize` | Recompute the priority score |\n" +
	"| `@prcopilot /reclassify <category>` | Override the classification |\n" +
	"| `@prcopilot /suggest-reviewers` | Suggest reviewers |\n" +
	"| `@prcopilot /help` | Show this message |\n\n" +
	"Categories for `/reclassify`: Ready to Merge, Needs Architecture Discussion, " +
	"Needs Minor Fixes, Needs Mentor Support, Needs Maintainer Decision, Blocked/Stale." +
	commentFooter

func provenanceLabel(p triage.Provenance) string {
	switch p {
	case triage.ProvenanceRules:
		return "rule-based"
	case triage.ProvenanceLLM:
		return "model-assisted"
	case triage.ProvenanceOverride:
		return "operator override"
	default:
		return string(p)
	}
}

func sortedFactors(breakdown map[string]int) []string {
	keys := make([]string, 0, len(breakdown))
	for k := range breakdown {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
