package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prcopilot/internal/triage"
)

func TestParseVerdictCleanJSON(t *testing.T) {
	raw := `{"classification":"Needs Minor Fixes","confidence":0.82,"reasoning":"small test gaps","suggested_action":"add coverage for the parser"}`
	v, err := parseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, "Needs Minor Fixes", v.Classification)
	assert.InDelta(t, 0.82, v.Confidence, 0.001)
	assert.Equal(t, "small test gaps", v.Reasoning)
}

func TestParseVerdictFencedJSON(t *testing.T) {
	raw := "```json\n{\"classification\": \"Needs Maintainer Decision\", \"confidence\": 0.7, \"reasoning\": \"policy call\", \"suggested_action\": \"decide on the API shape\"}\n```"
	v, err := parseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, "Needs Maintainer Decision", v.Classification)
}

func TestParseVerdictRepairsMalformedJSON(t *testing.T) {
	// Trailing commas and unquoted keys are the usual model sins.
	raw := `{classification: "Needs Minor Fixes", confidence: 0.9, reasoning: "lint errors",}`
	v, err := parseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, "Needs Minor Fixes", v.Classification)
	assert.InDelta(t, 0.9, v.Confidence, 0.001)
}

func TestParseVerdictGarbageFails(t *testing.T) {
	_, err := parseVerdict("I think this needs minor fixes, about 80% sure.")
	assert.Error(t, err)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, clampConfidence(-0.3))
	assert.Equal(t, 1.0, clampConfidence(1.7))
	assert.Equal(t, 0.5, clampConfidence(0.5))
}

func TestBuildPromptCarriesSignalsNotDiffs(t *testing.T) {
	sig := &triage.SignalSet{
		Title:          "fix: align retry budget",
		Description:    "details here",
		Author:         "casey",
		TrustTier:      triage.TrustReturning,
		CIStatus:       triage.CIPassing,
		DiffSize:       42,
		ChangedFiles:   3,
		CommitCount:    2,
		ReviewComments: 1,
		AgeHours:       30,
	}

	prompt := buildPrompt(sig)
	assert.Contains(t, prompt, "fix: align retry budget")
	assert.Contains(t, prompt, "42")
	assert.Contains(t, prompt, string(triage.CategoryMinorFixes))
	assert.Contains(t, prompt, string(triage.CategoryMaintainerDecision))
	assert.Contains(t, prompt, `"classification"`)
}

func TestBuildPromptTruncatesDescription(t *testing.T) {
	sig := &triage.SignalSet{Description: strings.Repeat("x", 5000)}
	prompt := buildPrompt(sig)
	assert.Less(t, len(prompt), 3000)
	assert.Contains(t, prompt, "...")
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
