package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prcopilot/internal/triage"
)

// stubClassifier is the LLM stand-in for engine tests.
type stubClassifier struct {
	result *Result
	err    error
	called bool
}

func (s *stubClassifier) Classify(ctx context.Context, sig *triage.SignalSet) (*Result, error) {
	s.called = true
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func healthySignals() *triage.SignalSet {
	return &triage.SignalSet{
		CIStatus:  triage.CIPassing,
		DiffSize:  40,
		TrustTier: triage.TrustTrusted,
		AgeHours:  5,
	}
}

func TestFailingCINeverReadyToMerge(t *testing.T) {
	// Even a perfect request in every other respect is blocked on red CI.
	sig := healthySignals()
	sig.CIStatus = triage.CIFailing

	stub := &stubClassifier{}
	res, err := NewEngine(stub).Classify(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, triage.CategoryBlockedStale, res.Category)
	assert.Equal(t, triage.ProvenanceRules, res.Provenance)
	assert.False(t, stub.called, "decisive rules must not consult the model")
}

func TestConflictsBlock(t *testing.T) {
	sig := healthySignals()
	sig.HasConflicts = true

	res, err := NewEngine(&stubClassifier{}).Classify(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, triage.CategoryBlockedStale, res.Category)
}

func TestStaleWithoutActivityBlocks(t *testing.T) {
	sig := healthySignals()
	sig.AgeHours = triage.StaleAge.Hours() + 1
	sig.ReviewComments = 0

	res, err := NewEngine(&stubClassifier{}).Classify(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, triage.CategoryBlockedStale, res.Category)

	// Recent review activity rescinds staleness.
	sig.ReviewComments = 3
	res, err = NewEngine(&stubClassifier{}).Classify(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, triage.CategoryReadyToMerge, res.Category)
}

func TestNewContributorRoutedToMentor(t *testing.T) {
	sig := healthySignals()
	sig.TrustTier = triage.TrustNew

	res, err := NewEngine(&stubClassifier{}).Classify(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, triage.CategoryMentorSupport, res.Category)
}

func TestBlockedBeatsMentorRouting(t *testing.T) {
	sig := healthySignals()
	sig.TrustTier = triage.TrustNew
	sig.CIStatus = triage.CIFailing

	res, err := NewEngine(&stubClassifier{}).Classify(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, triage.CategoryBlockedStale, res.Category)
}

func TestLargeDiffNeedsArchitectureDiscussion(t *testing.T) {
	sig := healthySignals()
	sig.DiffSize = triage.LargeDiffLines + 1

	res, err := NewEngine(&stubClassifier{}).Classify(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, triage.CategoryArchDiscussion, res.Category)
}

func TestBreakingChangeNeedsArchitectureDiscussion(t *testing.T) {
	sig := healthySignals()
	sig.BreakingChange = true

	res, err := NewEngine(&stubClassifier{}).Classify(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, triage.CategoryArchDiscussion, res.Category)
}

func TestHealthySmallTrustedIsReadyToMerge(t *testing.T) {
	res, err := NewEngine(&stubClassifier{}).Classify(context.Background(), healthySignals())
	require.NoError(t, err)
	assert.Equal(t, triage.CategoryReadyToMerge, res.Category)
	assert.GreaterOrEqual(t, res.Confidence, triage.ConfidenceThreshold)
}

func TestDraftIsNotReadyToMerge(t *testing.T) {
	sig := healthySignals()
	sig.Draft = true

	stub := &stubClassifier{result: &Result{
		Category:   triage.CategoryMinorFixes,
		Confidence: 0.8,
	}}
	res, err := NewEngine(stub).Classify(context.Background(), sig)
	require.NoError(t, err)
	assert.True(t, stub.called, "ambiguous signals go to the model")
	assert.Equal(t, triage.CategoryMinorFixes, res.Category)
	assert.Equal(t, triage.ProvenanceLLM, res.Provenance)
}

func TestUnknownModelCategoryFallsBack(t *testing.T) {
	sig := healthySignals()
	sig.Draft = true

	stub := &stubClassifier{result: &Result{
		Category:   "Something Else Entirely",
		Confidence: 0.95,
	}}
	res, err := NewEngine(stub).Classify(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, triage.CategoryMinorFixes, res.Category)
	assert.True(t, res.Uncertain())
}

func TestModelErrorPropagates(t *testing.T) {
	sig := healthySignals()
	sig.Draft = true

	wantErr := errors.New("model down")
	_, err := NewEngine(&stubClassifier{err: wantErr}).Classify(context.Background(), sig)
	assert.ErrorIs(t, err, wantErr)
}

func TestUncertainFlag(t *testing.T) {
	confident := &Result{Confidence: 0.9, Provenance: triage.ProvenanceLLM}
	assert.False(t, confident.Uncertain())

	shaky := &Result{Confidence: 0.5, Provenance: triage.ProvenanceLLM}
	assert.True(t, shaky.Uncertain())

	// Operator overrides are never second-guessed.
	override := Override(triage.CategoryReadyToMerge)
	assert.False(t, override.Uncertain())
}
