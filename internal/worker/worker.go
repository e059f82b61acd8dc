// Package worker runs the analysis passes. A pool of goroutines drains the
// task queue; each pass owns its key exclusively through the queue lease and
// commits results with version-guarded writes so a reclaimed lease can never
// clobber a newer result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/prcopilot/internal/classify"
	"github.com/prcopilot/internal/platform"
	"github.com/prcopilot/internal/score"
	"github.com/prcopilot/internal/taskqueue"
	"github.com/prcopilot/internal/triage"
)

// SignalSource produces the signal snapshot for an analysis pass.
type SignalSource interface {
	Extract(ctx context.Context, key triage.ChangeRequestKey, revision string) (*triage.SignalSet, error)
}

// Pool drains the queue with a fixed number of workers.
type Pool struct {
	queue      *taskqueue.Queue
	store      triage.Store
	signals    SignalSource
	classifier classify.Classifier
	client     platform.Client
	suggester  platform.ReviewerSuggester

	concurrency int
	taskTimeout time.Duration
}

// Options tunes the pool. Zero values get defaults.
type Options struct {
	Concurrency int
	TaskTimeout time.Duration
}

// NewPool wires a pool. The suggester may be nil, which disables the
// reviewer-suggestion command with a polite comment instead of an error.
func NewPool(queue *taskqueue.Queue, store triage.Store, signals SignalSource,
	classifier classify.Classifier, client platform.Client,
	suggester platform.ReviewerSuggester, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 2 * time.Minute
	}
	return &Pool{
		queue:       queue,
		store:       store,
		signals:     signals,
		classifier:  classifier,
		client:      client,
		suggester:   suggester,
		concurrency: opts.Concurrency,
		taskTimeout: opts.TaskTimeout,
	}
}

// Run blocks until the context is canceled or the queue is closed.
func (p *Pool) Run(ctx context.Context) {
	log.Info().Int("workers", p.concurrency).Msg("starting worker pool")

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()
	log.Info().Msg("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	logger := log.With().Int("worker", id).Logger()
	for {
		t, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, taskqueue.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			logger.Error().Err(err).Msg("dequeue failed")
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
		p.process(taskCtx, logger, t)
		cancel()
	}
}

// process runs one task to a terminal outcome: completed, requeued for
// retry, or failed with a diagnostic comment.
func (p *Pool) process(ctx context.Context, logger zerolog.Logger, t *triage.Task) {
	logger = logger.With().
		Str("key", t.Key.String()).
		Str("reason", string(t.Reason)).
		Int("attempt", t.Attempt).
		Logger()

	state, err := p.store.GetState(ctx, t.Key)
	switch {
	case errors.Is(err, triage.ErrNotFound):
		state = &triage.RequestState{Key: t.Key, Status: triage.StatusPending}
	case err != nil:
		logger.Error().Err(err).Msg("loading state failed, requeueing")
		p.requeue(ctx, logger, t, nil, 0)
		return
	}

	prevStatus := state.Status
	expected := state.Version
	state.Status = triage.StatusAnalyzing
	if err := p.store.PutState(ctx, state, expected); err != nil {
		if errors.Is(err, triage.ErrStaleWrite) {
			// A newer pass already owns this key's state. Drop quietly.
			logger.Debug().Msg("state moved under us, dropping task")
			p.complete(ctx, logger, t)
			return
		}
		logger.Error().Err(err).Msg("analyzing transition failed, requeueing")
		p.requeue(ctx, logger, t, nil, 0)
		return
	}
	expected++
	state.Version = expected

	if t.Command != nil && t.Command.Command == triage.CommandSuggestReviewers {
		p.suggestReviewers(ctx, logger, t, state, prevStatus, expected)
		return
	}

	report, err := p.analyze(ctx, t, state)
	if err != nil {
		if errors.Is(err, triage.ErrUpstreamUnavailable) {
			logger.Warn().Err(err).Msg("transient failure, requeueing")
			p.requeue(ctx, logger, t, state, expected)
			return
		}
		logger.Error().Err(err).Msg("analysis failed")
		p.fail(ctx, logger, t, state, expected, err)
		return
	}

	state.Status = triage.StatusCompleted
	if t.EnqueuedRevision != "" {
		// Command tasks carry no revision; keep the webhook-recorded one.
		state.LastAnalyzedRevision = t.EnqueuedRevision
	}
	if err := p.store.PutState(ctx, state, expected); err != nil {
		if errors.Is(err, triage.ErrStaleWrite) {
			logger.Debug().Msg("result lost to a newer pass, not posting")
			p.complete(ctx, logger, t)
			return
		}
		logger.Error().Err(err).Msg("committing result failed, requeueing")
		p.requeue(ctx, logger, t, nil, 0)
		return
	}

	p.post(ctx, logger, t.Key, Render(report))
	p.complete(ctx, logger, t)
	logger.Info().
		Str("classification", string(report.Classification)).
		Int("score", report.Score).
		Msg("analysis completed")
}

// analyze runs extraction, classification, and scoring, mutating state in
// place and returning the report to post.
func (p *Pool) analyze(ctx context.Context, t *triage.Task, state *triage.RequestState) (*triage.Report, error) {
	sig, err := p.signals.Extract(ctx, t.Key, t.EnqueuedRevision)
	if err != nil {
		return nil, fmt.Errorf("extract signals: %w", err)
	}
	if state.Author == "" {
		state.Author = sig.Author
	}

	result, err := p.classifyFor(ctx, t, state, sig)
	if err != nil {
		return nil, err
	}

	total, breakdown := score.Score(sig, result.Category)

	category := result.Category
	state.Classification = &category
	state.Confidence = result.Confidence
	state.Provenance = result.Provenance
	state.PriorityScore = &total
	state.ScoreBreakdown = breakdown

	return &triage.Report{
		Key:             t.Key,
		Classification:  result.Category,
		Confidence:      result.Confidence,
		Uncertain:       result.Uncertain(),
		Provenance:      result.Provenance,
		Score:           total,
		Breakdown:       breakdown,
		Reasoning:       result.Reasoning,
		SuggestedAction: result.SuggestedAction,
		GeneratedAt:     time.Now().UTC(),
	}, nil
}

// classifyFor picks the classification path for the task. Reclassify
// commands bypass the engine entirely; prioritize reuses a stored verdict
// when one exists.
func (p *Pool) classifyFor(ctx context.Context, t *triage.Task, state *triage.RequestState, sig *triage.SignalSet) (*classify.Result, error) {
	if t.Command != nil {
		switch t.Command.Command {
		case triage.CommandReclassify:
			return classify.Override(t.Command.Override), nil
		case triage.CommandPrioritize:
			if state.Classification != nil {
				return &classify.Result{
					Category:   *state.Classification,
					Confidence: state.Confidence,
					Provenance: state.Provenance,
				}, nil
			}
		}
	}
	return p.classifier.Classify(ctx, sig)
}

// suggestReviewers handles the reviewer-suggestion command. It posts a
// comment without touching the classification, then restores the prior
// lifecycle status.
func (p *Pool) suggestReviewers(ctx context.Context, logger zerolog.Logger, t *triage.Task,
	state *triage.RequestState, prevStatus triage.Status, expected int64) {

	var reviewers []string
	if p.suggester != nil {
		var err error
		reviewers, err = p.suggester.SuggestReviewers(ctx, t.Key)
		if err != nil {
			if errors.Is(err, triage.ErrUpstreamUnavailable) {
				logger.Warn().Err(err).Msg("reviewer suggestion transient failure, requeueing")
				p.requeue(ctx, logger, t, state, expected)
				return
			}
			logger.Error().Err(err).Msg("reviewer suggestion failed")
			reviewers = nil
		}
	}

	if prevStatus == "" || prevStatus == triage.StatusAnalyzing {
		prevStatus = triage.StatusPending
	}
	state.Status = prevStatus
	if err := p.store.PutState(ctx, state, expected); err != nil && !errors.Is(err, triage.ErrStaleWrite) {
		logger.Error().Err(err).Msg("restoring status after reviewer suggestion failed")
	}

	p.post(ctx, logger, t.Key, RenderReviewers(reviewers))
	p.complete(ctx, logger, t)
}

// detach severs the per-task deadline for bookkeeping writes. A timeout that
// killed the analysis must still let the task re-enter dispatch or record its
// failure, so these writes run on a fresh bounded context instead.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

// requeue hands the task back with backoff. When attempts are exhausted it
// falls through to the failure path. The optional state/expected pair lets
// the failure path reuse the version we already hold.
func (p *Pool) requeue(ctx context.Context, logger zerolog.Logger, t *triage.Task,
	state *triage.RequestState, expected int64) {

	ctx, cancel := detach(ctx)
	defer cancel()

	requeued, err := p.queue.Retry(ctx, t)
	if err != nil {
		logger.Error().Err(err).Msg("requeue failed")
		return
	}
	if requeued {
		return
	}

	// Attempts exhausted.
	if state == nil {
		var err error
		state, err = p.store.GetState(ctx, t.Key)
		if err != nil {
			logger.Error().Err(err).Msg("loading state for failure record failed")
			return
		}
		expected = state.Version
	}
	p.fail(ctx, logger, t, state, expected, triage.ErrUpstreamUnavailable)
}

// fail records a terminal failure and posts a diagnostic comment.
func (p *Pool) fail(ctx context.Context, logger zerolog.Logger, t *triage.Task,
	state *triage.RequestState, expected int64, cause error) {

	ctx, cancel := detach(ctx)
	defer cancel()

	state.Status = triage.StatusFailed
	if err := p.store.PutState(ctx, state, expected); err != nil && !errors.Is(err, triage.ErrStaleWrite) {
		logger.Error().Err(err).Msg("recording failed status failed")
	}

	report := &triage.Report{
		Key:         t.Key,
		Failure:     failureMessage(cause),
		GeneratedAt: time.Now().UTC(),
	}
	p.post(ctx, logger, t.Key, Render(report))
	p.complete(ctx, logger, t)
}

// post is best effort: the state is already committed, so a lost comment is
// logged rather than retried through the whole pipeline.
func (p *Pool) post(ctx context.Context, logger zerolog.Logger, key triage.ChangeRequestKey, body string) {
	ctx, cancel := detach(ctx)
	defer cancel()
	if err := p.client.PostComment(ctx, key, body); err != nil {
		logger.Warn().Err(err).Msg("posting report comment failed")
	}
}

func (p *Pool) complete(ctx context.Context, logger zerolog.Logger, t *triage.Task) {
	ctx, cancel := detach(ctx)
	defer cancel()
	if err := p.queue.Complete(ctx, t); err != nil {
		logger.Error().Err(err).Msg("completing task failed")
	}
}

func failureMessage(cause error) string {
	if errors.Is(cause, triage.ErrUpstreamUnavailable) {
		return "analysis could not reach the platform or model after several attempts; it will not be retried automatically, comment `@prcopilot /triage` to run it again"
	}
	return fmt.Sprintf("analysis failed: %v", cause)
}
