package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prcopilot/internal/classify"
	"github.com/prcopilot/internal/platform"
	"github.com/prcopilot/internal/taskqueue"
	"github.com/prcopilot/internal/triage"
)

type fakePlatform struct {
	comments []string
	postErr  error
}

func (f *fakePlatform) RequestInfo(ctx context.Context, key triage.ChangeRequestKey) (*platform.RequestInfo, error) {
	return nil, triage.ErrNotFound
}

func (f *fakePlatform) CIStatus(ctx context.Context, key triage.ChangeRequestKey, revision string) (triage.CIStatus, error) {
	return triage.CIUnknown, nil
}

func (f *fakePlatform) DiffStats(ctx context.Context, key triage.ChangeRequestKey, revision string) (*platform.DiffStats, error) {
	return nil, triage.ErrNotFound
}

func (f *fakePlatform) ContributorHistory(ctx context.Context, repo, login string) (*platform.ContributorHistory, error) {
	return nil, triage.ErrNotFound
}

func (f *fakePlatform) PostComment(ctx context.Context, key triage.ChangeRequestKey, body string) error {
	if f.postErr != nil {
		return f.postErr
	}
	f.comments = append(f.comments, body)
	return nil
}

type fakeSignals struct {
	sig *triage.SignalSet
	err error
}

func (f *fakeSignals) Extract(ctx context.Context, key triage.ChangeRequestKey, revision string) (*triage.SignalSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sig, nil
}

type fakeClassifier struct {
	result *classify.Result
	err    error
	hook   func() // runs before answering, for interleaving writes
}

func (f *fakeClassifier) Classify(ctx context.Context, sig *triage.SignalSet) (*classify.Result, error) {
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fixture struct {
	pool       *Pool
	store      *triage.MemoryStore
	queue      *taskqueue.Queue
	client     *fakePlatform
	signals    *fakeSignals
	classifier *fakeClassifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := triage.NewMemoryStore()
	queue := taskqueue.New(store, taskqueue.Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2,
		LeaseTTL:    time.Minute,
	})
	t.Cleanup(queue.Close)

	client := &fakePlatform{}
	sigs := &fakeSignals{sig: &triage.SignalSet{
		CIStatus:  triage.CIPassing,
		DiffSize:  30,
		TrustTier: triage.TrustTrusted,
		Author:    "casey",
		Title:     "fix: trim buffers",
	}}
	classifier := &fakeClassifier{result: &classify.Result{
		Category:   triage.CategoryReadyToMerge,
		Confidence: 0.9,
		Provenance: triage.ProvenanceRules,
	}}

	return &fixture{
		pool:       NewPool(queue, store, sigs, classifier, client, platform.StaticSuggester{Reviewers: []string{"alice"}}, Options{}),
		store:      store,
		queue:      queue,
		client:     client,
		signals:    sigs,
		classifier: classifier,
	}
}

// runTask enqueues the task, dequeues it through the real queue, and runs one
// processing pass.
func runTask(t *testing.T, f *fixture, task *triage.Task) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.queue.Enqueue(ctx, task))

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := f.queue.Dequeue(dctx)
	require.NoError(t, err)
	f.pool.process(ctx, zerolog.Nop(), got)
}

func webhookTask(id, revision string) *triage.Task {
	return &triage.Task{
		ID:               id,
		Key:              triage.ChangeRequestKey{Repo: "acme/widgets", Number: 7},
		Reason:           triage.ReasonWebhook,
		EnqueuedRevision: revision,
		NotBefore:        time.Now(),
		EnqueuedAt:       time.Now(),
	}
}

func TestProcessCompletesAndPosts(t *testing.T) {
	f := newFixture(t)
	runTask(t, f, webhookTask("t1", "abc123"))

	state, err := f.store.GetState(context.Background(), triage.ChangeRequestKey{Repo: "acme/widgets", Number: 7})
	require.NoError(t, err)
	assert.Equal(t, triage.StatusCompleted, state.Status)
	require.NotNil(t, state.Classification)
	assert.Equal(t, triage.CategoryReadyToMerge, *state.Classification)
	assert.Equal(t, "abc123", state.LastAnalyzedRevision)
	assert.Equal(t, "casey", state.Author)
	require.NotNil(t, state.PriorityScore)
	assert.NotEmpty(t, state.ScoreBreakdown)

	require.Len(t, f.client.comments, 1)
	assert.Contains(t, f.client.comments[0], string(triage.CategoryReadyToMerge))

	tasks, err := f.store.PendingTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks, "completed task must be deleted")

	// Author workload is tracked from the first analysis.
	n, err := f.store.Workload(context.Background(), "casey")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTransientFailureRequeues(t *testing.T) {
	f := newFixture(t)
	f.signals.err = fmt.Errorf("github: %w", triage.ErrUpstreamUnavailable)

	runTask(t, f, webhookTask("t1", "abc123"))

	tasks, err := f.store.PendingTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].Attempt)
	assert.Equal(t, triage.ReasonRetry, tasks[0].Reason)
	assert.Empty(t, f.client.comments, "no report while retries remain")
}

func TestExhaustedRetriesFailWithReport(t *testing.T) {
	f := newFixture(t)
	f.signals.err = fmt.Errorf("github: %w", triage.ErrUpstreamUnavailable)

	ctx := context.Background()
	require.NoError(t, f.queue.Enqueue(ctx, webhookTask("t1", "abc123")))

	// Budget of 2 attempts: the second transient failure is terminal.
	for i := 0; i < 2; i++ {
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		got, err := f.queue.Dequeue(dctx)
		cancel()
		require.NoError(t, err)
		f.pool.process(ctx, zerolog.Nop(), got)
	}

	state, err := f.store.GetState(ctx, triage.ChangeRequestKey{Repo: "acme/widgets", Number: 7})
	require.NoError(t, err)
	assert.Equal(t, triage.StatusFailed, state.Status)

	require.Len(t, f.client.comments, 1)
	assert.Contains(t, f.client.comments[0], "Triage failed")
}

func TestReclassifyCommandOverrides(t *testing.T) {
	f := newFixture(t)
	runTask(t, f, webhookTask("t1", "abc123"))
	f.client.comments = nil

	task := webhookTask("t2", "")
	task.Reason = triage.ReasonCommand
	task.Command = &triage.CommandPayload{
		Command:  triage.CommandReclassify,
		Actor:    "maintainer",
		Override: triage.CategoryArchDiscussion,
	}
	runTask(t, f, task)

	state, err := f.store.GetState(context.Background(), task.Key)
	require.NoError(t, err)
	require.NotNil(t, state.Classification)
	assert.Equal(t, triage.CategoryArchDiscussion, *state.Classification)
	assert.Equal(t, triage.ProvenanceOverride, state.Provenance)
	assert.Equal(t, 1.0, state.Confidence)

	require.Len(t, f.client.comments, 1)
	assert.Contains(t, f.client.comments[0], "operator override")
}

func TestPrioritizeReusesStoredClassification(t *testing.T) {
	f := newFixture(t)
	runTask(t, f, webhookTask("t1", "abc123"))

	calls := 0
	f.classifier.hook = func() { calls++ }

	task := webhookTask("t2", "")
	task.Reason = triage.ReasonCommand
	task.Command = &triage.CommandPayload{Command: triage.CommandPrioritize, Actor: "casey"}
	runTask(t, f, task)

	assert.Equal(t, 0, calls, "prioritize must reuse the stored verdict")
	state, err := f.store.GetState(context.Background(), task.Key)
	require.NoError(t, err)
	require.NotNil(t, state.PriorityScore)
}

func TestSuggestReviewersPostsWithoutReclassifying(t *testing.T) {
	f := newFixture(t)
	runTask(t, f, webhookTask("t1", "abc123"))
	f.client.comments = nil

	task := webhookTask("t2", "")
	task.Reason = triage.ReasonCommand
	task.Command = &triage.CommandPayload{Command: triage.CommandSuggestReviewers, Actor: "casey"}
	runTask(t, f, task)

	require.Len(t, f.client.comments, 1)
	assert.Contains(t, f.client.comments[0], "@alice")

	state, err := f.store.GetState(context.Background(), task.Key)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusCompleted, state.Status, "lifecycle status is restored")
	assert.Equal(t, triage.CategoryReadyToMerge, *state.Classification)
}

// deadlineStore refuses writes on an expired context, the way the postgres
// store does.
type deadlineStore struct {
	*triage.MemoryStore
}

func (s *deadlineStore) PutState(ctx context.Context, state *triage.RequestState, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.PutState(ctx, state, expectedVersion)
}

func (s *deadlineStore) SaveTask(ctx context.Context, task *triage.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.SaveTask(ctx, task)
}

func (s *deadlineStore) UpdateTask(ctx context.Context, task *triage.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.UpdateTask(ctx, task)
}

func (s *deadlineStore) DeleteTask(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.DeleteTask(ctx, id)
}

// blockingSignals holds the extraction until the task deadline dies, then
// reports the collaborator timeout as a transient failure.
type blockingSignals struct{}

func (blockingSignals) Extract(ctx context.Context, key triage.ChangeRequestKey, revision string) (*triage.SignalSet, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("github: %w: %v", triage.ErrUpstreamUnavailable, ctx.Err())
}

func TestTimedOutTaskStillRequeues(t *testing.T) {
	store := &deadlineStore{MemoryStore: triage.NewMemoryStore()}
	queue := taskqueue.New(store, taskqueue.Config{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2,
		LeaseTTL:    time.Minute,
	})
	t.Cleanup(queue.Close)

	client := &fakePlatform{}
	pool := NewPool(queue, store, blockingSignals{}, &fakeClassifier{}, client,
		platform.StaticSuggester{}, Options{})

	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, webhookTask("t1", "abc123")))

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	got, err := queue.Dequeue(dctx)
	cancel()
	require.NoError(t, err)

	// The per-task deadline expires while the collaborator call is running.
	taskCtx, cancelTask := context.WithTimeout(ctx, 20*time.Millisecond)
	pool.process(taskCtx, zerolog.Nop(), got)
	cancelTask()

	tasks, err := store.PendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "timed-out task must stay durable")
	assert.Equal(t, 1, tasks[0].Attempt)

	assert.Equal(t, 1, queue.Depth(), "timed-out task must re-enter dispatch")

	dctx, cancel = context.WithTimeout(ctx, time.Second)
	defer cancel()
	again, err := queue.Dequeue(dctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", again.ID)
}

func TestStaleResultIsDroppedSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := triage.ChangeRequestKey{Repo: "acme/widgets", Number: 7}

	// A newer writer bumps the version while this pass is classifying.
	f.classifier.hook = func() {
		current, err := f.store.GetState(ctx, key)
		require.NoError(t, err)
		current.Status = triage.StatusCompleted
		require.NoError(t, f.store.PutState(ctx, current, current.Version))
	}

	runTask(t, f, webhookTask("t1", "abc123"))

	assert.Empty(t, f.client.comments, "a superseded result must not be posted")
	tasks, err := f.store.PendingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
