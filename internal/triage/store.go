package triage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StateStore persists RequestState with optimistic concurrency.
type StateStore interface {
	// GetState returns the current state for a key, or ErrNotFound.
	GetState(ctx context.Context, key ChangeRequestKey) (*RequestState, error)

	// PutState writes state only when the stored version still equals
	// expectedVersion (0 for a record that does not exist yet). On success
	// the stored version becomes expectedVersion+1. A mismatch returns
	// ErrStaleWrite and leaves the stored state untouched.
	PutState(ctx context.Context, state *RequestState, expectedVersion int64) error

	// ListStates returns states, optionally filtered by classification,
	// newest first.
	ListStates(ctx context.Context, classification *Category, limit int) ([]*RequestState, error)

	// MarkClosed drops the request from the open-workload accounting. The
	// triage state itself is retained for history.
	MarkClosed(ctx context.Context, key ChangeRequestKey) error

	// Workload returns the per-maintainer open-item counter kept
	// transactionally alongside state writes.
	Workload(ctx context.Context, author string) (int, error)
}

// IdempotencyStore tracks accepted webhook deliveries.
type IdempotencyStore interface {
	// RecordDelivery writes a delivery record, or ErrDuplicateDelivery if
	// the id was already recorded.
	RecordDelivery(ctx context.Context, rec DeliveryRecord) error

	// PruneDeliveries removes records received before the cutoff and
	// returns how many were dropped.
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)
}

// TaskStore persists queued tasks so the queue survives restarts.
type TaskStore interface {
	SaveTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, id string) error

	// PendingTasks returns every persisted task ordered by enqueue time.
	PendingTasks(ctx context.Context) ([]*Task, error)
}

// Store is the full persistence surface of the pipeline.
type Store interface {
	StateStore
	IdempotencyStore
	TaskStore

	// RecordDeliveryAndTask persists the delivery record and its task in
	// one transaction (both-or-neither), so a crash between the two cannot
	// cause a duplicate enqueue on redelivery. Returns
	// ErrDuplicateDelivery without writing anything when the delivery id
	// is already present.
	RecordDeliveryAndTask(ctx context.Context, rec DeliveryRecord, t *Task) error
}

// MemoryStore is a threadsafe in-memory Store for tests and the one-shot CLI
// path.
type MemoryStore struct {
	mu         sync.RWMutex
	states     map[ChangeRequestKey]*RequestState
	deliveries map[string]time.Time
	tasks      map[string]*Task
	workload   map[string]int
	now        func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:     make(map[ChangeRequestKey]*RequestState),
		deliveries: make(map[string]time.Time),
		tasks:      make(map[string]*Task),
		workload:   make(map[string]int),
		now:        time.Now,
	}
}

func (s *MemoryStore) GetState(ctx context.Context, key ChangeRequestKey) (*RequestState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneState(st), nil
}

func (s *MemoryStore) PutState(ctx context.Context, state *RequestState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.states[state.Key]
	switch {
	case !exists && expectedVersion != 0:
		return ErrStaleWrite
	case exists && current.Version != expectedVersion:
		return ErrStaleWrite
	}

	next := cloneState(state)
	next.Version = expectedVersion + 1
	next.UpdatedAt = s.now()
	s.states[state.Key] = next

	// The author becomes known on the first analysis pass, not necessarily
	// on the first write, so count on the empty-to-set transition.
	prevAuthor := ""
	if exists {
		prevAuthor = current.Author
	}
	if prevAuthor == "" && state.Author != "" {
		s.workload[state.Author]++
	}
	return nil
}

func (s *MemoryStore) ListStates(ctx context.Context, classification *Category, limit int) ([]*RequestState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*RequestState, 0, len(s.states))
	for _, st := range s.states {
		if classification != nil && (st.Classification == nil || *st.Classification != *classification) {
			continue
		}
		out = append(out, cloneState(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkClosed(ctx context.Context, key ChangeRequestKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok && st.Author != "" {
		if s.workload[st.Author] > 0 {
			s.workload[st.Author]--
		}
	}
	return nil
}

func (s *MemoryStore) Workload(ctx context.Context, author string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workload[author], nil
}

func (s *MemoryStore) RecordDelivery(ctx context.Context, rec DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordDeliveryLocked(rec)
}

func (s *MemoryStore) recordDeliveryLocked(rec DeliveryRecord) error {
	if _, ok := s.deliveries[rec.ID]; ok {
		return ErrDuplicateDelivery
	}
	s.deliveries[rec.ID] = rec.ReceivedAt
	return nil
}

func (s *MemoryStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, at := range s.deliveries {
		if at.Before(before) {
			delete(s.deliveries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) PendingTasks(ctx context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (s *MemoryStore) RecordDeliveryAndTask(ctx context.Context, rec DeliveryRecord, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recordDeliveryLocked(rec); err != nil {
		return err
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func cloneState(st *RequestState) *RequestState {
	out := *st
	if st.Classification != nil {
		c := *st.Classification
		out.Classification = &c
	}
	if st.PriorityScore != nil {
		p := *st.PriorityScore
		out.PriorityScore = &p
	}
	if st.ScoreBreakdown != nil {
		out.ScoreBreakdown = make(map[string]int, len(st.ScoreBreakdown))
		for k, v := range st.ScoreBreakdown {
			out.ScoreBreakdown[k] = v
		}
	}
	return &out
}

func cloneTask(t *Task) *Task {
	out := *t
	if t.Command != nil {
		c := *t.Command
		c.Args = append([]string(nil), t.Command.Args...)
		out.Command = &c
	}
	return &out
}
