package triage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store on database/sql. Schema is created by
// database.EnsureSchema.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) GetState(ctx context.Context, key ChangeRequestKey) (*RequestState, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT repo, number, coalesce(author,''), classification, confidence, coalesce(provenance,''),
               priority_score, score_breakdown, status, coalesce(last_revision,''), version, updated_at
        FROM request_states WHERE repo=$1 AND number=$2
    `, key.Repo, key.Number)
	return scanState(row)
}

func (s *PostgresStore) PutState(ctx context.Context, state *RequestState, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state write: %w", err)
	}
	defer tx.Rollback()

	var breakdown []byte
	if state.ScoreBreakdown != nil {
		breakdown, err = json.Marshal(state.ScoreBreakdown)
		if err != nil {
			return err
		}
	}

	var classification, provenance interface{}
	if state.Classification != nil {
		classification = string(*state.Classification)
	}
	if state.Provenance != "" {
		provenance = string(state.Provenance)
	}
	var score interface{}
	if state.PriorityScore != nil {
		score = *state.PriorityScore
	}

	if expectedVersion == 0 {
		// First write for this key. The unique index on (repo, number)
		// rejects a concurrent creation racing us.
		_, err = tx.ExecContext(ctx, `
            INSERT INTO request_states
                (repo, number, author, classification, confidence, provenance,
                 priority_score, score_breakdown, status, last_revision, version, updated_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,now())
        `, state.Key.Repo, state.Key.Number, state.Author, classification, state.Confidence,
			provenance, score, breakdown, string(state.Status), state.LastAnalyzedRevision)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
				return ErrStaleWrite
			}
			return fmt.Errorf("insert request state: %w", err)
		}
		if state.Author != "" {
			if err := bumpWorkload(ctx, tx, state.Author, 1); err != nil {
				return err
			}
		}
	} else {
		// The author becomes known on the first analysis pass, not on row
		// creation, so read the prior value to count the transition.
		var prevAuthor string
		err := tx.QueryRowContext(ctx, `
            SELECT coalesce(author,'') FROM request_states
            WHERE repo=$1 AND number=$2 FOR UPDATE
        `, state.Key.Repo, state.Key.Number).Scan(&prevAuthor)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStaleWrite
		}
		if err != nil {
			return fmt.Errorf("lock request state: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
            UPDATE request_states
            SET author=$3, classification=$4, confidence=$5, provenance=$6,
                priority_score=$7, score_breakdown=$8, status=$9, last_revision=$10,
                version=version+1, updated_at=now()
            WHERE repo=$1 AND number=$2 AND version=$11
        `, state.Key.Repo, state.Key.Number, state.Author, classification, state.Confidence,
			provenance, score, breakdown, string(state.Status), state.LastAnalyzedRevision,
			expectedVersion)
		if err != nil {
			return fmt.Errorf("update request state: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStaleWrite
		}
		if prevAuthor == "" && state.Author != "" {
			if err := bumpWorkload(ctx, tx, state.Author, 1); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state write: %w", err)
	}
	state.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) ListStates(ctx context.Context, classification *Category, limit int) ([]*RequestState, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
        SELECT repo, number, coalesce(author,''), classification, confidence, coalesce(provenance,''),
               priority_score, score_breakdown, status, coalesce(last_revision,''), version, updated_at
        FROM request_states
    `
	args := []interface{}{}
	if classification != nil {
		query += " WHERE classification=$1 ORDER BY updated_at DESC LIMIT $2"
		args = append(args, string(*classification), limit)
	} else {
		query += " ORDER BY updated_at DESC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list request states: %w", err)
	}
	defer rows.Close()

	states := make([]*RequestState, 0)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *PostgresStore) MarkClosed(ctx context.Context, key ChangeRequestKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark closed: %w", err)
	}
	defer tx.Rollback()

	var author string
	err = tx.QueryRowContext(ctx,
		`SELECT coalesce(author,'') FROM request_states WHERE repo=$1 AND number=$2`,
		key.Repo, key.Number).Scan(&author)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark closed lookup: %w", err)
	}
	if author != "" {
		if err := bumpWorkload(ctx, tx, author, -1); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Workload(ctx context.Context, author string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT coalesce(open_count,0) FROM maintainer_workload WHERE author=$1`, author).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read workload: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) RecordDelivery(ctx context.Context, rec DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (delivery_id, received_at) VALUES ($1,$2)`,
		rec.ID, rec.ReceivedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateDelivery
	}
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE received_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) SaveTask(ctx context.Context, t *Task) error {
	return saveTask(ctx, s.db, t)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *Task) error {
	command, err := marshalCommand(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE tasks SET reason=$2, revision=$3, attempt=$4, not_before=$5, command=$6
        WHERE id=$1
    `, t.ID, string(t.Reason), t.EnqueuedRevision, t.Attempt, t.NotBefore, command)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, repo, number, reason, coalesce(revision,''), attempt, not_before, enqueued_at, command
        FROM tasks ORDER BY enqueued_at ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("load pending tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		t := &Task{}
		var reason string
		var command []byte
		err := rows.Scan(&t.ID, &t.Key.Repo, &t.Key.Number, &reason, &t.EnqueuedRevision,
			&t.Attempt, &t.NotBefore, &t.EnqueuedAt, &command)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Reason = TaskReason(reason)
		if len(command) > 0 {
			t.Command = &CommandPayload{}
			if err := json.Unmarshal(command, t.Command); err != nil {
				return nil, fmt.Errorf("decode task command: %w", err)
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) RecordDeliveryAndTask(ctx context.Context, rec DeliveryRecord, t *Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin intake: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (delivery_id, received_at) VALUES ($1,$2)`,
		rec.ID, rec.ReceivedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateDelivery
	}
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if err := saveTask(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func saveTask(ctx context.Context, db execer, t *Task) error {
	command, err := marshalCommand(t)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
        INSERT INTO tasks (id, repo, number, reason, revision, attempt, not_before, enqueued_at, command)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    `, t.ID, t.Key.Repo, t.Key.Number, string(t.Reason), t.EnqueuedRevision,
		t.Attempt, t.NotBefore, t.EnqueuedAt, command)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func marshalCommand(t *Task) (interface{}, error) {
	if t.Command == nil {
		return nil, nil
	}
	b, err := json.Marshal(t.Command)
	if err != nil {
		return nil, fmt.Errorf("encode task command: %w", err)
	}
	return b, nil
}

func bumpWorkload(ctx context.Context, tx *sql.Tx, author string, delta int) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO maintainer_workload (author, open_count) VALUES ($1, greatest($2, 0))
        ON CONFLICT (author) DO UPDATE SET open_count = greatest(maintainer_workload.open_count + $2, 0)
    `, author, delta)
	if err != nil {
		return fmt.Errorf("update workload counter: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row rowScanner) (*RequestState, error) {
	st := &RequestState{}
	var classification, provenance sql.NullString
	var score sql.NullInt64
	var breakdown []byte
	var status string

	err := row.Scan(&st.Key.Repo, &st.Key.Number, &st.Author, &classification, &st.Confidence,
		&provenance, &score, &breakdown, &status, &st.LastAnalyzedRevision, &st.Version, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request state: %w", err)
	}

	st.Status = Status(status)
	st.Provenance = Provenance(provenance.String)
	if classification.Valid {
		c := Category(classification.String)
		st.Classification = &c
	}
	if score.Valid {
		v := int(score.Int64)
		st.PriorityScore = &v
	}
	if len(breakdown) > 0 {
		st.ScoreBreakdown = make(map[string]int)
		if err := json.Unmarshal(breakdown, &st.ScoreBreakdown); err != nil {
			return nil, fmt.Errorf("decode score breakdown: %w", err)
		}
	}
	return st, nil
}
