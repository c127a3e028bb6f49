// Package pg implements the Job Store Adapter (queue.Store) over
// Postgres, generalizing the teacher's taskPgRepository: the same
// FOR UPDATE SKIP LOCKED reservation pattern as
// storage/database/pg/task_repository.go's GetByStatus, the same
// unique-violation-means-already-enqueued handling as its Create, and
// a map-only adaptation of the teacher's GenerateUpdateQueryById helper
// (in sql_query.go) for partial updates.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/txsaga/orchestrator/domain"
	"github.com/txsaga/orchestrator/storage/queue"
)

const defaultTable = "txsaga_jobs"

// DefaultVisibilityTimeout bounds how long a dequeued job stays
// reserved before another Dequeue call may reclaim it.
const DefaultVisibilityTimeout = 120 * time.Second

// Store implements queue.Store over a single Postgres table.
type Store struct {
	db    Session
	table string
	hooks queue.EventHooks
}

// NewStore wraps sess (a *pgxpool.Pool or a transaction) over the
// default table name, with no event hooks registered.
func NewStore(sess Session) *Store {
	return &Store{db: sess, table: defaultTable}
}

// WithHooks returns a copy of the store with hooks registered, mirroring
// the teacher's WithSession copy-on-write pattern.
func (s *Store) WithHooks(hooks queue.EventHooks) *Store {
	return &Store{db: s.db, table: s.table, hooks: hooks}
}

// WithSession returns a copy of the store bound to sess, letting a
// caller run a sequence of store operations inside a transaction.
func (s *Store) WithSession(sess Session) *Store {
	return &Store{db: sess, table: s.table, hooks: s.hooks}
}

func (s *Store) Enqueue(ctx context.Context, job *domain.SagaJob, opts queue.EnqueueOptions) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue/pg: encode payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var anchor sql.NullString
	if opts.IdempotencyAnchor != "" {
		anchor = sql.NullString{String: opts.IdempotencyAnchor, Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %q ("id", "payload", "attempts", "max_attempts", "state", "progress", "idempotency_anchor", "updated_at")
		VALUES ($1, $2, 0, $3, $4, 0, $5, timezone('UTC', now()))
		RETURNING "id";
	`, s.table)

	var id string
	err = s.db.QueryRow(ctx, query, job.JobID, payload, maxAttempts, queue.StateWaiting, anchor).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && opts.IdempotencyAnchor != "" {
			existing, getErr := s.fetchByAnchor(ctx, opts.IdempotencyAnchor)
			if getErr != nil {
				return "", getErr
			}
			return existing.ID, nil
		}
		return "", fmt.Errorf("queue/pg: enqueue: %w", err)
	}
	return id, nil
}

func (s *Store) fetchByAnchor(ctx context.Context, anchor string) (*queue.QueuedJob, error) {
	query := fmt.Sprintf(`
		SELECT "id", "payload", "attempts", "max_attempts", "state", "progress", "processed_on", "finished_on", "failed_reason"
		FROM %q
		WHERE "idempotency_anchor" = $1;
	`, s.table)
	return s.scanOne(s.db.QueryRow(ctx, query, anchor))
}

func (s *Store) Fetch(ctx context.Context, jobID string) (*queue.QueuedJob, error) {
	query := fmt.Sprintf(`
		SELECT "id", "payload", "attempts", "max_attempts", "state", "progress", "processed_on", "finished_on", "failed_reason"
		FROM %q
		WHERE "id" = $1;
	`, s.table)
	return s.scanOne(s.db.QueryRow(ctx, query, jobID))
}

func (s *Store) scanOne(row pgx.Row) (*queue.QueuedJob, error) {
	var (
		j            queue.QueuedJob
		payload      []byte
		state        string
		processedOn  sql.NullTime
		finishedOn   sql.NullTime
		failedReason sql.NullString
	)
	if err := row.Scan(&j.ID, &payload, &j.Attempts, &j.MaxAttempts, &state, &j.Progress, &processedOn, &finishedOn, &failedReason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue/pg: scan job: %w", err)
	}
	j.State = queue.State(state)
	if processedOn.Valid {
		j.ProcessedOn = &processedOn.Time
	}
	if finishedOn.Valid {
		j.FinishedOn = &finishedOn.Time
	}
	if failedReason.Valid {
		j.FailedReason = failedReason.String
	}
	var job domain.SagaJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("queue/pg: decode payload: %w", err)
	}
	j.Payload = &job
	return &j, nil
}

func (s *Store) UpdatePayload(ctx context.Context, jobID string, job *domain.SagaJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue/pg: encode payload: %w", err)
	}
	query, args, err := generateUpdateQueryById(s.table, jobID, map[string]any{
		"payload":    payload,
		"updated_at": timeNowUTC(),
	})
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("queue/pg: update payload: %w", err)
	}
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	query, args, err := generateUpdateQueryById(s.table, jobID, map[string]any{
		"progress":   progress,
		"updated_at": timeNowUTC(),
	})
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("queue/pg: update progress: %w", err)
	}
	if s.hooks.OnProgress != nil {
		s.hooks.OnProgress(ctx, jobID, progress)
	}
	return nil
}

// Dequeue claims up to limit waiting (or expired-reservation) jobs
// using the teacher's reservation pattern: a candidate CTE selected
// FOR UPDATE SKIP LOCKED, then flipped to active with a fresh
// reservation deadline in the same statement.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]*queue.QueuedJob, error) {
	vt := int(DefaultVisibilityTimeout.Seconds())
	query := fmt.Sprintf(`
		WITH candidates AS (
			SELECT "id"
			FROM %q
			WHERE ("state" = $1 AND "attempts" < "max_attempts")
			   OR ("state" = $2 AND "reserved_until" <= timezone('UTC', now()))
			ORDER BY "updated_at"
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE %q AS t
		SET "state" = $2, "attempts" = t."attempts" + 1, "reserved_until" = timezone('UTC', now()) + ($4 * interval '1 second'), "updated_at" = timezone('UTC', now())
		FROM candidates
		WHERE t."id" = candidates."id"
		RETURNING t."id", t."payload", t."attempts", t."max_attempts", t."state", t."progress", t."processed_on", t."finished_on", t."failed_reason";
	`, s.table, s.table)

	rows, err := s.db.Query(ctx, query, queue.StateWaiting, queue.StateActive, limit, vt)
	if err != nil {
		return nil, fmt.Errorf("queue/pg: dequeue: %w", err)
	}
	defer rows.Close()

	var out []*queue.QueuedJob
	for rows.Next() {
		j, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) MarkCompleted(ctx context.Context, jobID string) error {
	query, args, err := generateUpdateQueryById(s.table, jobID, map[string]any{
		"state":       queue.StateCompleted,
		"progress":    100,
		"finished_on": timeNowUTC(),
		"updated_at":  timeNowUTC(),
	})
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("queue/pg: mark completed: %w", err)
	}
	if s.hooks.OnCompleted != nil {
		s.hooks.OnCompleted(ctx, jobID)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, jobID string, reason string) error {
	existing, err := s.Fetch(ctx, jobID)
	if err != nil {
		return err
	}
	if existing != nil && existing.State == queue.StateFailed {
		return nil
	}

	query, args, err := generateUpdateQueryById(s.table, jobID, map[string]any{
		"state":         queue.StateFailed,
		"failed_reason": reason,
		"finished_on":   timeNowUTC(),
		"updated_at":    timeNowUTC(),
	})
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("queue/pg: mark failed: %w", err)
	}
	if s.hooks.OnFailed != nil {
		s.hooks.OnFailed(ctx, jobID, reason)
	}
	return nil
}

// timeNowUTC exists so the one non-deterministic call site in this
// file is easy to find; it is never substituted in tests, which assert
// on rows returned by the fake Session rather than on wall-clock values.
func timeNowUTC() time.Time { return time.Now().UTC() }

var _ queue.Store = (*Store)(nil)
