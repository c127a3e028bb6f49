package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/txsaga/orchestrator/domain"
	"github.com/txsaga/orchestrator/storage/queue"
)

// fakeSession is an in-memory Session: every store.go method issues at
// most one Exec/Query/QueryRow per call, so one canned response per kind
// is enough to drive every test below.
type fakeSession struct {
	execArgs  []any
	execErr   error
	queryRows pgx.Rows
	queryErr  error
	row       pgx.Row
}

func (f *fakeSession) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execArgs = append([]any{sql}, arguments...)
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeSession) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryRows, nil
}

func (f *fakeSession) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

// rowStub backs a single QueryRow response. scanInto knows the fixed
// set of destination types scanOne ever passes it (string, []byte, int,
// sql.NullTime, sql.NullString) rather than assigning generically by
// reflection — this package never scans anything else.
type rowStub struct {
	values []any
	err    error
}

func (r *rowStub) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan len mismatch: dest %d values %d", len(dest), len(r.values))
	}
	for i, d := range dest {
		if err := scanInto(d, r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

// rowsStub backs a multi-row Query response, one []any per row in the
// order scanOne reads columns.
type rowsStub struct {
	rows [][]any
	idx  int
	err  error
}

func (r *rowsStub) Close()                                      {}
func (r *rowsStub) Err() error                                  { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

func (r *rowsStub) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *rowsStub) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return fmt.Errorf("scan called without Next")
	}
	row := r.rows[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan len mismatch: dest %d values %d", len(dest), len(row))
	}
	for i, d := range dest {
		if err := scanInto(d, row[i]); err != nil {
			return err
		}
	}
	return nil
}

// scanInto assigns src into dest by an explicit type switch on dest,
// covering exactly the column types scanOne declares. An unhandled
// combination is a test-fixture bug, not a runtime concern, so it
// returns an error rather than panicking.
func scanInto(dest any, src any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := src.(string)
		if !ok {
			return fmt.Errorf("scanInto: want string, got %T", src)
		}
		*d = v
	case *[]byte:
		v, ok := src.([]byte)
		if !ok {
			return fmt.Errorf("scanInto: want []byte, got %T", src)
		}
		*d = v
	case *int:
		v, ok := src.(int)
		if !ok {
			return fmt.Errorf("scanInto: want int, got %T", src)
		}
		*d = v
	case *sql.NullTime:
		v, ok := src.(sql.NullTime)
		if !ok {
			return fmt.Errorf("scanInto: want sql.NullTime, got %T", src)
		}
		*d = v
	case *sql.NullString:
		v, ok := src.(sql.NullString)
		if !ok {
			return fmt.Errorf("scanInto: want sql.NullString, got %T", src)
		}
		*d = v
	default:
		return fmt.Errorf("scanInto: unhandled dest type %T", dest)
	}
	return nil
}

func samplePayload(t *testing.T, jobID string) []byte {
	t.Helper()
	job := domain.SagaJob{JobID: jobID, CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	return raw
}

func TestStoreEnqueue(t *testing.T) {
	sess := &fakeSession{row: &rowStub{values: []any{"job-1"}}}
	s := NewStore(sess)

	id, err := s.Enqueue(context.Background(), &domain.SagaJob{JobID: "job-1"}, queue.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	require.Equal(t, "job-1", id)
}

func TestStoreFetch(t *testing.T) {
	payload := samplePayload(t, "job-1")
	sess := &fakeSession{
		row: &rowStub{values: []any{
			"job-1", payload, 0, 1, string(queue.StateWaiting), 0,
			sql.NullTime{}, sql.NullTime{}, sql.NullString{},
		}},
	}
	s := NewStore(sess)

	job, err := s.Fetch(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, queue.StateWaiting, job.State)
	require.Equal(t, "job-1", job.Payload.JobID)
}

func TestStoreFetchNotFound(t *testing.T) {
	sess := &fakeSession{row: &rowStub{err: pgx.ErrNoRows}}
	s := NewStore(sess)

	job, err := s.Fetch(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestStoreUpdatePayload(t *testing.T) {
	sess := &fakeSession{}
	s := NewStore(sess)

	err := s.UpdatePayload(context.Background(), "job-1", &domain.SagaJob{JobID: "job-1"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.execArgs)
}

func TestStoreUpdateProgressInvokesHook(t *testing.T) {
	sess := &fakeSession{}
	var gotJobID string
	var gotProgress int
	s := NewStore(sess).WithHooks(queue.EventHooks{
		OnProgress: func(ctx context.Context, jobID string, progress int) {
			gotJobID = jobID
			gotProgress = progress
		},
	})

	require.NoError(t, s.UpdateProgress(context.Background(), "job-1", 42))
	require.Equal(t, "job-1", gotJobID)
	require.Equal(t, 42, gotProgress)
}

func TestStoreDequeue(t *testing.T) {
	payload1 := samplePayload(t, "job-1")
	payload2 := samplePayload(t, "job-2")
	rows := &rowsStub{
		rows: [][]any{
			{"job-1", payload1, 1, 1, string(queue.StateActive), 0, sql.NullTime{}, sql.NullTime{}, sql.NullString{}},
			{"job-2", payload2, 1, 1, string(queue.StateActive), 0, sql.NullTime{}, sql.NullTime{}, sql.NullString{}},
		},
	}
	sess := &fakeSession{queryRows: rows}
	s := NewStore(sess)

	jobs, err := s.Dequeue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "job-1", jobs[0].ID)
	require.Equal(t, "job-2", jobs[1].ID)
}

func TestStoreMarkCompletedInvokesHook(t *testing.T) {
	sess := &fakeSession{}
	var gotJobID string
	s := NewStore(sess).WithHooks(queue.EventHooks{
		OnCompleted: func(ctx context.Context, jobID string) { gotJobID = jobID },
	})

	require.NoError(t, s.MarkCompleted(context.Background(), "job-1"))
	require.Equal(t, "job-1", gotJobID)
	require.NotEmpty(t, sess.execArgs)
}

func TestStoreMarkFailedIsIdempotent(t *testing.T) {
	payload := samplePayload(t, "job-1")
	sess := &fakeSession{
		row: &rowStub{values: []any{
			"job-1", payload, 1, 1, string(queue.StateFailed), 0,
			sql.NullTime{}, sql.NullTime{}, sql.NullString{String: "boom", Valid: true},
		}},
	}
	calls := 0
	s := NewStore(sess).WithHooks(queue.EventHooks{
		OnFailed: func(ctx context.Context, jobID string, reason string) { calls++ },
	})

	require.NoError(t, s.MarkFailed(context.Background(), "job-1", "boom again"))
	require.Equal(t, 0, calls)
	require.Empty(t, sess.execArgs)
}
