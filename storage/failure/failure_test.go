package failure

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/txsaga/orchestrator/domain"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewStore(rdb)
}

func TestRecordAndGet(t *testing.T) {
	mr, s := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	rec := domain.CompensationFailureRecord{
		JobID:      "job-1",
		StepName:   "refund-payment",
		StepResult: json.RawMessage(`{"chargeId":"c-1"}`),
		ErrorMsg:   "connect: connection refused",
		Stack:      "goroutine 1 [running]:\nmain.main()",
		Retryable:  true,
		FailedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.Record(ctx, rec))

	got, ok, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.JobID, got.JobID)
	require.Equal(t, rec.StepName, got.StepName)
	require.Equal(t, rec.ErrorMsg, got.ErrorMsg)
	require.True(t, got.Retryable)
	require.JSONEq(t, string(rec.StepResult), string(got.StepResult))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	mr, s := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "compensation_failure:missing:step")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListAndRemove(t *testing.T) {
	mr, s := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	rec1 := domain.CompensationFailureRecord{JobID: "job-1", StepName: "refund-payment", Retryable: true, FailedAt: time.Now().UTC()}
	rec2 := domain.CompensationFailureRecord{JobID: "job-2", StepName: "release-inventory", Retryable: false, FailedAt: time.Now().UTC()}
	require.NoError(t, s.Record(ctx, rec1))
	require.NoError(t, s.Record(ctx, rec2))

	keys, err := s.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{rec1.Key(), rec2.Key()}, keys)

	require.NoError(t, s.Remove(ctx, rec1.Key()))

	keys, err = s.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{rec2.Key()}, keys)

	_, ok, err := s.Get(ctx, rec1.Key())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordAppliesRetentionTTL(t *testing.T) {
	mr, s := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	rec := domain.CompensationFailureRecord{JobID: "job-1", StepName: "refund-payment", FailedAt: time.Now().UTC()}
	require.NoError(t, s.Record(ctx, rec))

	mr.FastForward(s.retention + time.Second)

	_, ok, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	require.False(t, ok)

	keys, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}
