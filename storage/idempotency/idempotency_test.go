package idempotency

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewStore(rdb)
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	mr, s := newTestStore(t)
	defer mr.Close()

	_, found, err := s.Lookup(context.Background(), "key-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestBindAndLookupRoundTrip(t *testing.T) {
	mr, s := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.Bind(ctx, "key-1", "job-1", time.Minute))

	jobID, found, err := s.Lookup(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "job-1", jobID)
}

func TestBindFirstWriterWins(t *testing.T) {
	mr, s := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.Bind(ctx, "key-1", "job-a", time.Minute))
	require.NoError(t, s.Bind(ctx, "key-1", "job-b", time.Minute))

	jobID, found, err := s.Lookup(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "job-a", jobID)
}

func TestBindAppliesDefaultTTL(t *testing.T) {
	mr, s := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.Bind(ctx, "key-1", "job-1", 0))

	mr.FastForward(DefaultTTL + time.Second)

	_, found, err := s.Lookup(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestBindEmptyKeyIsNoop(t *testing.T) {
	mr, s := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.Bind(ctx, "", "job-1", time.Minute))

	_, found, err := s.Lookup(ctx, "")
	require.NoError(t, err)
	require.False(t, found)
}
