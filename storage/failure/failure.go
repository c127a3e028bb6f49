// Package failure persists CompensationFailureRecord entries (spec
// §4.4) under compensation_failure:<jobId>:<stepName>, indexed by
// compensation_failures:index, with a 7-day retention TTL.
package failure

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/txsaga/orchestrator/domain"
)

const (
	indexKey       = "compensation_failures:index"
	defaultRetention = 7 * 24 * time.Hour
)

// Store persists compensation failures for operator-driven retry.
type Store struct {
	client    *redis.Client
	retention time.Duration
}

// NewStore wraps an existing go-redis client with the default 7-day
// retention window.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, retention: defaultRetention}
}

// Record persists rec, indexing its key for operator listing.
func (s *Store) Record(ctx context.Context, rec domain.CompensationFailureRecord) error {
	fields := map[string]interface{}{
		"jobId":      rec.JobID,
		"stepName":   rec.StepName,
		"stepResult": string(rec.StepResult),
		"error":      rec.ErrorMsg,
		"stack":      rec.Stack,
		"retryable":  boolStr(rec.Retryable),
		"failedAt":   rec.FailedAt.Format(time.RFC3339Nano),
	}

	key := rec.Key()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.retention)
	pipe.SAdd(ctx, indexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failure.Store.Record: %s", key)
	}
	slog.Info("failure.Store.Record: success", "job_id", rec.JobID, "step", rec.StepName, "retryable", rec.Retryable)
	return nil
}

// Get loads a single record by its composite key.
func (s *Store) Get(ctx context.Context, key string) (domain.CompensationFailureRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return domain.CompensationFailureRecord{}, false, errors.Wrapf(err, "failure.Store.Get: %s", key)
	}
	if len(fields) == 0 {
		return domain.CompensationFailureRecord{}, false, nil
	}

	var rec domain.CompensationFailureRecord
	rec.JobID = fields["jobId"]
	rec.StepName = fields["stepName"]
	rec.StepResult = json.RawMessage(fields["stepResult"])
	rec.ErrorMsg = fields["error"]
	rec.Stack = fields["stack"]
	rec.Retryable = fields["retryable"] == "1"
	if raw := fields["failedAt"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return rec, true, errors.Wrap(err, "failure.Store.Get: decode failedAt")
		}
		rec.FailedAt = t
	}
	return rec, true, nil
}

// Remove deletes a record and its index entry, used after a successful
// operator-driven retry.
func (s *Store) Remove(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, indexKey, key)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return errors.Wrapf(err, "failure.Store.Remove: %s", key)
	}
	return nil
}

// List returns the keys of every still-live compensation failure record.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failure.Store.List")
	}
	// Index entries outlive their records' retention TTL, so skip any
	// key whose hash has already expired.
	live := make([]string, 0, len(keys))
	for _, key := range keys {
		n, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "failure.Store.List: exists %s", key)
		}
		if n > 0 {
			live = append(live, key)
		}
	}
	return live, nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
