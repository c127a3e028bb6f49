// Package quarantine implements the dead-letter Quarantine Store of
// spec §4.5 over Redis hash and set commands, following the key
// conventions of spec §6 (dlq:<id> hash, dlq:job_ids / dlq:high_priority
// / dlq:processed sets) and the field-serialization style of the
// teacher's DLQ repositories (storage/database/pg/dlq_repository.go),
// which snapshot business context as encoded strings inside a row. One
// index beyond §6: dlq:active_by_time, a sorted set scored by FailedAt,
// so Stats can read the oldest active failure directly instead of
// loading and sorting the whole active set.
package quarantine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/txsaga/orchestrator/domain"
)

const (
	keyPrefix    = "dlq:"
	setJobIDs    = "dlq:job_ids"
	setHighPrio  = "dlq:high_priority"
	setProcessed = "dlq:processed"
	// zsetActiveByTime scores each active record by FailedAt (in
	// milliseconds since epoch) so Stats can read the oldest failure
	// with a single ZRANGE instead of loading and sorting every active
	// record.
	zsetActiveByTime = "dlq:active_by_time"
)

// Store persists QuarantineRecord entries and their active/handled state.
type Store struct {
	client *redis.Client
}

// NewStore wraps an existing go-redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func recordKey(id string) string { return keyPrefix + id }

// Add persists a new quarantine record and indexes it into the active
// (and, if high priority, high-priority) set. Returns the generated id.
func (s *Store) Add(ctx context.Context, rec domain.QuarantineRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now().UTC()
	}

	fields, err := toHash(rec)
	if err != nil {
		return "", errors.Wrap(err, "quarantine.Store.Add: encode")
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, recordKey(rec.ID), fields)
	pipe.SAdd(ctx, setJobIDs, rec.ID)
	pipe.ZAdd(ctx, zsetActiveByTime, redis.Z{Score: float64(rec.FailedAt.UnixMilli()), Member: rec.ID})
	if rec.Priority == domain.PriorityHigh {
		pipe.SAdd(ctx, setHighPrio, rec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("quarantine.Store.Add: pipeline failed", "id", rec.ID, "error", err.Error())
		return "", errors.Wrap(err, "quarantine.Store.Add: persist")
	}

	slog.Info("quarantine.Store.Add: success", "id", rec.ID, "job_id", rec.OriginalJobID, "priority", rec.Priority)
	return rec.ID, nil
}

// GetHighPriority returns active high-priority records sorted by
// FailedAt ascending (oldest first), matching §4.5.
func (s *Store) GetHighPriority(ctx context.Context) ([]domain.QuarantineRecord, error) {
	ids, err := s.client.SMembers(ctx, setHighPrio).Result()
	if err != nil {
		return nil, errors.Wrap(err, "quarantine.Store.GetHighPriority: smembers")
	}
	recs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FailedAt.Before(recs[j].FailedAt) })
	return recs, nil
}

// GetAllActive returns every record that has not been marked handled.
func (s *Store) GetAllActive(ctx context.Context) ([]domain.QuarantineRecord, error) {
	ids, err := s.client.SMembers(ctx, setJobIDs).Result()
	if err != nil {
		return nil, errors.Wrap(err, "quarantine.Store.GetAllActive: smembers")
	}
	recs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FailedAt.Before(recs[j].FailedAt) })
	return recs, nil
}

// MarkHandled moves id from the active/high-priority indices into the
// processed set, stamping ProcessedAt and ProcessorNote.
func (s *Store) MarkHandled(ctx context.Context, id, note string) error {
	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, recordKey(id), map[string]interface{}{
		"handled":       "1",
		"processedAt":   now.Format(time.RFC3339Nano),
		"processorNote": note,
	})
	pipe.SRem(ctx, setJobIDs, id)
	pipe.SRem(ctx, setHighPrio, id)
	pipe.ZRem(ctx, zsetActiveByTime, id)
	pipe.SAdd(ctx, setProcessed, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "quarantine.Store.MarkHandled: %s", id)
	}
	slog.Info("quarantine.Store.MarkHandled: success", "id", id)
	return nil
}

// Stats summarizes the current dead-letter backlog.
type Stats struct {
	TotalActive   int64
	HighPriority  int64
	TotalProcessed int64
	OldestFailure  *time.Time
}

// Stats reports counts plus the oldest active failure timestamp, if any.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.TotalActive, err = s.client.SCard(ctx, setJobIDs).Result(); err != nil {
		return st, errors.Wrap(err, "quarantine.Store.Stats: scard active")
	}
	if st.HighPriority, err = s.client.SCard(ctx, setHighPrio).Result(); err != nil {
		return st, errors.Wrap(err, "quarantine.Store.Stats: scard high priority")
	}
	if st.TotalProcessed, err = s.client.SCard(ctx, setProcessed).Result(); err != nil {
		return st, errors.Wrap(err, "quarantine.Store.Stats: scard processed")
	}

	oldest, err := s.client.ZRangeWithScores(ctx, zsetActiveByTime, 0, 0).Result()
	if err != nil {
		return st, errors.Wrap(err, "quarantine.Store.Stats: zrange active_by_time")
	}
	if len(oldest) > 0 {
		t := time.UnixMilli(int64(oldest[0].Score)).UTC()
		st.OldestFailure = &t
	}
	return st, nil
}

func (s *Store) loadMany(ctx context.Context, ids []string) ([]domain.QuarantineRecord, error) {
	recs := make([]domain.QuarantineRecord, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, recordKey(id)).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "quarantine.Store: hgetall %s", id)
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := fromHash(fields)
		if err != nil {
			slog.Warn("quarantine.Store: skipping malformed record", "id", id, "error", err.Error())
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func toHash(rec domain.QuarantineRecord) (map[string]interface{}, error) {
	snapshot, err := json.Marshal(rec.JobSnapshot)
	if err != nil {
		return nil, err
	}
	completed, err := json.Marshal(rec.CompletedSteps)
	if err != nil {
		return nil, err
	}
	businessCtx, err := json.Marshal(rec.BusinessContext)
	if err != nil {
		return nil, err
	}

	handled := "0"
	if rec.Handled {
		handled = "1"
	}

	fields := map[string]interface{}{
		"id":              rec.ID,
		"originalJobId":   rec.OriginalJobID,
		"originalJobData": string(snapshot),
		"failureReason":   rec.FailureReason,
		"failureStack":    rec.FailureStack,
		"failedAt":        rec.FailedAt.Format(time.RFC3339Nano),
		"completedBenefits": string(completed),
		"failedStep":      rec.FailedStep,
		"priority":        string(rec.Priority),
		"canRetry":        boolStr(rec.CanRetry),
		"businessContext": string(businessCtx),
		"handled":         handled,
	}
	if rec.ProcessedAt != nil {
		fields["processedAt"] = rec.ProcessedAt.Format(time.RFC3339Nano)
	}
	fields["processorNote"] = rec.ProcessorNote
	return fields, nil
}

func fromHash(fields map[string]string) (domain.QuarantineRecord, error) {
	var rec domain.QuarantineRecord
	rec.ID = fields["id"]
	rec.OriginalJobID = fields["originalJobId"]
	rec.FailureReason = fields["failureReason"]
	rec.FailureStack = fields["failureStack"]
	rec.FailedStep = fields["failedStep"]
	rec.Priority = domain.Priority(fields["priority"])
	rec.CanRetry = fields["canRetry"] == "1"
	rec.Handled = fields["handled"] == "1"
	rec.ProcessorNote = fields["processorNote"]

	if raw := fields["originalJobData"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.JobSnapshot); err != nil {
			return rec, errors.Wrap(err, "decode job snapshot")
		}
	}
	if raw := fields["completedBenefits"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.CompletedSteps); err != nil {
			return rec, errors.Wrap(err, "decode completed steps")
		}
	}
	if raw := fields["businessContext"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.BusinessContext); err != nil {
			return rec, errors.Wrap(err, "decode business context")
		}
	}
	if raw := fields["failedAt"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return rec, errors.Wrap(err, "decode failedAt")
		}
		rec.FailedAt = t
	}
	if raw := fields["processedAt"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return rec, errors.Wrap(err, "decode processedAt")
		}
		rec.ProcessedAt = &t
	}
	return rec, nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
