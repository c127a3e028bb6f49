package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/txsaga/orchestrator/domain"
	"github.com/txsaga/orchestrator/storage/queue"
)

// fakeJobStore is an in-memory queue.Store used by coordinator_test.go
// and worker_test.go: it implements the same visibility-timeout-free
// happy path as storage/queue/pg.Store, without a database, so the
// core state machine can be tested independent of the Postgres
// grounding of the real adapter.
type fakeJobStore struct {
	mu      sync.Mutex
	jobs    map[string]*queue.QueuedJob
	anchors map[string]string
	hooks   queue.EventHooks
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:    make(map[string]*queue.QueuedJob),
		anchors: make(map[string]string),
	}
}

func (f *fakeJobStore) Enqueue(ctx context.Context, job *domain.SagaJob, opts queue.EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if opts.IdempotencyAnchor != "" {
		if id, ok := f.anchors[opts.IdempotencyAnchor]; ok {
			return id, nil
		}
	}

	id := job.JobID
	if id == "" {
		id = uuid.NewString()
		job.JobID = id
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	f.jobs[id] = &queue.QueuedJob{
		ID:          id,
		Payload:     job,
		MaxAttempts: maxAttempts,
		State:       queue.StateWaiting,
	}
	if opts.IdempotencyAnchor != "" {
		f.anchors[opts.IdempotencyAnchor] = id
	}
	return id, nil
}

func (f *fakeJobStore) Fetch(ctx context.Context, jobID string) (*queue.QueuedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) UpdatePayload(ctx context.Context, jobID string, job *domain.SagaJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil
	}
	j.Payload = job
	return nil
}

func (f *fakeJobStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	f.mu.Lock()
	j, ok := f.jobs[jobID]
	if ok {
		j.Progress = progress
	}
	hooks := f.hooks
	f.mu.Unlock()
	if hooks.OnProgress != nil {
		hooks.OnProgress(ctx, jobID, progress)
	}
	return nil
}

func (f *fakeJobStore) Dequeue(ctx context.Context, limit int) ([]*queue.QueuedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*queue.QueuedJob
	for _, j := range f.jobs {
		if len(out) >= limit {
			break
		}
		if j.State == queue.StateWaiting {
			j.State = queue.StateActive
			j.Attempts++
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeJobStore) MarkCompleted(ctx context.Context, jobID string) error {
	f.mu.Lock()
	j, ok := f.jobs[jobID]
	if ok {
		j.State = queue.StateCompleted
		j.Progress = 100
	}
	hooks := f.hooks
	f.mu.Unlock()
	if hooks.OnCompleted != nil {
		hooks.OnCompleted(ctx, jobID)
	}
	return nil
}

func (f *fakeJobStore) MarkFailed(ctx context.Context, jobID string, reason string) error {
	f.mu.Lock()
	j, ok := f.jobs[jobID]
	alreadyFailed := ok && j.State == queue.StateFailed
	if ok && !alreadyFailed {
		j.State = queue.StateFailed
		j.FailedReason = reason
	}
	hooks := f.hooks
	f.mu.Unlock()
	if alreadyFailed {
		return nil
	}
	if hooks.OnFailed != nil {
		hooks.OnFailed(ctx, jobID, reason)
	}
	return nil
}

var _ queue.Store = (*fakeJobStore)(nil)
