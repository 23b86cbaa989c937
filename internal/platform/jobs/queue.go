// Package jobs provides the durable queue behind asynchronous rollup
// dispatch: one job per import, claimed by a polling worker and retried with
// exponential backoff until it succeeds, fails permanently or runs out of
// attempts.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job is one queued rebuild request.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	ImportID    int64           `json:"import_id"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

var ErrNotFound = errors.New("job not found")

// ---------------------------------------------------------------------------
// Queue interface
// ---------------------------------------------------------------------------

// Queue persists jobs. Claim hands out at most one job per caller and
// reclaims running jobs whose lease expired.
type Queue interface {
	Enqueue(ctx context.Context, importID int64) (*Job, error)
	// Claim returns the next runnable job, or nil when there is none.
	Claim(ctx context.Context, lease time.Duration) (*Job, error)
	Complete(ctx context.Context, id uuid.UUID, summary json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, cause string) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context, limit, offset int) ([]*Job, int, error)
}

// ---------------------------------------------------------------------------
// MemoryQueue
// ---------------------------------------------------------------------------

// MemoryQueue is a thread-safe, in-process Queue for tests.
type MemoryQueue struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*Job
	order       []uuid.UUID
	maxAttempts int
	now         func() time.Time
}

func NewMemoryQueue(maxAttempts int) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &MemoryQueue{
		jobs:        make(map[uuid.UUID]*Job),
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, importID int64) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	job := &Job{
		ID:          uuid.New(),
		ImportID:    importID,
		Status:      StatusPending,
		MaxAttempts: q.maxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	cp := *job
	return &cp, nil
}

func (q *MemoryQueue) Claim(_ context.Context, lease time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	var candidates []*Job
	for _, id := range q.order {
		j := q.jobs[id]
		switch {
		case j.Status == StatusPending && !j.RunAt.After(now):
			candidates = append(candidates, j)
		case j.Status == StatusRunning && j.StartedAt != nil && j.StartedAt.Add(lease).Before(now):
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, k int) bool { return candidates[i].RunAt.Before(candidates[k].RunAt) })

	j := candidates[0]
	j.Status = StatusRunning
	j.Attempts++
	j.StartedAt = &now
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (q *MemoryQueue) finish(id uuid.UUID, fn func(j *Job, now time.Time)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := q.now()
	fn(j, now)
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, id uuid.UUID, summary json.RawMessage) error {
	return q.finish(id, func(j *Job, _ time.Time) {
		j.Status = StatusDone
		j.Summary = summary
		j.LastError = nil
	})
}

func (q *MemoryQueue) Fail(_ context.Context, id uuid.UUID, cause string) error {
	return q.finish(id, func(j *Job, _ time.Time) {
		j.Status = StatusFailed
		j.LastError = &cause
	})
}

func (q *MemoryQueue) Get(_ context.Context, id uuid.UUID) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *j
	return &cp, nil
}

// List returns jobs newest first.
func (q *MemoryQueue) List(_ context.Context, limit, offset int) ([]*Job, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := len(q.order)
	out := []*Job{}
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		cp := *q.jobs[q.order[i]]
		out = append(out, &cp)
	}
	return out, total, nil
}

var _ Queue = (*MemoryQueue)(nil)
