package rollup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehr/allocstats/internal/platform/jobs"
)

// Queue accepts asynchronous rebuild requests.
type Queue interface {
	Enqueue(ctx context.Context, importID int64) (*jobs.Job, error)
}

// Dispatch is the outcome of scheduling a rebuild: a summary when it ran
// inline, a job when it was queued.
type Dispatch struct {
	ImportID int64     `json:"import_id"`
	Async    bool      `json:"async"`
	Job      *jobs.Job `json:"job,omitempty"`
	Summary  *Summary  `json:"summary,omitempty"`
}

// Dispatcher runs rebuilds inline or hands them to the queue, one message
// per import.
type Dispatcher struct {
	orch  *Orchestrator
	queue Queue
}

func NewDispatcher(orch *Orchestrator, queue Queue) *Dispatcher {
	return &Dispatcher{orch: orch, queue: queue}
}

var ErrNoQueue = errors.New("asynchronous dispatch is not configured")

func (d *Dispatcher) Dispatch(ctx context.Context, importID int64, async bool) (*Dispatch, error) {
	out := &Dispatch{ImportID: importID, Async: async}
	if !async {
		sum, err := d.orch.Rebuild(ctx, importID)
		if err != nil {
			return nil, err
		}
		out.Summary = sum
		return out, nil
	}

	if d.queue == nil {
		return nil, ErrNoQueue
	}
	ok, err := d.orch.HasFacts(ctx, importID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("import %d: %w", importID, ErrNoFacts)
	}
	job, err := d.queue.Enqueue(ctx, importID)
	if err != nil {
		return nil, fmt.Errorf("enqueue rebuild of import %d: %w", importID, err)
	}
	out.Job = job
	return out, nil
}

// JobHandler runs queued rebuilds. Contract violations are marked permanent
// so the worker does not retry them.
func (o *Orchestrator) JobHandler() jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
		sum, err := o.Rebuild(ctx, job.ImportID)
		if err != nil {
			if IsFatal(err) {
				return nil, jobs.Permanent(err)
			}
			return nil, err
		}
		return json.Marshal(sum)
	}
}
