package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		PollInterval:  5 * time.Millisecond,
		MaxAttempts:   3,
		RetryBackoff:  time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func TestConfig_Normalized(t *testing.T) {
	c := Config{RetryBackoff: time.Second, RetryMaxDelay: time.Millisecond}.normalized()
	if c.PollInterval != defaultPollInterval {
		t.Errorf("expected default poll interval, got %v", c.PollInterval)
	}
	if c.MaxAttempts != defaultMaxAttempts {
		t.Errorf("expected default attempts, got %d", c.MaxAttempts)
	}
	if c.RetryMaxDelay != time.Second {
		t.Errorf("expected max delay raised to backoff, got %v", c.RetryMaxDelay)
	}
	if c.LeaseTTL != defaultLeaseTTL {
		t.Errorf("expected default lease, got %v", c.LeaseTTL)
	}
}

func TestWorker_RunOnce_Completes(t *testing.T) {
	q := NewMemoryQueue(3)
	ctx := context.Background()
	job, _ := q.Enqueue(ctx, 11)

	w := NewWorker(q, func(_ context.Context, j *Job) (json.RawMessage, error) {
		if j.ImportID != 11 {
			t.Errorf("unexpected import %d", j.ImportID)
		}
		return json.RawMessage(`{"ok":true}`), nil
	}, testConfig())

	ran, err := w.RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("expected a job to run, ran=%v err=%v", ran, err)
	}
	got, _ := q.Get(ctx, job.ID)
	if got.Status != StatusDone {
		t.Errorf("expected done, got %q", got.Status)
	}

	ran, _ = w.RunOnce(ctx)
	if ran {
		t.Error("expected empty queue")
	}
}

func TestWorker_RetriesTransientErrors(t *testing.T) {
	q := NewMemoryQueue(3)
	ctx := context.Background()
	job, _ := q.Enqueue(ctx, 1)

	var calls atomic.Int32
	w := NewWorker(q, func(context.Context, *Job) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return json.RawMessage(`{}`), nil
	}, testConfig())

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	got, _ := q.Get(ctx, job.ID)
	if got.Status != StatusDone {
		t.Errorf("expected done, got %q", got.Status)
	}
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(3)
	ctx := context.Background()
	job, _ := q.Enqueue(ctx, 1)

	var calls atomic.Int32
	w := NewWorker(q, func(context.Context, *Job) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("still broken")
	}, testConfig())

	w.RunOnce(ctx)
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	got, _ := q.Get(ctx, job.ID)
	if got.Status != StatusFailed || got.LastError == nil || *got.LastError != "still broken" {
		t.Errorf("unexpected job state: %+v", got)
	}
}

func TestWorker_PermanentErrorStopsImmediately(t *testing.T) {
	q := NewMemoryQueue(5)
	ctx := context.Background()
	job, _ := q.Enqueue(ctx, 1)

	var calls atomic.Int32
	w := NewWorker(q, func(context.Context, *Job) (json.RawMessage, error) {
		calls.Add(1)
		return nil, Permanent(errors.New("import has no facts"))
	}, testConfig())

	w.RunOnce(ctx)
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
	got, _ := q.Get(ctx, job.ID)
	if got.Status != StatusFailed || *got.LastError != "import has no facts" {
		t.Errorf("unexpected job state: %+v", got)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must be nil")
	}
	if !IsPermanent(Permanent(errors.New("x"))) {
		t.Error("expected permanent error")
	}
	if IsPermanent(errors.New("x")) {
		t.Error("plain error must not be permanent")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue(3)
	ctx, cancel := context.WithCancel(context.Background())
	q.Enqueue(ctx, 1)

	done := make(chan struct{})
	w := NewWorker(q, func(context.Context, *Job) (json.RawMessage, error) {
		close(done)
		return json.RawMessage(`{}`), nil
	}, testConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
