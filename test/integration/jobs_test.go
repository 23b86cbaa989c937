//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/allocstats/internal/domain/rollup"
	"github.com/ehr/allocstats/internal/domain/scope"
	"github.com/ehr/allocstats/internal/platform/jobs"
)

func TestQueuePG_Lifecycle(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueuePG(newSchema(t), 3)

	job, err := q.Enqueue(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)

	claimed, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, jobs.StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	none, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "a leased job must not be claimed twice")

	require.NoError(t, q.Complete(ctx, job.ID, json.RawMessage(`{"scopes":3}`)))
	done, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, done.Status)
	assert.JSONEq(t, `{"scopes":3}`, string(done.Summary))
	require.NotNil(t, done.FinishedAt)

	_, err = q.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestQueuePG_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueuePG(newSchema(t), 3)
	for i := int64(1); i <= 5; i++ {
		_, err := q.Enqueue(ctx, i)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Claim(ctx, time.Minute)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ImportID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.Equal(t, 1, n, "import %d claimed %d times", id, n)
	}
}

func TestQueuePG_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueuePG(newSchema(t), 3)
	for i := int64(1); i <= 3; i++ {
		_, err := q.Enqueue(ctx, i)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	page, total, err := q.List(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].ImportID)
	assert.Equal(t, int64(2), page[1].ImportID)
}

func TestWorker_RunsQueuedRebuild(t *testing.T) {
	ctx := context.Background()
	pool := newSchema(t)
	cal := scope.NewCalendar(time.UTC, time.Time{})
	seed(t, pool, cal)

	pgEngine := newEngine(allocationRepo(pool, cal), rollup.NewStorePG(pool), cal)
	q := jobs.NewQueuePG(pool, 3)
	d := rollup.NewDispatcher(pgEngine.orch, q)

	out, err := d.Dispatch(ctx, 1, true)
	require.NoError(t, err)
	require.NotNil(t, out.Job)

	w := jobs.NewWorker(q, pgEngine.orch.JobHandler(), jobs.Config{MaxAttempts: 3, RetryBackoff: time.Millisecond})
	ran, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	job, err := q.Get(ctx, out.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, job.Status)

	var sum rollup.Summary
	require.NoError(t, json.Unmarshal(job.Summary, &sum))
	assert.Equal(t, int64(1), sum.ImportID)
	assert.Positive(t, sum.Scopes)

	s, err := scope.New(scope.Public, scope.PublicID, scope.Day, scope.Date(2025, time.November, 1))
	require.NoError(t, err)
	row, err := pgEngine.store.Get(ctx, rollup.FamilyCounts, s)
	require.NoError(t, err)
	require.NotNil(t, row)
}

func TestWorker_EmptyImportFailsPermanently(t *testing.T) {
	ctx := context.Background()
	pool := newSchema(t)
	cal := scope.NewCalendar(time.UTC, time.Time{})

	pgEngine := newEngine(allocationRepo(pool, cal), rollup.NewStorePG(pool), cal)
	q := jobs.NewQueuePG(pool, 3)
	job, err := q.Enqueue(ctx, 404)
	require.NoError(t, err)

	calls := 0
	handler := pgEngine.orch.JobHandler()
	w := jobs.NewWorker(q, func(ctx context.Context, j *jobs.Job) (json.RawMessage, error) {
		calls++
		return handler(ctx, j)
	}, jobs.Config{MaxAttempts: 3, RetryBackoff: time.Millisecond})
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	failed, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, failed.Status)
	assert.Equal(t, 1, calls)
}
