package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/allocstats/internal/platform/db"
)

const jobCols = `id, import_id, status, attempts, max_attempts, last_error, summary,
	run_at, started_at, finished_at, created_at, updated_at`

type queuePG struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewQueuePG returns a Queue backed by the rollup_job table.
func NewQueuePG(pool *pgxpool.Pool, maxAttempts int) Queue {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &queuePG{pool: pool, maxAttempts: maxAttempts}
}

func (r *queuePG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j      Job
		status string
	)
	err := row.Scan(&j.ID, &j.ImportID, &status, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.Summary,
		&j.RunAt, &j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	return &j, nil
}

func (r *queuePG) Enqueue(ctx context.Context, importID int64) (*Job, error) {
	job, err := scanJob(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO rollup_job (id, import_id, status, max_attempts)
		VALUES ($1, $2, $3, $4)
		RETURNING `+jobCols,
		uuid.New(), importID, string(StatusPending), r.maxAttempts))
	if err != nil {
		return nil, fmt.Errorf("enqueue import %d: %w", importID, err)
	}
	return job, nil
}

func (r *queuePG) Claim(ctx context.Context, lease time.Duration) (*Job, error) {
	job, err := scanJob(r.conn(ctx).QueryRow(ctx, `
		UPDATE rollup_job SET status = $1, attempts = attempts + 1, started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM rollup_job
			WHERE (status = $2 AND run_at <= NOW())
			   OR (status = $1 AND started_at < NOW() - make_interval(secs => $3))
			ORDER BY run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobCols,
		string(StatusRunning), string(StatusPending), lease.Seconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (r *queuePG) finish(ctx context.Context, id uuid.UUID, status Status, cause *string, summary json.RawMessage) error {
	var summaryArg any
	if summary != nil {
		summaryArg = string(summary)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE rollup_job SET status = $2, last_error = $3, summary = $4, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id, string(status), cause, summaryArg)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *queuePG) Complete(ctx context.Context, id uuid.UUID, summary json.RawMessage) error {
	return r.finish(ctx, id, StatusDone, nil, summary)
}

func (r *queuePG) Fail(ctx context.Context, id uuid.UUID, cause string) error {
	return r.finish(ctx, id, StatusFailed, &cause, nil)
}

func (r *queuePG) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := scanJob(r.conn(ctx).QueryRow(ctx, `SELECT `+jobCols+` FROM rollup_job WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (r *queuePG) List(ctx context.Context, limit, offset int) ([]*Job, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM rollup_job`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+jobCols+` FROM rollup_job
		ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	items := []*Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, job)
	}
	return items, total, rows.Err()
}
