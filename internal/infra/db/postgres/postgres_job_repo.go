package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/repository"
	"llm-jobqueue/internal/infra/metrics"
)

var _ repository.JobRepository = (*jobRepo)(nil)

type jobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *jobRepo {
	return &jobRepo{pool: pool}
}

const jobColumns = `id, user_id, priority, status, input, result, error_message, error_category,
  created_at, updated_at, started_at, completed_at`

// Save upserts the job. Rows already in a terminal status are never overwritten.
func (r *jobRepo) Save(ctx context.Context, tx repository.Tx, j *model.Job) error {
	input, err := json.Marshal(j.Input)
	if err != nil {
		return fmt.Errorf("encode job input: %w", err)
	}
	var result []byte
	if j.Result != nil {
		if result, err = json.Marshal(j.Result); err != nil {
			return fmt.Errorf("encode job result: %w", err)
		}
	}

	const q = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  result = EXCLUDED.result,
  error_message = EXCLUDED.error_message,
  error_category = EXCLUDED.error_category,
  updated_at = EXCLUDED.updated_at,
  started_at = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at
WHERE jobs.status NOT IN ('COMPLETED', 'FAILED');`

	_, err = execSQL(ctx, r.pool, tx, q,
		j.ID, j.UserID, j.Priority, string(j.Status), input, result,
		j.ErrorMessage, string(j.ErrorCategory),
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt)
	if err != nil {
		metrics.IncDBQueryError("save")
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// FindByID locks the row when called inside a transaction.
func (r *jobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if _, ok := tx.(pgx.Tx); ok {
		q += ` FOR UPDATE`
	}
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		metrics.IncDBQueryError("find_by_id")
		return nil, err
	}
	return j, nil
}

func (r *jobRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, limit, offset int) ([]*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		q += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	return r.list(ctx, tx, "list_by_user", q, args...)
}

func (r *jobRepo) ListCompletedBetween(ctx context.Context, tx repository.Tx, userID string, from, to time.Time) ([]*model.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs
WHERE status = 'COMPLETED' AND completed_at >= $1 AND completed_at < $2
  AND ($3 = '' OR user_id = $3)
ORDER BY completed_at`
	return r.list(ctx, tx, "list_completed", q, from, to, userID)
}

// ListUnfinished locks the returned rows when called inside a transaction.
func (r *jobRepo) ListUnfinished(ctx context.Context, tx repository.Tx) ([]*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN ('QUEUED', 'PROCESSING') ORDER BY id`
	if _, ok := tx.(pgx.Tx); ok {
		q += ` FOR UPDATE`
	}
	return r.list(ctx, tx, "list_unfinished", q)
}

func (r *jobRepo) list(ctx context.Context, tx repository.Tx, op, q string, args ...interface{}) ([]*model.Job, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		metrics.IncDBQueryError(op)
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			metrics.IncDBQueryError(op)
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j                  model.Job
		status, category   string
		input, result      []byte
		started, completed *time.Time
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Priority, &status, &input, &result,
		&j.ErrorMessage, &category, &j.CreatedAt, &j.UpdatedAt, &started, &completed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	j.Status = model.JobStatus(status)
	j.ErrorCategory = domain.ErrorCategory(category)
	j.StartedAt, j.CompletedAt = started, completed
	if err := json.Unmarshal(input, &j.Input); err != nil {
		return nil, fmt.Errorf("%w: input: %v", domain.ErrReadDatabaseRow, err)
	}
	if len(result) > 0 {
		var res model.JobResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("%w: result: %v", domain.ErrReadDatabaseRow, err)
		}
		j.Result = &res
	}
	return &j, nil
}
