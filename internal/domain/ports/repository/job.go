package repository

import (
	"context"
	"time"

	"llm-jobqueue/internal/domain/model"
)

// JobRepository persists jobs. Save is an upsert keyed by job ID.
// FindByID returns domain.ErrNotFound for unknown IDs.
type JobRepository interface {
	Save(ctx context.Context, tx Tx, job *model.Job) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Job, error)
	ListByUser(ctx context.Context, tx Tx, userID string, limit, offset int) ([]*model.Job, error)
	// ListCompletedBetween returns COMPLETED jobs whose completion time is in [from, to).
	// An empty userID matches every user.
	ListCompletedBetween(ctx context.Context, tx Tx, userID string, from, to time.Time) ([]*model.Job, error)
	// ListUnfinished returns QUEUED and PROCESSING jobs, oldest first.
	ListUnfinished(ctx context.Context, tx Tx) ([]*model.Job, error)
}
