// Package memory is the in-process job store used when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/repository"
)

// Compile-time check
var (
	_ repository.JobRepository      = (*JobRepo)(nil)
	_ repository.TransactionManager = (*JobRepo)(nil)
	_ repository.StoreLock          = (*StoreLock)(nil)
)

// JobRepo also serves as its own transaction manager and hands out store
// locks, so dispatchers sharing one JobRepo coordinate the way they would on Postgres.
type JobRepo struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job

	txMu  sync.Mutex
	owner chan struct{}
}

func NewJobRepo() *JobRepo {
	return &JobRepo{
		jobs:  make(map[string]*model.Job),
		owner: make(chan struct{}, 1),
	}
}

// WithTx serializes fn against other transactions. There is no rollback:
// writes made before fn fails stay applied.
func (r *JobRepo) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return fn(ctx, repository.NoTX)
}

// NewLock returns a lock handle for one dispatcher. Handles from the same
// JobRepo exclude each other.
func (r *JobRepo) NewLock() *StoreLock {
	return &StoreLock{owner: r.owner}
}

type StoreLock struct {
	owner chan struct{}

	mu   sync.Mutex
	lost chan struct{} // nil unless held by this handle
}

func (l *StoreLock) Acquire(ctx context.Context) (<-chan struct{}, error) {
	select {
	case l.owner <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	lost := make(chan struct{})
	l.mu.Lock()
	l.lost = lost
	l.mu.Unlock()
	return lost, nil
}

// Release is a no-op unless this handle holds the lock.
func (l *StoreLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost == nil {
		return nil
	}
	close(l.lost)
	l.lost = nil
	<-l.owner
	return nil
}

func (r *JobRepo) Save(ctx context.Context, _ repository.Tx, job *model.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *JobRepo) FindByID(ctx context.Context, _ repository.Tx, id string) (*model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

// ListByUser returns the user's jobs, newest first.
func (r *JobRepo) ListByUser(ctx context.Context, _ repository.Tx, userID string, limit, offset int) ([]*model.Job, error) {
	r.mu.RLock()
	out := make([]*model.Job, 0)
	for _, j := range r.jobs {
		if j.UserID == userID {
			out = append(out, j.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return page(out, limit, offset), nil
}

func (r *JobRepo) ListCompletedBetween(ctx context.Context, _ repository.Tx, userID string, from, to time.Time) ([]*model.Job, error) {
	r.mu.RLock()
	out := make([]*model.Job, 0)
	for _, j := range r.jobs {
		if j.Status != model.JobStatusCompleted || j.CompletedAt == nil {
			continue
		}
		if userID != "" && j.UserID != userID {
			continue
		}
		if j.CompletedAt.Before(from) || !j.CompletedAt.Before(to) {
			continue
		}
		out = append(out, j.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CompletedAt.Before(*out[b].CompletedAt) })
	return out, nil
}

func (r *JobRepo) ListUnfinished(ctx context.Context, _ repository.Tx) ([]*model.Job, error) {
	r.mu.RLock()
	out := make([]*model.Job, 0)
	for _, j := range r.jobs {
		if !j.Status.Terminal() {
			out = append(out, j.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func page(jobs []*model.Job, limit, offset int) []*model.Job {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(jobs) {
		return []*model.Job{}
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}
