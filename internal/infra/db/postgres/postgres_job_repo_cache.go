package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/repository"
	"llm-jobqueue/internal/infra/metrics"
	red "llm-jobqueue/internal/infra/redis"
)

var _ repository.JobRepository = (*jobRepoCacheDecorator)(nil)

// jobRepoCacheDecorator caches terminal jobs only. A terminal row never changes,
// so a cached copy cannot go stale.
type jobRepoCacheDecorator struct {
	inner repository.JobRepository
	cache red.RedisClient
	ttl   time.Duration
}

func NewJobRepoCacheDecorator(inner repository.JobRepository, cache red.RedisClient, ttl time.Duration) repository.JobRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &jobRepoCacheDecorator{inner: inner, cache: cache, ttl: ttl}
}

func jobKey(id string) string { return fmt.Sprintf("job:id:%s", id) }

func (d *jobRepoCacheDecorator) Save(ctx context.Context, tx repository.Tx, j *model.Job) error {
	_ = d.cache.Del(ctx, jobKey(j.ID))
	return d.inner.Save(ctx, tx, j)
}

func (d *jobRepoCacheDecorator) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	key := jobKey(id)
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var j model.Job
		if json.Unmarshal([]byte(val), &j) == nil {
			metrics.IncCacheRequest("job", "hit")
			return &j, nil
		}
	} else if !errors.Is(err, red.Nil) {
		metrics.IncCacheRequest("job", "error")
	}

	metrics.IncCacheRequest("job", "miss")
	j, err := d.inner.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		if b, err := json.Marshal(j); err == nil {
			_ = d.cache.Set(ctx, key, b, d.ttl)
		}
	}
	return j, nil
}

// Pass-through methods that don't need caching
func (d *jobRepoCacheDecorator) ListByUser(ctx context.Context, tx repository.Tx, userID string, limit, offset int) ([]*model.Job, error) {
	return d.inner.ListByUser(ctx, tx, userID, limit, offset)
}

func (d *jobRepoCacheDecorator) ListCompletedBetween(ctx context.Context, tx repository.Tx, userID string, from, to time.Time) ([]*model.Job, error) {
	return d.inner.ListCompletedBetween(ctx, tx, userID, from, to)
}

func (d *jobRepoCacheDecorator) ListUnfinished(ctx context.Context, tx repository.Tx) ([]*model.Job, error) {
	return d.inner.ListUnfinished(ctx, tx)
}
