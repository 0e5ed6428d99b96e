//go:build !integration

package postgres

import (
	"context"
	"time"

	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/repository"
	red "llm-jobqueue/internal/infra/redis"
)

// --- Mocks for Cache Decorator Tests ---

// mockInnerJobRepo mocks the database repository that the decorator wraps.
type mockInnerJobRepo struct {
	SaveFunc                 func(ctx context.Context, tx repository.Tx, j *model.Job) error
	FindByIDFunc             func(ctx context.Context, tx repository.Tx, id string) (*model.Job, error)
	ListByUserFunc           func(ctx context.Context, tx repository.Tx, userID string, limit, offset int) ([]*model.Job, error)
	ListCompletedBetweenFunc func(ctx context.Context, tx repository.Tx, userID string, from, to time.Time) ([]*model.Job, error)
	ListUnfinishedFunc       func(ctx context.Context, tx repository.Tx) ([]*model.Job, error)
}

func (m *mockInnerJobRepo) Save(ctx context.Context, tx repository.Tx, j *model.Job) error {
	return m.SaveFunc(ctx, tx, j)
}
func (m *mockInnerJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	return m.FindByIDFunc(ctx, tx, id)
}
func (m *mockInnerJobRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, limit, offset int) ([]*model.Job, error) {
	return m.ListByUserFunc(ctx, tx, userID, limit, offset)
}
func (m *mockInnerJobRepo) ListCompletedBetween(ctx context.Context, tx repository.Tx, userID string, from, to time.Time) ([]*model.Job, error) {
	return m.ListCompletedBetweenFunc(ctx, tx, userID, from, to)
}
func (m *mockInnerJobRepo) ListUnfinished(ctx context.Context, tx repository.Tx) ([]*model.Job, error) {
	return m.ListUnfinishedFunc(ctx, tx)
}

// mockRedisClient mocks our Redis client wrapper.
type mockRedisClient struct {
	GetFunc func(ctx context.Context, key string) (string, error)
	SetFunc func(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	DelFunc func(ctx context.Context, keys ...string) error
}

var _ red.RedisClient = &mockRedisClient{}

func (m *mockRedisClient) Get(ctx context.Context, key string) (string, error) {
	if m.GetFunc == nil {
		return "", red.Nil
	}
	return m.GetFunc(ctx, key)
}
func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if m.SetFunc == nil {
		return nil
	}
	return m.SetFunc(ctx, key, value, expiration)
}
func (m *mockRedisClient) Del(ctx context.Context, keys ...string) error {
	if m.DelFunc == nil {
		return nil
	}
	return m.DelFunc(ctx, keys...)
}
func (m *mockRedisClient) Ping(ctx context.Context) error                     { return nil }
func (m *mockRedisClient) Incr(ctx context.Context, key string) (int64, error) { return 0, nil }
func (m *mockRedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return nil
}
func (m *mockRedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return nil
}
func (m *mockRedisClient) Subscribe(ctx context.Context, channel string) (red.PubSub, error) {
	return nil, nil
}
func (m *mockRedisClient) Close() error { return nil }
