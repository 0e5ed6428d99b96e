// File: internal/usecase/mock_test.go
package usecase_test

import (
	"context"
	"io"
	"sync"
	"time"

	"llm-jobqueue/internal/domain/model"

	"github.com/rs/zerolog"
)

func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// --- Mock JobQueue

type mockQueue struct {
	mu         sync.Mutex
	enqueued   []*model.Job
	EnqueueErr error
	TryErr     error
	AwaitFunc  func(ctx context.Context, jobID string) (*model.Job, error)
	Status     model.QueueStatus
}

func (m *mockQueue) Enqueue(ctx context.Context, job *model.Job) (string, error) {
	if m.EnqueueErr != nil {
		return "", m.EnqueueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, job)
	return job.ID, nil
}

func (m *mockQueue) TryEnqueue(ctx context.Context, job *model.Job) (string, error) {
	if m.TryErr != nil {
		return "", m.TryErr
	}
	return m.Enqueue(ctx, job)
}

func (m *mockQueue) Await(ctx context.Context, jobID string) (*model.Job, error) {
	if m.AwaitFunc != nil {
		return m.AwaitFunc(ctx, jobID)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *mockQueue) Position(string) int { return 1 }

func (m *mockQueue) Snapshot() model.QueueStatus { return m.Status }

func (m *mockQueue) jobs() []*model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Job(nil), m.enqueued...)
}

// --- Mock RateLimiter

type mockLimiter struct {
	AllowFunc func(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	keys      []string
}

func (m *mockLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.keys = append(m.keys, key)
	if m.AllowFunc != nil {
		return m.AllowFunc(ctx, key, limit, window)
	}
	return true, nil
}
