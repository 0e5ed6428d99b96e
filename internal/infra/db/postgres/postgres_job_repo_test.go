//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

func TestJobRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	ctx := context.Background()
	repo := NewJobRepo(testPool)
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("should save, update and find a job", func(t *testing.T) {
		cleanup(t)
		temp := 0.3
		j := model.NewJob(ulid.Make().String(), "user-1", 2,
			model.JobInput{Prompt: "hi", Model: "m", Temperature: &temp}, now)
		if err := repo.Save(ctx, repository.NoTX, j); err != nil {
			t.Fatalf("failed to save new job: %v", err)
		}
		_ = j.MarkProcessing(now)
		_ = j.Complete(model.JobResult{Content: "hello", Usage: model.Usage{TotalTokens: 7}}, now)
		if err := repo.Save(ctx, repository.NoTX, j); err != nil {
			t.Fatalf("failed to update job: %v", err)
		}

		got, err := repo.FindByID(ctx, repository.NoTX, j.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if got.Status != model.JobStatusCompleted || got.Result == nil || got.Result.Usage.TotalTokens != 7 {
			t.Errorf("unexpected job %+v", got)
		}
		if got.Input.Temperature == nil || *got.Input.Temperature != 0.3 {
			t.Errorf("input not round-tripped: %+v", got.Input)
		}
	})

	t.Run("should never overwrite a terminal row", func(t *testing.T) {
		cleanup(t)
		j := model.NewJob(ulid.Make().String(), "user-1", 5, model.JobInput{Prompt: "hi"}, now)
		_ = j.MarkProcessing(now)
		_ = j.Fail(domain.CategoryTimeout, "slow", now)
		if err := repo.Save(ctx, repository.NoTX, j); err != nil {
			t.Fatalf("save: %v", err)
		}
		stale := j.Clone()
		stale.Status = model.JobStatusProcessing
		if err := repo.Save(ctx, repository.NoTX, stale); err != nil {
			t.Fatalf("save stale: %v", err)
		}
		got, _ := repo.FindByID(ctx, repository.NoTX, j.ID)
		if got.Status != model.JobStatusFailed || got.ErrorCategory != domain.CategoryTimeout {
			t.Errorf("terminal row was overwritten: %+v", got)
		}
	})

	t.Run("should return ErrNotFound for unknown ids", func(t *testing.T) {
		_, err := repo.FindByID(ctx, repository.NoTX, "nope")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("should list by user, completed window and unfinished", func(t *testing.T) {
		cleanup(t)
		a := model.NewJob(ulid.Make().String(), "alice", 5, model.JobInput{Prompt: "a"}, now)
		b := model.NewJob(ulid.Make().String(), "alice", 5, model.JobInput{Prompt: "b"}, now.Add(time.Second))
		c := model.NewJob(ulid.Make().String(), "bob", 5, model.JobInput{Prompt: "c"}, now)
		_ = b.MarkProcessing(now)
		_ = b.Complete(model.JobResult{Content: "ok"}, now.Add(time.Minute))
		for _, j := range []*model.Job{a, b, c} {
			if err := repo.Save(ctx, repository.NoTX, j); err != nil {
				t.Fatalf("save: %v", err)
			}
		}

		list, err := repo.ListByUser(ctx, repository.NoTX, "alice", 10, 0)
		if err != nil || len(list) != 2 || list[0].ID != b.ID {
			t.Fatalf("ListByUser = %v, %v", list, err)
		}
		done, err := repo.ListCompletedBetween(ctx, repository.NoTX, "", now, now.Add(time.Hour))
		if err != nil || len(done) != 1 || done[0].ID != b.ID {
			t.Fatalf("ListCompletedBetween = %v, %v", done, err)
		}
		open, err := repo.ListUnfinished(ctx, repository.NoTX)
		if err != nil || len(open) != 2 {
			t.Fatalf("ListUnfinished = %v, %v", open, err)
		}
	})

	t.Run("should save inside a transaction", func(t *testing.T) {
		cleanup(t)
		tm := NewTxManager(testPool)
		j := model.NewJob(ulid.Make().String(), "user-1", 5, model.JobInput{Prompt: "hi"}, now)
		err := tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			return repo.Save(ctx, tx, j)
		})
		if err != nil {
			t.Fatalf("WithTx: %v", err)
		}
		if _, err := repo.FindByID(ctx, repository.NoTX, j.ID); err != nil {
			t.Fatalf("job not committed: %v", err)
		}
	})
}

func TestStoreLock_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	l := zerolog.Nop()
	first := NewStoreLock(testPool, 4242, 10*time.Millisecond, &l)
	second := NewStoreLock(testPool, 4242, 10*time.Millisecond, &l)

	lost, err := first.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := second.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire = %v, want a standby until the deadline", err)
	}

	if err := first.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("lost channel not closed by Release")
	}

	if _, err := second.Acquire(context.Background()); err != nil {
		t.Fatalf("standby Acquire after release: %v", err)
	}
	_ = second.Release(context.Background())
}

func TestTxManager_RollsBackOnError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	cleanup(t)
	ctx := context.Background()
	repo := NewJobRepo(testPool)
	j := model.NewJob(ulid.Make().String(), "user-1", 5, model.JobInput{Prompt: "hi"}, time.Now())

	boom := errors.New("boom")
	err := NewTxManager(testPool).WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := repo.Save(ctx, tx, j); err != nil {
			return err
		}
		if _, err := repo.ListUnfinished(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx = %v, want boom", err)
	}
	if _, err := repo.FindByID(ctx, repository.NoTX, j.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("row survived rollback: %v", err)
	}
}
