package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"llm-jobqueue/internal/domain/ports/repository"
	"llm-jobqueue/internal/infra/metrics"
)

var _ repository.StoreLock = (*StoreLock)(nil)

var errLockHeld = errors.New("store lock already held by this process")

// StoreLock is a session-level advisory lock on one pooled connection.
// Postgres drops the lock with the session, so a crashed holder frees it.
type StoreLock struct {
	pool  *pgxpool.Pool
	key   int64
	retry time.Duration
	log   *zerolog.Logger

	mu   sync.Mutex
	conn *pgxpool.Conn
	stop chan struct{}
	done chan struct{}
}

func NewStoreLock(pool *pgxpool.Pool, key int64, retry time.Duration, logger *zerolog.Logger) *StoreLock {
	if retry <= 0 {
		retry = 5 * time.Second
	}
	l := logger.With().Str("component", "store_lock").Int64("lock_key", key).Logger()
	return &StoreLock{pool: pool, key: key, retry: retry, log: &l}
}

// Acquire polls pg_try_advisory_lock every retry interval until it succeeds.
// While held, the session is pinged on the same interval; the returned
// channel closes if the ping fails or Release is called.
func (s *StoreLock) Acquire(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil, errLockHeld
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	waiting := false
	for {
		var ok bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, s.key).Scan(&ok); err != nil {
			conn.Release()
			metrics.IncDBQueryError("lock")
			return nil, fmt.Errorf("try advisory lock: %w", err)
		}
		if ok {
			break
		}
		if !waiting {
			s.log.Info().Msg("another instance holds the store lock; standing by")
			waiting = true
		}
		select {
		case <-ctx.Done():
			conn.Release()
			return nil, ctx.Err()
		case <-time.After(s.retry):
		}
	}
	s.log.Info().Msg("store lock acquired")

	s.conn = conn
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	lost := make(chan struct{})
	go s.watch(conn, s.stop, s.done, lost)
	return lost, nil
}

func (s *StoreLock) watch(conn *pgxpool.Conn, stop <-chan struct{}, done, lost chan struct{}) {
	defer close(done)
	defer close(lost)
	t := time.NewTicker(s.retry)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.retry)
			_, err := conn.Exec(ctx, `SELECT 1`)
			cancel()
			if err != nil {
				metrics.IncDBQueryError("lock_ping")
				s.log.Error().Err(err).Msg("store lock session lost")
				return
			}
		}
	}
}

// Release unlocks and returns the connection to the pool. A session that
// already failed is closed instead so the pool does not reuse it.
func (s *StoreLock) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	conn := s.conn
	s.conn = nil

	var unlocked bool
	err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, s.key).Scan(&unlocked)
	if err != nil {
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	s.log.Info().Msg("store lock released")
	return nil
}
