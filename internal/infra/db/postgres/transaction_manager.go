package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"llm-jobqueue/internal/domain/ports/repository"
	"llm-jobqueue/internal/infra/metrics"
)

var _ repository.TransactionManager = (*TxManager)(nil)

// TxManager runs job store work in one pgx transaction. The dispatcher uses
// it to requeue and fail jobs left behind by a previous lock holder atomically.
type TxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithTx passes fn a pgx.Tx as repository.Tx. The transaction commits when
// fn returns nil and rolls back on an error or a panic.
func (m *TxManager) WithTx(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx, err := m.pool.BeginTx(ctx, opts)
	if err != nil {
		metrics.IncDBQueryError("begin")
		return fmt.Errorf("begin job store tx: %w", err)
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	done = true
	if err := tx.Commit(ctx); err != nil {
		metrics.IncDBQueryError("commit")
		return fmt.Errorf("commit job store tx: %w", err)
	}
	return nil
}
