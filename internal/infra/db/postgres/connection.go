package postgres

import (
	"context"
	"fmt"
	"time"

	"llm-jobqueue/internal/infra/metrics"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

// Connect opens a pool, retrying while the database is still starting.
func Connect(ctx context.Context, dsn string, logger *zerolog.Logger) (*pgxpool.Pool, error) {
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pool, err := pgxpool.Connect(cctx, dsn)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", i+1).Msg("waiting for database")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	return nil, fmt.Errorf("pgxpool.Connect failed after %d attempts: %w", maxRetries, lastErr)
}

// ReportPoolStats publishes the pool gauges.
func ReportPoolStats(pool *pgxpool.Pool) {
	s := pool.Stat()
	metrics.SetDBPoolStats(s.TotalConns(), s.IdleConns(), s.AcquiredConns())
}
