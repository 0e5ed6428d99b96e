package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// QueueAnnouncer re-broadcasts the queue snapshot and refreshes its gauges.
type QueueAnnouncer interface {
	PublishQueue()
}

// StatsWorker periodically announces the queue state so idle clients keep an
// accurate wait estimate, and runs any extra reporters (pool stats and the like).
type StatsWorker struct {
	interval  time.Duration
	queue     QueueAnnouncer
	reporters []func()
	log       *zerolog.Logger
}

func NewStatsWorker(interval time.Duration, queue QueueAnnouncer, logger *zerolog.Logger, reporters ...func()) *StatsWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	compLog := logger.With().Str("component", "StatsWorker").Logger()
	return &StatsWorker{
		interval:  interval,
		queue:     queue,
		reporters: reporters,
		log:       &compLog,
	}
}

func (w *StatsWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting stats worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping stats worker")
			return ctx.Err()
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *StatsWorker) tick() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("stats worker tick panicked")
		}
	}()
	w.queue.PublishQueue()
	for _, p := range w.reporters {
		p()
	}
}
