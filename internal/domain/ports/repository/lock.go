package repository

import "context"

// StoreLock makes one dispatcher the owner of the unfinished jobs in a job
// store. Only the holder may requeue or fail them.
type StoreLock interface {
	// Acquire blocks until the lock is held or ctx ends. The returned channel
	// is closed once the lock is no longer held.
	Acquire(ctx context.Context) (<-chan struct{}, error)
	Release(ctx context.Context) error
}
