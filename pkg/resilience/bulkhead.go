package resilience

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// BulkheadConfig bounds concurrent execution.
type BulkheadConfig struct {
	// MaxParallel is the number of simultaneously executing requests.
	MaxParallel int

	// MaxQueued is the number of requests allowed to wait for a slot.
	// Anything beyond fails immediately with ErrBulkheadRejected.
	MaxQueued int
}

// DefaultBulkheadConfig returns the default admission bounds.
func DefaultBulkheadConfig() BulkheadConfig {
	return BulkheadConfig{MaxParallel: 10, MaxQueued: 10}
}

// Bulkhead is a fixed-capacity admission gate with a FIFO wait queue.
type Bulkhead struct {
	slots     *semaphore.Weighted
	queued    atomic.Int64
	maxQueued int64
}

// NewBulkhead creates a bulkhead from cfg. A non-positive MaxParallel takes
// the default; a zero MaxQueued means no queue.
func NewBulkhead(cfg BulkheadConfig) *Bulkhead {
	def := DefaultBulkheadConfig()
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.MaxQueued < 0 {
		cfg.MaxQueued = 0
	}
	return &Bulkhead{
		slots:     semaphore.NewWeighted(int64(cfg.MaxParallel)),
		maxQueued: int64(cfg.MaxQueued),
	}
}

// Acquire takes an execution slot, waiting in FIFO order when none is free.
// It fails with ErrBulkheadRejected when the queue is full, or with the
// context's error when the caller is cancelled while queued.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	if b.slots.TryAcquire(1) {
		return nil
	}
	if b.queued.Add(1) > b.maxQueued {
		b.queued.Add(-1)
		bulkheadRejections.Inc()
		return ErrBulkheadRejected
	}
	bulkheadQueued.Inc()
	defer func() {
		b.queued.Add(-1)
		bulkheadQueued.Dec()
	}()
	return b.slots.Acquire(ctx, 1)
}

// Release returns an execution slot.
func (b *Bulkhead) Release() {
	b.slots.Release(1)
}
