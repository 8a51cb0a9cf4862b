// Package batcher coalesces single-item writes into size- and time-bounded
// batches. A batch is flushed when it reaches the configured size or when the
// flush interval has elapsed since the first item of the batch, whichever
// comes first.
package batcher

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Batcher accumulates items and delivers them to the flush callback in
// insertion order. Flushes are serialized: if a trigger fires while the
// callback is still running, the next flush waits for it to return and items
// keep accumulating in the interim. A failed flush is logged and its batch
// dropped; callers needing durability should write synchronously instead.
type Batcher[T any] struct {
	size     int
	interval time.Duration
	flush    func(context.Context, []T) error
	logger   *slog.Logger

	mu     sync.Mutex
	buf    []T
	timer  *time.Timer
	closed bool

	kick chan struct{}
	done chan struct{}
}

// New creates a Batcher and starts its flush worker.
func New[T any](size int, interval time.Duration, flush func(context.Context, []T) error, logger *slog.Logger) *Batcher[T] {
	b := &Batcher[T]{
		size:     size,
		interval: interval,
		flush:    flush,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Add appends items to the current batch. It returns without waiting for any
// flush to complete.
func (b *Batcher[T]) Add(items ...T) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	wasEmpty := len(b.buf) == 0
	b.buf = append(b.buf, items...)
	full := len(b.buf) >= b.size
	if wasEmpty && b.timer == nil && !b.closed {
		b.timer = time.AfterFunc(b.interval, b.trigger)
	}
	b.mu.Unlock()
	if full {
		b.trigger()
	}
}

func (b *Batcher[T]) trigger() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *Batcher[T]) run() {
	defer close(b.done)
	for range b.kick {
		b.flushOnce(context.Background())
	}
}

// flushOnce drains the buffer in chunks of at most size items, running the
// callback outside the lock so writers are never blocked on storage. An
// oversized buffer therefore yields ceil(n/size) callback invocations.
func (b *Batcher[T]) flushOnce(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.buf) == 0 {
			if b.timer != nil {
				b.timer.Stop()
				b.timer = nil
			}
			b.mu.Unlock()
			return
		}
		take := len(b.buf)
		if take > b.size {
			take = b.size
		}
		batch := b.buf[:take:take]
		b.buf = append([]T(nil), b.buf[take:]...)
		b.mu.Unlock()

		if err := b.flush(ctx, batch); err != nil {
			b.logger.Warn("dropping failed batch", "items", len(batch), "error", err)
		}
	}
}

// Close stops the worker and flushes any remaining items. Add must not be
// called after Close.
func (b *Batcher[T]) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	close(b.kick)
	<-b.done
	b.flushOnce(ctx)
}
