package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/pkg/keylock"
)

// SignalHandler applies one validated event while the order lock is held.
type SignalHandler func(ctx context.Context, ev models.SignalEvent) error

// SignalBus validates incoming events and serializes them per order id.
// Events for different orders run concurrently; events for the same order
// are handled one at a time in lock arrival order.
type SignalBus struct {
	locks       *keylock.Locker
	lockTimeout time.Duration
	handle      SignalHandler

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

func NewSignalBus(lockTimeout time.Duration, handle SignalHandler) *SignalBus {
	return &SignalBus{
		locks:       keylock.New(),
		lockTimeout: lockTimeout,
		handle:      handle,
	}
}

// Submit validates ev and hands it to the handler under the order lock.
func (b *SignalBus) Submit(ctx context.Context, ev models.SignalEvent) error {
	if err := ev.Validate(); err != nil {
		return models.NewEventError(ev, err)
	}
	if !b.enter() {
		return models.NewEventError(ev, models.ErrServiceClosed)
	}
	defer b.inflight.Done()

	unlock, err := lockWithTimeout(ctx, b.locks, ev.OrderID, b.lockTimeout, "order")
	if err != nil {
		return models.NewEventError(ev, err)
	}
	defer unlock()
	return b.handle(ctx, ev)
}

// WithOrderLock runs fn while holding the lock of one order. It is used by
// background maintenance and is not refused after Close.
func (b *SignalBus) WithOrderLock(ctx context.Context, orderID string, fn func() error) error {
	b.inflight.Add(1)
	defer b.inflight.Done()

	unlock, err := lockWithTimeout(ctx, b.locks, orderID, b.lockTimeout, "order")
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Close stops accepting events and waits for in-flight ones to finish.
func (b *SignalBus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *SignalBus) enter() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	b.inflight.Add(1)
	return true
}

// lockWithTimeout bounds the wait for a keyed lock. Running out of the
// lock budget is reported as contention; a cancelled caller gets ctx.Err().
func lockWithTimeout(ctx context.Context, locks *keylock.Locker, key string, timeout time.Duration, what string) (func(), error) {
	lctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	unlock, err := locks.Lock(lctx, key)
	if err == nil {
		return unlock, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s %s", models.ErrContention, what, key)
	}
	return nil, err
}
