package usecase

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"kitchenpulse/internal/domain/models"
)

// Subscription delivers rush index updates for one restaurant. A slow reader
// never blocks publishers: when the buffer is full the oldest pending update
// is discarded, so the newest value is always delivered.
type Subscription struct {
	id           uint64
	restaurantID string
	ch           chan models.RushIndex
	onClose      func()

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

func newSubscription(id uint64, restaurantID string, buffer int, onClose func()) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	return &Subscription{
		id:           id,
		restaurantID: restaurantID,
		ch:           make(chan models.RushIndex, buffer),
		onClose:      onClose,
	}
}

// RestaurantID returns the restaurant this subscription follows.
func (s *Subscription) RestaurantID() string { return s.restaurantID }

// C returns the update channel. It is closed on Close or service shutdown.
func (s *Subscription) C() <-chan models.RushIndex { return s.ch }

// Dropped counts updates discarded because the reader fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Updates ranges over updates until ctx is done or the subscription closes.
func (s *Subscription) Updates(ctx context.Context) iter.Seq[models.RushIndex] {
	return func(yield func(models.RushIndex) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case idx, ok := <-s.ch:
				if !ok || !yield(idx) {
					return
				}
			}
		}
	}
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	if s.onClose != nil {
		s.onClose()
	}
	s.terminate()
}

func (s *Subscription) deliver(idx models.RushIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- idx:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
