package keylock

import (
	"context"
	"sync"
)

// Locker is a set of per-key mutexes. Waiters on the same key are granted the
// lock in arrival order; different keys never block each other. Idle keys are
// removed so the map only holds keys that are locked or awaited.
type Locker struct {
	mu   sync.Mutex
	keys map[string]*entry
}

type entry struct {
	held    bool
	refs    int
	waiters []chan struct{}
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{keys: make(map[string]*entry)}
}

// Lock acquires the lock for key, waiting until ctx is done. The returned
// function releases the lock and is safe to call more than once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{}
		l.keys[key] = e
	}
	e.refs++
	if !e.held {
		e.held = true
		l.mu.Unlock()
		return l.unlocker(key), nil
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.unlocker(key), nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range e.waiters {
		if w == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			e.refs--
			if e.refs == 0 {
				delete(l.keys, key)
			}
			l.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	l.mu.Unlock()

	// handed off between the timeout and re-acquiring l.mu
	l.release(key)
	return nil, ctx.Err()
}

// Len returns the number of keys currently locked or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *Locker) unlocker(key string) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(key) }) }
}

func (l *Locker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.keys[key]
	if !ok {
		return
	}
	e.refs--
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
		return
	}
	e.held = false
	if e.refs == 0 {
		delete(l.keys, key)
	}
}
