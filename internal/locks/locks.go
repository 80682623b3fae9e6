// Package locks provides per-instance-name mutual exclusion for lifecycle
// operations. Acquisitions queue FIFO behind the current holder; a timer
// bounds how long any holder can sit on a lock, so a crashed operation
// cannot wedge its instance forever. Advisory and single-process only.
package locks

import (
	"context"
	"log"
	"sync"
	"time"
)

type waiter struct {
	ready    chan struct{}
	released bool
}

type lockEntry struct {
	queue []*waiter // queue[0] is the current holder
	timer *time.Timer
}

type Manager struct {
	mu      sync.Mutex
	locks   map[string]*lockEntry
	timeout time.Duration
}

func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		locks:   make(map[string]*lockEntry),
		timeout: timeout,
	}
}

// Acquire blocks until the lock for key is granted or ctx is cancelled.
// The returned release function is idempotent and safe to defer; if the
// holder never calls it, the hold timer force-releases the lock and logs
// a warning.
func (m *Manager) Acquire(ctx context.Context, key string) (func(), error) {
	w := &waiter{ready: make(chan struct{})}

	m.mu.Lock()
	e := m.locks[key]
	if e == nil {
		e = &lockEntry{}
		m.locks[key] = e
	}
	e.queue = append(e.queue, w)
	if len(e.queue) == 1 {
		m.grantLocked(key, e)
	}
	m.mu.Unlock()

	select {
	case <-w.ready:
		return func() { m.release(key, w) }, nil
	case <-ctx.Done():
		m.abandon(key, w)
		return nil, ctx.Err()
	}
}

// grantLocked hands the lock to the head of the queue and arms the hold
// timer. Caller must hold m.mu.
func (m *Manager) grantLocked(key string, e *lockEntry) {
	holder := e.queue[0]
	close(holder.ready)
	e.timer = time.AfterFunc(m.timeout, func() {
		log.Printf("WARNING: instance lock timeout for %q, forcing release", key)
		m.release(key, holder)
	})
}

func (m *Manager) release(key string, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.released {
		return
	}
	w.released = true

	e := m.locks[key]
	if e == nil || len(e.queue) == 0 || e.queue[0] != w {
		// Already force-released; the late release is a no-op.
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.queue = e.queue[1:]
	if len(e.queue) == 0 {
		delete(m.locks, key)
		return
	}
	m.grantLocked(key, e)
}

// abandon removes a waiter that gave up before being granted. If the grant
// raced the cancellation, the lock is released instead so the queue keeps
// moving.
func (m *Manager) abandon(key string, w *waiter) {
	m.mu.Lock()
	e := m.locks[key]
	if e == nil {
		m.mu.Unlock()
		return
	}
	for i, q := range e.queue {
		if q != w {
			continue
		}
		if i == 0 {
			m.mu.Unlock()
			m.release(key, w)
			return
		}
		e.queue = append(e.queue[:i], e.queue[i+1:]...)
		break
	}
	m.mu.Unlock()
}

// QueueLen reports how many operations hold or wait on the key's lock.
func (m *Manager) QueueLen(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.locks[key]; e != nil {
		return len(e.queue)
	}
	return 0
}
