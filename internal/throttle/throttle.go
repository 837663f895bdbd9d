// ABOUTME: Thread-safe keyed rate limiter with one-permit-per-window semantics.
// ABOUTME: Gates per-agent heartbeat writes so relay traffic can't flood the store.

package throttle

import (
	"container/list"
	"sync"
	"time"
)

// limiterEntry stores the last permit time and list element for a key.
type limiterEntry struct {
	grantedAt time.Time
	element   *list.Element
}

// Limiter grants at most one permit per key per window. It is size-limited:
// at capacity the least recently granted key is evicted, which at worst
// grants an extra permit for a chatty key, never drops one.
// Uses a doubly-linked list to maintain grant order for O(1) eviction.
type Limiter struct {
	mu      sync.Mutex
	granted map[string]*limiterEntry
	order   *list.List // keys in grant order (oldest at front)
	window  time.Duration
	maxKeys int
	done    chan struct{}
	closed  bool
	now     func() time.Time
}

// New creates a limiter with the given window and maximum tracked key count.
// A background goroutine periodically drops keys whose window has passed.
func New(window time.Duration, maxKeys int) *Limiter {
	l := &Limiter{
		granted: make(map[string]*limiterEntry),
		order:   list.New(),
		window:  window,
		maxKeys: maxKeys,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// Allow reports whether key gets a permit now. The first call in a window
// returns true and starts the window; every later call inside it returns
// false. Check and grant are a single critical section, so two concurrent
// callers can't both win.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.granted[key]
	if ok && l.now().Sub(entry.grantedAt) < l.window {
		return false
	}

	l.grantLocked(key)
	return true
}

// Forget drops the key's window so the next Allow succeeds immediately.
// Called when an agent's session ends; a fresh session should record its
// first heartbeat without waiting out a stale window.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.granted[key]; ok {
		l.order.Remove(entry.element)
		delete(l.granted, key)
	}
}

// grantLocked records a permit for key. Must be called with mu held.
func (l *Limiter) grantLocked(key string) {
	now := l.now()

	if entry, exists := l.granted[key]; exists {
		entry.grantedAt = now
		l.order.MoveToBack(entry.element)
		return
	}

	if len(l.granted) >= l.maxKeys {
		l.evictOldest()
	}

	elem := l.order.PushBack(key)
	l.granted[key] = &limiterEntry{
		grantedAt: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (l *Limiter) evictOldest() {
	front := l.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	l.order.Remove(front)
	delete(l.granted, key)
}

// cleanup runs in a background goroutine, dropping keys with lapsed windows.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runCleanup()
		case <-l.done:
			return
		}
	}
}

// runCleanup removes all entries whose window has passed.
func (l *Limiter) runCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, entry := range l.granted {
		if now.Sub(entry.grantedAt) > l.window {
			l.order.Remove(entry.element)
			delete(l.granted, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
