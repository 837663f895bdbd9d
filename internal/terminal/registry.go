// ABOUTME: Per-agent terminal entries and the registry that tracks them
// ABOUTME: One active browser session per agent, waiters queue for takeover

package terminal

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// agentEntry ties together everything terminal-shaped for one agent: the
// VM leg, the single active browser session, any sessions waiting to take
// over, the decoded output ring for replay, and the idle linger timer.
type agentEntry struct {
	agentID string
	logger  *slog.Logger

	// ctx governs the VM leg; cancel stops it with the entry.
	ctx    context.Context
	cancel context.CancelFunc

	up *upstream

	mu      sync.Mutex
	active  *session
	waiters []*session
	decoder StreamDecoder
	ring    *replayRing
	linger  *time.Timer
	closed  bool
}

// attach admits a browser session. If no session is active it becomes
// active immediately and gets a replay of recent output; otherwise it
// queues behind the current one, learns who holds the terminal, and is
// expired by onExpire if it never takes over.
func (e *agentEntry) attach(s *session, waitLimit time.Duration, onExpire func(*session)) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if e.linger != nil {
		e.linger.Stop()
		e.linger = nil
	}

	if e.active == nil {
		e.promoteLocked(s)
		e.mu.Unlock()
		return true
	}

	e.waiters = append(e.waiters, s)
	activeID := e.active.id
	s.waitTimer = time.AfterFunc(waitLimit, func() { onExpire(s) })
	e.mu.Unlock()

	s.sendControl(SessionActiveFrame{SessionID: activeID})
	return true
}

// promoteLocked makes s the active session and replays buffered output so
// its terminal picks up mid-stream. Callers hold e.mu and have already
// removed s from waiters.
func (e *agentEntry) promoteLocked(s *session) {
	if s.waitTimer != nil {
		s.waitTimer.Stop()
		s.waitTimer = nil
	}
	e.active = s
	s.sendControl(ConnectedFrame{SessionID: s.id})
	if snap := e.ring.snapshot(); len(snap) > 0 {
		s.sendControl(RestoreFrame{Data: snap})
	}
}

// takeover hands the terminal to a waiting session. The displaced session
// is told what happened and closed with the takeover code.
func (e *agentEntry) takeover(s *session) {
	e.mu.Lock()
	if e.closed || !e.removeWaiterLocked(s) {
		e.mu.Unlock()
		return
	}
	old := e.active
	e.promoteLocked(s)
	e.mu.Unlock()

	if old != nil {
		old.sendControl(SessionTakenOverFrame{})
		old.sendClose(CloseTakenOver, "session taken over")
	}
}

// detach removes a departing session. When the active one leaves, the
// oldest waiter is promoted; when nobody is left the linger timer starts
// so a quick reconnect finds the VM leg still warm.
func (e *agentEntry) detach(s *session, lingerAfter time.Duration, onLinger func()) {
	e.mu.Lock()
	if e.active == s {
		e.active = nil
		if len(e.waiters) > 0 {
			next := e.waiters[0]
			e.waiters = e.waiters[1:]
			e.promoteLocked(next)
		}
	} else {
		e.removeWaiterLocked(s)
	}

	if !e.closed && e.active == nil && len(e.waiters) == 0 {
		if e.linger != nil {
			e.linger.Stop()
		}
		e.linger = time.AfterFunc(lingerAfter, onLinger)
	}
	e.mu.Unlock()

	s.finish()
}

// removeWaiter drops s from the wait queue. Returns false if s had already
// been promoted or removed, which lets expiry race promotion safely.
func (e *agentEntry) removeWaiter(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeWaiterLocked(s)
}

func (e *agentEntry) removeWaiterLocked(s *session) bool {
	for i, w := range e.waiters {
		if w == s {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			if s.waitTimer != nil {
				s.waitTimer.Stop()
				s.waitTimer = nil
			}
			return true
		}
	}
	return false
}

func (e *agentEntry) isActive(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active == s
}

// broadcastControl sends a control frame to the active session and every
// waiter. Used for VM leg status notices.
func (e *agentEntry) broadcastControl(frame ControlFrame) {
	e.mu.Lock()
	sessions := e.sessionsLocked()
	e.mu.Unlock()

	for _, s := range sessions {
		s.sendControl(frame)
	}
}

// close tears the entry down: the VM leg drains, and every attached
// session receives an optional final frame followed by a close. Safe to
// call more than once.
func (e *agentEntry) close(final ControlFrame, code int, reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.linger != nil {
		e.linger.Stop()
		e.linger = nil
	}
	sessions := e.sessionsLocked()
	for _, s := range sessions {
		if s.waitTimer != nil {
			s.waitTimer.Stop()
			s.waitTimer = nil
		}
	}
	e.active = nil
	e.waiters = nil
	e.mu.Unlock()

	e.up.drain()
	e.cancel()

	for _, s := range sessions {
		if final != nil {
			s.sendControl(final)
		}
		s.sendClose(code, reason)
	}
}

func (e *agentEntry) sessionsLocked() []*session {
	sessions := make([]*session, 0, 1+len(e.waiters))
	if e.active != nil {
		sessions = append(sessions, e.active)
	}
	sessions = append(sessions, e.waiters...)
	return sessions
}

// registry maps agent IDs to live terminal entries.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*agentEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*agentEntry)}
}

// getOrCreate returns the agent's entry, building one via build if absent.
// The bool reports whether a new entry was created, so the caller knows to
// start its VM leg.
func (r *registry) getOrCreate(agentID string, build func() *agentEntry) (*agentEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[agentID]; ok {
		return e, false
	}
	e := build()
	r.entries[agentID] = e
	return e, true
}

func (r *registry) get(agentID string) (*agentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentID]
	return e, ok
}

// remove unregisters the entry only if it is still the one registered,
// so a teardown racing a fresh connection never evicts the newcomer.
func (r *registry) remove(agentID string, e *agentEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[agentID]; ok && cur == e {
		delete(r.entries, agentID)
	}
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry) all() []*agentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*agentEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return entries
}
