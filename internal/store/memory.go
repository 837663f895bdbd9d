// ABOUTME: In-memory Store implementation for testing
// ABOUTME: Mirrors SQLiteStore semantics (CAS, heartbeat rules, lease) without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation for testing.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent // keyed by agent ID
	lease  *ReaperLease
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*Agent),
	}
}

// InsertAgent stores a new agent with status_version forced to 1.
func (m *MemoryStore) InsertAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.ID]; ok {
		return ErrDuplicateAgent
	}

	agent.StatusVersion = 1
	m.agents[agent.ID] = agent.Clone()
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// ListAgentsByOwner retrieves agents owned by or shared with userID,
// newest first.
func (m *MemoryStore) ListAgentsByOwner(ctx context.Context, userID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var agents []*Agent
	for _, a := range m.agents {
		if a.OwnerID == userID || a.SharedWithUser(userID) {
			agents = append(agents, a.Clone())
		}
	}

	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].CreatedAt.After(agents[j].CreatedAt)
		}
		return agents[i].ID > agents[j].ID
	})

	return agents, nil
}

// DeleteAgent removes an agent document.
func (m *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

// CompareAndSwapAgent writes the document only when the stored version
// matches expectVersion.
func (m *MemoryStore) CompareAndSwapAgent(ctx context.Context, agent *Agent, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.agents[agent.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.StatusVersion != expectVersion {
		return ErrConflict
	}

	m.agents[agent.ID] = agent.Clone()
	return nil
}

// TouchAgentHeartbeat records liveness for a running agent. Non-running or
// missing agents are silently skipped.
func (m *MemoryStore) TouchAgentHeartbeat(ctx context.Context, id string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok || a.Status != StatusRunning {
		return nil
	}

	ts := t.UTC()
	a.LastHeartbeatAt = &ts
	return nil
}

// MergeAgentRuntimeFields applies a partial update without touching status
// or status_version.
func (m *MemoryStore) MergeAgentRuntimeFields(ctx context.Context, id string, fields RuntimeFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}

	if fields.TerminalReady != nil {
		a.TerminalReady = *fields.TerminalReady
	}
	if fields.CloneStatus != nil {
		a.CloneStatus = *fields.CloneStatus
	}
	if fields.CloneError != nil {
		a.CloneError = *fields.CloneError
	}
	if fields.ErrorMessage != nil {
		a.ErrorMessage = *fields.ErrorMessage
	}
	if fields.LastHeartbeatAt != nil {
		ts := fields.LastHeartbeatAt.UTC()
		a.LastHeartbeatAt = &ts
	}
	a.UpdatedAt = time.Now().UTC()

	return nil
}

// ListIdleAgents returns one page of idle agents, stalest first, using the
// same (last_heartbeat_at, id) keyset cursor as the SQLite implementation.
func (m *MemoryStore) ListIdleAgents(ctx context.Context, q IdleQuery) (*IdlePage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var afterTS time.Time
	var afterID string
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		afterTS, afterID = ts, id
	}

	m.mu.RLock()
	var candidates []*Agent
	for _, a := range m.agents {
		if a.Status != q.Status || a.LastHeartbeatAt == nil {
			continue
		}
		if !a.LastHeartbeatAt.Before(q.IdleBefore) {
			continue
		}
		if q.Cursor != "" {
			hb := *a.LastHeartbeatAt
			if hb.Before(afterTS) || (hb.Equal(afterTS) && a.ID <= afterID) {
				continue
			}
		}
		candidates = append(candidates, a.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := *candidates[i].LastHeartbeatAt, *candidates[j].LastHeartbeatAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return candidates[i].ID < candidates[j].ID
	})

	page := &IdlePage{}
	if len(candidates) > limit {
		candidates = candidates[:limit]
		page.HasMore = true
		last := candidates[len(candidates)-1]
		page.NextCursor = encodeCursor(*last.LastHeartbeatAt, last.ID)
	}
	page.Agents = candidates

	return page, nil
}

// AcquireReaperLease takes the lease when absent or expired.
func (m *MemoryStore) AcquireReaperLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if m.lease != nil && m.lease.ExpiresAt.After(now) {
		return false, nil
	}

	m.lease = &ReaperLease{
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return true, nil
}

// ReleaseReaperLease drops the lease if holder still owns it.
func (m *MemoryStore) ReleaseReaperLease(ctx context.Context, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lease != nil && m.lease.Holder == holder {
		m.lease = nil
	}
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
