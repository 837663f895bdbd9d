// ABOUTME: Tests for the in-memory Store implementation
// ABOUTME: Verifies MemoryStore matches SQLiteStore semantics for CAS, heartbeats, and the lease

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CASConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.InsertAgent(ctx, testAgent("agent-1")))

	winner := testAgent("agent-1")
	winner.Status = StatusProvisioning
	winner.StatusVersion = 2
	require.NoError(t, store.CompareAndSwapAgent(ctx, winner, 1))

	loser := testAgent("agent-1")
	loser.Status = StatusProvisioning
	loser.StatusVersion = 2
	assert.ErrorIs(t, store.CompareAndSwapAgent(ctx, loser, 1), ErrConflict)

	ghost := testAgent("ghost")
	ghost.StatusVersion = 2
	assert.ErrorIs(t, store.CompareAndSwapAgent(ctx, ghost, 1), ErrNotFound)
}

func TestMemoryStore_ClonesOnReadAndWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	agent := testAgent("agent-1")
	require.NoError(t, store.InsertAgent(ctx, agent))

	// Mutating the caller's copy after insert must not leak into the store.
	agent.Name = "mutated"

	got, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "fix-flaky-tests", got.Name)

	// Mutating a read result must not leak either.
	got.Name = "mutated again"
	got2, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "fix-flaky-tests", got2.Name)
}

func TestMemoryStore_TouchHeartbeatOnlyWhileRunning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	running := testAgent("agent-running")
	running.Status = StatusRunning
	require.NoError(t, store.InsertAgent(ctx, running))

	stopped := testAgent("agent-stopped")
	stopped.Status = StatusStopped
	require.NoError(t, store.InsertAgent(ctx, stopped))

	ts := time.Now().UTC()
	require.NoError(t, store.TouchAgentHeartbeat(ctx, "agent-running", ts))
	require.NoError(t, store.TouchAgentHeartbeat(ctx, "agent-stopped", ts))
	require.NoError(t, store.TouchAgentHeartbeat(ctx, "ghost", ts))

	got, err := store.GetAgent(ctx, "agent-running")
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatAt)
	assert.True(t, got.LastHeartbeatAt.Equal(ts))

	got, err = store.GetAgent(ctx, "agent-stopped")
	require.NoError(t, err)
	assert.Nil(t, got.LastHeartbeatAt)
}

func TestMemoryStore_ListIdleAgents_Pagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		agent := testAgent(fmt.Sprintf("agent-%d", i))
		agent.Status = StatusRunning
		hb := now.Add(-time.Duration(50-i) * time.Minute)
		agent.LastHeartbeatAt = &hb
		require.NoError(t, store.InsertAgent(ctx, agent))
	}

	q := IdleQuery{
		Status:     StatusRunning,
		IdleBefore: now.Add(-10 * time.Minute),
		Limit:      2,
	}

	var collected []string
	for {
		page, err := store.ListIdleAgents(ctx, q)
		require.NoError(t, err)
		for _, a := range page.Agents {
			collected = append(collected, a.ID)
		}
		if !page.HasMore {
			break
		}
		q.Cursor = page.NextCursor
	}

	assert.Equal(t, []string{"agent-0", "agent-1", "agent-2", "agent-3", "agent-4"}, collected)
}

func TestMemoryStore_ReaperLease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	acquired, err := store.AcquireReaperLease(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = store.AcquireReaperLease(ctx, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, store.ReleaseReaperLease(ctx, "a"))

	acquired, err = store.AcquireReaperLease(ctx, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}
