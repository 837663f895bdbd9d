// ABOUTME: Tests for the idle-agent sweep
// ABOUTME: Covers thresholds, startup grace, lease overlap, pagination, and stale scans

package reaper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock-run/paddock/internal/lifecycle"
	"github.com/paddock-run/paddock/internal/store"
	"github.com/paddock-run/paddock/internal/vmcontrol"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeInterrupter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeInterrupter) Interrupt(agentID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, agentID+": "+reason)
}

func (f *fakeInterrupter) interrupted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type reaperHarness struct {
	store  *store.MemoryStore
	vms    *vmcontrol.Fake
	term   *fakeInterrupter
	reaper *Reaper
	base   time.Time
}

func newReaperHarness(t *testing.T, mutate func(*Config)) *reaperHarness {
	t.Helper()

	st := store.NewMemoryStore()
	vms := vmcontrol.NewFake()
	term := &fakeInterrupter{}

	cfg := Config{
		SuspendAfter: 30 * time.Minute,
		StopAfter:    24 * time.Hour,
		StartupGrace: 10 * time.Minute,
		LeaseTTL:     time.Minute,
		PageSize:     2,
		Concurrency:  2,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	machine := lifecycle.NewMachine(st, testLogger())
	r := New(st, machine, vms, term, cfg, testLogger())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	return &reaperHarness{store: st, vms: vms, term: term, reaper: r, base: base}
}

// seedAgent inserts an agent whose last heartbeat is idleFor in the past
// and whose startedAt is runningFor in the past, and registers its VM.
func (h *reaperHarness) seedAgent(t *testing.T, id string, status store.Status, idleFor, runningFor time.Duration) *store.Agent {
	t.Helper()

	heartbeat := h.base.Add(-idleFor)
	started := h.base.Add(-runningFor)
	agent := &store.Agent{
		ID:              id,
		OwnerID:         "owner-1",
		Name:            "agent " + id,
		Repo:            "git@example.com:org/repo.git",
		Status:          status,
		InstanceName:    "agent-" + id,
		InstanceZone:    "eu-west3-a",
		CreatedAt:       started,
		UpdatedAt:       heartbeat,
		StartedAt:       &started,
		LastHeartbeatAt: &heartbeat,
	}
	require.NoError(t, h.store.InsertAgent(context.Background(), agent))

	state := vmcontrol.PowerRunning
	if status == store.StatusSuspended {
		state = vmcontrol.PowerSuspended
	}
	h.vms.AddInstance(vmcontrol.InstanceRef{Name: agent.InstanceName, Zone: agent.InstanceZone}, state, "10.0.0.9:7681")
	return agent
}

func (h *reaperHarness) agentStatus(t *testing.T, id string) (store.Status, int64) {
	t.Helper()
	agent, err := h.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return agent.Status, agent.StatusVersion
}

func TestReaper_SuspendsIdleRunning(t *testing.T) {
	h := newReaperHarness(t, nil)
	h.seedAgent(t, "idle", store.StatusRunning, 31*time.Minute, 2*time.Hour)
	h.seedAgent(t, "busy", store.StatusRunning, 29*time.Minute, 2*time.Hour)

	res, err := h.reaper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, res.Suspended)
	assert.Empty(t, res.Stopped)
	assert.False(t, res.Skipped)

	status, version := h.agentStatus(t, "idle")
	assert.Equal(t, store.StatusSuspended, status)
	assert.Equal(t, int64(2), version)

	suspended, err := h.store.GetAgent(context.Background(), "idle")
	require.NoError(t, err)
	assert.NotNil(t, suspended.SuspendedAt)

	status, version = h.agentStatus(t, "busy")
	assert.Equal(t, store.StatusRunning, status)
	assert.Equal(t, int64(1), version)

	assert.Contains(t, h.vms.Calls(), "suspend eu-west3-a/agent-idle")
	assert.Equal(t, []string{"idle: suspending idle agent"}, h.term.interrupted())
}

func TestReaper_GraceExemptsFreshlyStarted(t *testing.T) {
	h := newReaperHarness(t, nil)
	// Heartbeat is stale from before a resume, but the agent restarted
	// five minutes ago: the grace window protects it.
	h.seedAgent(t, "fresh", store.StatusRunning, 45*time.Minute, 5*time.Minute)

	res, err := h.reaper.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Suspended)

	status, _ := h.agentStatus(t, "fresh")
	assert.Equal(t, store.StatusRunning, status)
	assert.Empty(t, h.term.interrupted())
	assert.NotContains(t, h.vms.Calls(), "suspend eu-west3-a/agent-fresh")
}

func TestReaper_StopsLongSuspended(t *testing.T) {
	h := newReaperHarness(t, nil)
	h.seedAgent(t, "cold", store.StatusSuspended, 25*time.Hour, 26*time.Hour)
	h.seedAgent(t, "warm", store.StatusSuspended, 2*time.Hour, 3*time.Hour)

	res, err := h.reaper.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Suspended)
	assert.Equal(t, []string{"cold"}, res.Stopped)

	status, version := h.agentStatus(t, "cold")
	assert.Equal(t, store.StatusStopped, status)
	assert.Equal(t, int64(2), version)

	stopped, err := h.store.GetAgent(context.Background(), "cold")
	require.NoError(t, err)
	assert.NotNil(t, stopped.StoppedAt)

	status, _ = h.agentStatus(t, "warm")
	assert.Equal(t, store.StatusSuspended, status)

	assert.Contains(t, h.vms.Calls(), "stop eu-west3-a/agent-cold")
	assert.NotContains(t, h.vms.Calls(), "stop eu-west3-a/agent-warm")
}

func TestReaper_OverlappingRunSkips(t *testing.T) {
	ctx := context.Background()
	h := newReaperHarness(t, nil)
	h.seedAgent(t, "idle", store.StatusRunning, 31*time.Minute, 2*time.Hour)

	acquired, err := h.store.AcquireReaperLease(ctx, "another-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	res, err := h.reaper.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.NotEmpty(t, res.Reason)
	assert.Empty(t, res.Suspended)
	assert.Empty(t, res.Stopped)

	status, _ := h.agentStatus(t, "idle")
	assert.Equal(t, store.StatusRunning, status)
	assert.Empty(t, h.vms.Calls())
}

func TestReaper_ReleasesLeaseBetweenRuns(t *testing.T) {
	ctx := context.Background()
	h := newReaperHarness(t, nil)
	h.seedAgent(t, "idle", store.StatusRunning, 31*time.Minute, 2*time.Hour)

	res, err := h.reaper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, res.Suspended)

	// The second sweep acquires the released lease; the agent is now
	// suspended and nowhere near the stop threshold.
	res, err = h.reaper.Run(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Empty(t, res.Suspended)
	assert.Empty(t, res.Stopped)
}

func TestReaper_PaginatesAllPages(t *testing.T) {
	h := newReaperHarness(t, nil) // page size 2
	ids := []string{"p1", "p2", "p3", "p4", "p5"}
	for i, id := range ids {
		h.seedAgent(t, id, store.StatusRunning, 31*time.Minute+time.Duration(i)*time.Minute, 2*time.Hour)
	}

	res, err := h.reaper.Run(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, res.Suspended)

	for _, id := range ids {
		status, _ := h.agentStatus(t, id)
		assert.Equal(t, store.StatusSuspended, status, "agent %s", id)
	}
}

func TestReaper_VMFailureDoesNotAbortBatch(t *testing.T) {
	h := newReaperHarness(t, nil)
	ghost := h.seedAgent(t, "ghost", store.StatusRunning, 40*time.Minute, 2*time.Hour)
	h.seedAgent(t, "ok", store.StatusRunning, 35*time.Minute, 2*time.Hour)

	// ghost's VM is gone; its suspend fails and is logged, the batch
	// carries on.
	h.vms.RemoveInstance(vmcontrol.InstanceRef{Name: ghost.InstanceName, Zone: ghost.InstanceZone})

	res, err := h.reaper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, res.Suspended)

	status, _ := h.agentStatus(t, "ghost")
	assert.Equal(t, store.StatusRunning, status)
	status, _ = h.agentStatus(t, "ok")
	assert.Equal(t, store.StatusSuspended, status)
}

// staleListStore returns a scripted first page for running agents, standing
// in for a scan result that went stale between listing and acting.
type staleListStore struct {
	*store.MemoryStore
	page *store.IdlePage
}

func (s *staleListStore) ListIdleAgents(ctx context.Context, q store.IdleQuery) (*store.IdlePage, error) {
	if q.Status == store.StatusRunning && s.page != nil {
		page := s.page
		s.page = nil
		return page, nil
	}
	return s.MemoryStore.ListIdleAgents(ctx, q)
}

func TestReaper_RefetchSkipsStaleScanResults(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	heartbeat := base.Add(-45 * time.Minute)
	started := base.Add(-2 * time.Hour)

	mem := store.NewMemoryStore()
	agent := &store.Agent{
		ID:              "stale",
		OwnerID:         "owner-1",
		Name:            "stale agent",
		Repo:            "git@example.com:org/repo.git",
		Status:          store.StatusCancelled,
		InstanceName:    "agent-stale",
		InstanceZone:    "eu-west3-a",
		CreatedAt:       started,
		UpdatedAt:       heartbeat,
		StartedAt:       &started,
		LastHeartbeatAt: &heartbeat,
	}
	require.NoError(t, mem.InsertAgent(ctx, agent))

	// The scan page still shows the agent as running.
	staleCopy := agent.Clone()
	staleCopy.Status = store.StatusRunning
	st := &staleListStore{MemoryStore: mem, page: &store.IdlePage{Agents: []*store.Agent{staleCopy}}}

	vms := vmcontrol.NewFake()
	r := New(st, lifecycle.NewMachine(st, testLogger()), vms, nil, Config{
		SuspendAfter: 30 * time.Minute,
		StopAfter:    24 * time.Hour,
		StartupGrace: 10 * time.Minute,
	}, testLogger())
	r.now = func() time.Time { return base }

	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Suspended)
	assert.Empty(t, vms.Calls())

	got, err := mem.GetAgent(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.Equal(t, int64(1), got.StatusVersion)
}
