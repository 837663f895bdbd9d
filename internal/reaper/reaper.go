// ABOUTME: Lease-guarded sweep that suspends and stops idle agents
// ABOUTME: Two thresholds over the heartbeat field, paginated with bounded fan-out

// Package reaper parks agents nobody is using. A sweep acquires the
// singleton lease, walks agents whose last heartbeat is past a threshold,
// and calls VM control then the lifecycle machine: running agents idle past
// the suspend threshold are suspended, suspended agents idle past the stop
// threshold are stopped. Overlapping sweeps are arbitrated by the lease;
// the loser reports itself skipped.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/paddock-run/paddock/internal/lifecycle"
	"github.com/paddock-run/paddock/internal/store"
	"github.com/paddock-run/paddock/internal/vmcontrol"
)

// TerminalInterrupter closes an agent's live terminal with a reason.
// Satisfied by the terminal broker; sessions get told why their agent is
// going away instead of watching the socket die.
type TerminalInterrupter interface {
	Interrupt(agentID, reason string)
}

type noopInterrupter struct{}

func (noopInterrupter) Interrupt(string, string) {}

// Config tunes the sweep. Zero values take defaults.
type Config struct {
	SuspendAfter time.Duration // idle time before a running agent is suspended
	StopAfter    time.Duration // idle time before a suspended agent is stopped
	StartupGrace time.Duration // freshly started agents are left alone this long
	LeaseTTL     time.Duration
	PageSize     int
	Concurrency  int // parallel VM operations per page
}

func (c Config) withDefaults() Config {
	if c.SuspendAfter <= 0 {
		c.SuspendAfter = 30 * time.Minute
	}
	if c.StopAfter <= 0 {
		c.StopAfter = 24 * time.Hour
	}
	if c.StartupGrace <= 0 {
		c.StartupGrace = 10 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Result summarizes one sweep. Suspended and Stopped list the IDs of the
// agents acted on, in no particular order.
type Result struct {
	Suspended []string `json:"suspended"`
	Stopped   []string `json:"stopped"`
	Skipped   bool     `json:"skipped,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// Reaper performs sweeps. Safe to share; each Run arbitrates through the
// store lease.
type Reaper struct {
	store   store.Store
	machine *lifecycle.Machine
	vms     vmcontrol.Controller
	term    TerminalInterrupter
	cfg     Config
	logger  *slog.Logger
	holder  string
	now     func() time.Time
}

func New(st store.Store, machine *lifecycle.Machine, vms vmcontrol.Controller, term TerminalInterrupter, cfg Config, logger *slog.Logger) *Reaper {
	if term == nil {
		term = noopInterrupter{}
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "reaper"
	}
	return &Reaper{
		store:   st,
		machine: machine,
		vms:     vms,
		term:    term,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "reaper"),
		holder:  fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		now:     time.Now,
	}
}

// Run performs one sweep. When another holder has the lease the sweep is
// skipped, which is the expected outcome for overlapping schedules, not an
// error.
func (r *Reaper) Run(ctx context.Context) (*Result, error) {
	acquired, err := r.store.AcquireReaperLease(ctx, r.holder, r.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquiring reaper lease: %w", err)
	}
	if !acquired {
		r.logger.Info("reaper lease held elsewhere, skipping sweep")
		return &Result{
			Suspended: []string{},
			Stopped:   []string{},
			Skipped:   true,
			Reason:    "lease held by another run",
		}, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rerr := r.store.ReleaseReaperLease(releaseCtx, r.holder); rerr != nil {
			r.logger.Warn("releasing reaper lease", "error", rerr)
		}
	}()

	now := r.now().UTC()
	result := &Result{Suspended: []string{}, Stopped: []string{}}

	result.Suspended, err = r.sweep(ctx, store.StatusRunning, now.Add(-r.cfg.SuspendAfter), r.suspendOne)
	if err != nil {
		return result, err
	}

	result.Stopped, err = r.sweep(ctx, store.StatusSuspended, now.Add(-r.cfg.StopAfter), r.stopOne)
	if err != nil {
		return result, err
	}

	r.logger.Info("reaper sweep finished",
		"suspended", len(result.Suspended), "stopped", len(result.Stopped))
	return result, nil
}

// sweep pages through idle agents in one status and applies act to each
// with bounded concurrency. act reports whether it reaped its agent;
// per-agent failures are its problem, only query errors abort the sweep.
func (r *Reaper) sweep(ctx context.Context, status store.Status, cutoff time.Time, act func(ctx context.Context, candidate *store.Agent, cutoff time.Time) bool) ([]string, error) {
	var mu sync.Mutex
	reaped := []string{}
	cursor := ""

	for {
		page, err := r.store.ListIdleAgents(ctx, store.IdleQuery{
			Status:     status,
			IdleBefore: cutoff,
			Cursor:     cursor,
			Limit:      r.cfg.PageSize,
		})
		if err != nil {
			return reaped, fmt.Errorf("listing idle %s agents: %w", status, err)
		}

		var g errgroup.Group
		g.SetLimit(r.cfg.Concurrency)
		for _, candidate := range page.Agents {
			g.Go(func() error {
				if act(ctx, candidate, cutoff) {
					mu.Lock()
					reaped = append(reaped, candidate.ID)
					mu.Unlock()
				}
				return nil
			})
		}
		g.Wait()

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	return reaped, nil
}

// suspendOne parks one idle running agent. The document is re-fetched
// first so a scan result that went stale (woke up, finished, was
// cancelled) is skipped instead of acted on.
func (r *Reaper) suspendOne(ctx context.Context, candidate *store.Agent, cutoff time.Time) bool {
	agent, err := r.store.GetAgent(ctx, candidate.ID)
	if err != nil {
		r.logger.Warn("re-fetching suspend candidate", "agent_id", candidate.ID, "error", err)
		return false
	}
	if agent.Status != store.StatusRunning {
		return false
	}
	if agent.LastHeartbeatAt == nil || !agent.LastHeartbeatAt.Before(cutoff) {
		return false
	}
	if agent.StartedAt != nil && r.now().UTC().Sub(*agent.StartedAt) < r.cfg.StartupGrace {
		return false
	}

	r.term.Interrupt(agent.ID, "suspending idle agent")

	ref := vmcontrol.InstanceRef{Name: agent.InstanceName, Zone: agent.InstanceZone}
	if err := r.vms.Suspend(ctx, ref); err != nil {
		r.logger.Warn("suspending idle VM", "agent_id", agent.ID, "instance", ref.String(), "error", err)
		return false
	}
	if _, err := r.machine.Transition(ctx, agent.ID, store.StatusRunning, store.StatusSuspended, lifecycle.TransitionMeta{}); err != nil {
		r.logger.Warn("recording suspend", "agent_id", agent.ID, "error", err)
		return false
	}

	r.logger.Info("suspended idle agent",
		"agent_id", agent.ID, "instance", ref.String(),
		"last_heartbeat_at", agent.LastHeartbeatAt)
	return true
}

// stopOne stops one long-suspended agent.
func (r *Reaper) stopOne(ctx context.Context, candidate *store.Agent, cutoff time.Time) bool {
	agent, err := r.store.GetAgent(ctx, candidate.ID)
	if err != nil {
		r.logger.Warn("re-fetching stop candidate", "agent_id", candidate.ID, "error", err)
		return false
	}
	if agent.Status != store.StatusSuspended {
		return false
	}
	if agent.LastHeartbeatAt == nil || !agent.LastHeartbeatAt.Before(cutoff) {
		return false
	}

	ref := vmcontrol.InstanceRef{Name: agent.InstanceName, Zone: agent.InstanceZone}
	if err := r.vms.Stop(ctx, ref); err != nil {
		r.logger.Warn("stopping suspended VM", "agent_id", agent.ID, "instance", ref.String(), "error", err)
		return false
	}
	if _, err := r.machine.Transition(ctx, agent.ID, store.StatusSuspended, store.StatusStopped, lifecycle.TransitionMeta{}); err != nil {
		r.logger.Warn("recording stop", "agent_id", agent.ID, "error", err)
		return false
	}

	r.logger.Info("stopped long-suspended agent",
		"agent_id", agent.ID, "instance", ref.String())
	return true
}
