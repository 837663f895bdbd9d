// ABOUTME: Agent lifecycle state machine with optimistic concurrency control
// ABOUTME: Owns the transition graph and the timestamp stamping rules for every edge

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paddock-run/paddock/internal/store"
)

var (
	// ErrInvalidTransition is returned when the requested edge is not in
	// the transition graph, including every edge out of a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInstanceImmutable is returned when a transition tries to change an
	// instance identity that has already been recorded.
	ErrInstanceImmutable = errors.New("instance identity is immutable")
)

// transitions is the full graph of allowed status changes. Terminal
// statuses (completed, failed, cancelled) have no outgoing edges and are
// deliberately absent.
var transitions = map[store.Status]map[store.Status]struct{}{
	store.StatusPending: {
		store.StatusProvisioning: {},
	},
	store.StatusProvisioning: {
		store.StatusRunning: {},
		store.StatusFailed:  {},
	},
	store.StatusRunning: {
		store.StatusSuspended: {},
		store.StatusStopped:   {},
		store.StatusCompleted: {},
		store.StatusFailed:    {},
		store.StatusCancelled: {},
	},
	store.StatusSuspended: {
		store.StatusRunning:   {},
		store.StatusStopped:   {},
		store.StatusCancelled: {},
	},
	store.StatusStopped: {
		store.StatusRunning:   {},
		store.StatusCancelled: {},
	},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to store.Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether s has no outgoing edges.
func IsTerminal(s store.Status) bool {
	if !s.Valid() {
		return false
	}
	_, ok := transitions[s]
	return !ok
}

// IsActive reports whether the agent still has a VM worth talking to.
func IsActive(s store.Status) bool {
	switch s {
	case store.StatusProvisioning, store.StatusRunning, store.StatusSuspended, store.StatusStopped:
		return true
	}
	return false
}

// ValidSuccessors returns the statuses reachable from s in one step.
func ValidSuccessors(s store.Status) []store.Status {
	next, ok := transitions[s]
	if !ok {
		return nil
	}
	out := make([]store.Status, 0, len(next))
	for _, candidate := range []store.Status{
		store.StatusProvisioning,
		store.StatusRunning,
		store.StatusSuspended,
		store.StatusStopped,
		store.StatusCompleted,
		store.StatusFailed,
		store.StatusCancelled,
	} {
		if _, ok := next[candidate]; ok {
			out = append(out, candidate)
		}
	}
	return out
}

// TransitionMeta carries the metadata merged into the document during a
// transition. Zero values are ignored.
type TransitionMeta struct {
	// InstanceName and InstanceZone may be set once, during provisioning.
	// Attempting to change a recorded identity fails the transition.
	InstanceName string
	InstanceZone string

	// ErrorMessage is recorded when transitioning to failed.
	ErrorMessage string
}

// Machine executes status transitions against the store using optimistic
// concurrency. It never retries: a Conflict means the caller's view of the
// world is stale and the caller decides what to do about that.
type Machine struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewMachine creates a lifecycle machine backed by st.
func NewMachine(st store.Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:  st,
		logger: logger.With("component", "lifecycle"),
		now:    time.Now,
	}
}

// Transition atomically moves an agent from one status to another.
//
// It fails with store.ErrNotFound if the agent doesn't exist, with
// store.ErrConflict if the persisted status is not `from` (or another
// writer wins the version race), and with ErrInvalidTransition if the edge
// is not in the graph. On success the returned document reflects the new
// status with StatusVersion incremented by exactly one.
//
// Callers are expected to perform the corresponding VM operation first and
// record the outcome here; the machine itself never talks to VMs.
func (m *Machine) Transition(ctx context.Context, agentID string, from, to store.Status, meta TransitionMeta) (*store.Agent, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", agentID, err)
	}

	if agent.Status != from {
		return nil, fmt.Errorf("agent %s is %s, caller expected %s: %w",
			agentID, agent.Status, from, store.ErrConflict)
	}

	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}

	if err := applyInstanceIdentity(agent, meta); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	expectVersion := agent.StatusVersion

	agent.Status = to
	agent.StatusVersion = expectVersion + 1
	agent.UpdatedAt = now
	m.stamp(agent, to, now, meta)

	if err := m.store.CompareAndSwapAgent(ctx, agent, expectVersion); err != nil {
		return nil, fmt.Errorf("recording %s -> %s for agent %s: %w", from, to, agentID, err)
	}

	m.logger.Info("agent transitioned",
		"agent_id", agentID,
		"from", from,
		"to", to,
		"version", agent.StatusVersion)

	return agent, nil
}

// stamp sets the timestamp and metadata fields specific to the target
// status.
func (m *Machine) stamp(agent *store.Agent, to store.Status, now time.Time, meta TransitionMeta) {
	switch to {
	case store.StatusRunning:
		// Entering running restarts the clock: a resume gets a fresh
		// grace window and a seeded heartbeat, same as a first boot.
		agent.StartedAt = &now
		agent.LastHeartbeatAt = &now
	case store.StatusSuspended:
		agent.SuspendedAt = &now
	case store.StatusStopped:
		agent.StoppedAt = &now
	case store.StatusCompleted, store.StatusCancelled:
		agent.FinishedAt = &now
	case store.StatusFailed:
		agent.FinishedAt = &now
		if meta.ErrorMessage != "" {
			agent.ErrorMessage = meta.ErrorMessage
		}
	}
}

func applyInstanceIdentity(agent *store.Agent, meta TransitionMeta) error {
	if meta.InstanceName != "" {
		if agent.InstanceName != "" && agent.InstanceName != meta.InstanceName {
			return fmt.Errorf("agent %s already bound to instance %s: %w",
				agent.ID, agent.InstanceName, ErrInstanceImmutable)
		}
		agent.InstanceName = meta.InstanceName
	}
	if meta.InstanceZone != "" {
		if agent.InstanceZone != "" && agent.InstanceZone != meta.InstanceZone {
			return fmt.Errorf("agent %s already bound to zone %s: %w",
				agent.ID, agent.InstanceZone, ErrInstanceImmutable)
		}
		agent.InstanceZone = meta.InstanceZone
	}
	return nil
}
