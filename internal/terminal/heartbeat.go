// ABOUTME: Throttled agent liveness marking driven by terminal output
// ABOUTME: At most one heartbeat write per agent per window, errors swallowed

package terminal

import (
	"context"
	"log/slog"
	"time"

	"github.com/paddock-run/paddock/internal/store"
	"github.com/paddock-run/paddock/internal/throttle"
)

// heartbeatKeys caps the limiter's tracked agents. Idle keys expire with
// the window, so this only bounds pathological churn.
const heartbeatKeys = 4096

// heartbeats records agent liveness from relayed VM output. The reaper
// reads these timestamps; nothing else keeps agents alive.
type heartbeats struct {
	store   store.Store
	limiter *throttle.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

func newHeartbeats(st store.Store, window time.Duration, logger *slog.Logger) *heartbeats {
	return &heartbeats{
		store:   st,
		limiter: throttle.New(window, heartbeatKeys),
		logger:  logger,
		now:     time.Now,
	}
}

// mark records one unit of terminal activity for the agent. Writes are
// coalesced to one per window, and failures are logged only; the relay
// path must not fail on them.
func (h *heartbeats) mark(ctx context.Context, agentID string) {
	if !h.limiter.Allow(agentID) {
		return
	}
	if err := h.store.TouchAgentHeartbeat(ctx, agentID, h.now().UTC()); err != nil {
		h.logger.Warn("heartbeat write failed", "agent_id", agentID, "error", err)
	}
}

// forget drops the agent's throttle state so a future reconnect writes
// immediately.
func (h *heartbeats) forget(agentID string) {
	h.limiter.Forget(agentID)
}

func (h *heartbeats) close() {
	h.limiter.Close()
}
