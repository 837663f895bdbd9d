// ABOUTME: Terminal broker bridging browser WebSockets to agent VM terminals
// ABOUTME: Owns admission, takeover arbitration, heartbeats, and VM leg lifecycle

package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paddock-run/paddock/internal/lifecycle"
	"github.com/paddock-run/paddock/internal/store"
	"github.com/paddock-run/paddock/internal/vmcontrol"
)

// Authenticator resolves the requesting user from an upgrade request.
// Implemented by the auth package's token verifier.
type Authenticator interface {
	UserFromRequest(r *http.Request) (string, error)
}

// Config tunes the broker. Zero values take defaults.
type Config struct {
	// AllowedOrigins is the exact-match Origin allowlist for browser
	// upgrades. Requests without an Origin header are rejected.
	AllowedOrigins []string

	HeartbeatWindow time.Duration // min spacing between persisted heartbeats per agent
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ReadLimit       int64

	MaxDialAttempts int           // VM dial attempts per connect cycle
	InitialBackoff  time.Duration // first redial delay
	MaxBackoff      time.Duration

	WaiterTimeout    time.Duration // how long a queued session may wait to take over
	LingerTimeout    time.Duration // how long the VM leg survives the last browser
	ReplayBufferSize int           // bytes of decoded output kept for session restore
}

func (c Config) withDefaults() Config {
	if c.HeartbeatWindow <= 0 {
		c.HeartbeatWindow = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 256 * 1024
	}
	if c.MaxDialAttempts <= 0 {
		c.MaxDialAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.WaiterTimeout <= 0 {
		c.WaiterTimeout = 60 * time.Second
	}
	if c.LingerTimeout <= 0 {
		c.LingerTimeout = 2 * time.Minute
	}
	if c.ReplayBufferSize <= 0 {
		c.ReplayBufferSize = 128 * 1024
	}
	return c
}

// Broker terminates browser terminal connections and relays them to agent
// VMs. At most one browser session per agent holds the terminal at a time;
// later arrivals wait and may take it over.
type Broker struct {
	store   store.Store
	machine *lifecycle.Machine
	vms     vmcontrol.Controller
	auth    Authenticator
	cfg     Config
	logger  *slog.Logger

	upgrader websocket.Upgrader
	reg      *registry
	hb       *heartbeats
	dialer   Dialer
}

func New(st store.Store, machine *lifecycle.Machine, vms vmcontrol.Controller, auth Authenticator, cfg Config, logger *slog.Logger) *Broker {
	cfg = cfg.withDefaults()
	b := &Broker{
		store:   st,
		machine: machine,
		vms:     vms,
		auth:    auth,
		cfg:     cfg,
		logger:  logger.With("component", "terminal"),
		reg:     newRegistry(),
		hb:      newHeartbeats(st, cfg.HeartbeatWindow, logger.With("component", "terminal")),
		dialer:  wsDialer{handshakeTimeout: 10 * time.Second},
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     b.checkOrigin,
	}
	return b
}

// checkOrigin enforces the exact-match allowlist. A missing Origin header
// fails: browsers always send one, so its absence means a non-browser
// client that should be using the API instead.
func (b *Broker) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// HandleTerminal is the GET /api/agents/{id}/terminal upgrade handler.
// Authorization failures after the upgrade are reported as WebSocket close
// codes so the browser can distinguish them; origin failures are rejected
// before the upgrade with a plain 403.
func (b *Broker) HandleTerminal(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (403 for origin rejections).
		b.logger.Debug("terminal upgrade rejected", "agent_id", agentID, "error", err)
		return
	}

	userID, err := b.auth.UserFromRequest(r)
	if err != nil {
		b.refuse(conn, CloseUnauthorized, "authentication required")
		return
	}

	agent, err := b.store.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			b.refuse(conn, CloseAgentNotFound, "agent not found")
			return
		}
		b.logger.Error("loading agent for terminal", "agent_id", agentID, "error", err)
		b.refuse(conn, CloseInternalError, "internal error")
		return
	}

	if agent.OwnerID != userID && !agent.SharedWithUser(userID) {
		b.refuse(conn, CloseForbidden, "access denied")
		return
	}

	switch {
	case lifecycle.IsTerminal(agent.Status):
		b.refuseWithError(conn, fmt.Sprintf("agent is %s", agent.Status), CloseBadAgentState)
		return
	case agent.Status == store.StatusSuspended || agent.Status == store.StatusStopped:
		resumed, rerr := b.resumeAgent(r.Context(), agent)
		if rerr != nil {
			b.logger.Error("resuming agent for terminal",
				"agent_id", agentID, "status", agent.Status, "error", rerr)
			b.refuseWithError(conn, "failed to resume agent", CloseTerminalNotReady)
			return
		}
		agent = resumed
	case agent.Status != store.StatusRunning:
		b.refuseWithError(conn, fmt.Sprintf("agent is %s", agent.Status), CloseBadAgentState)
		return
	}

	if !agent.TerminalReady {
		b.refuseWithError(conn, "terminal not ready", CloseTerminalNotReady)
		return
	}

	sess := newSession(agentID, userID, conn, b.cfg.WriteTimeout, b.logger)

	var entry *agentEntry
	for attempt := 0; attempt < 2 && entry == nil; attempt++ {
		e, created := b.reg.getOrCreate(agentID, func() *agentEntry { return b.newEntry(agent) })
		if created {
			e.up.start(e.ctx)
		}
		if e.attach(sess, b.cfg.WaiterTimeout, func(w *session) { b.expireWaiter(e, w) }) {
			entry = e
			break
		}
		// Entry was mid-teardown; unregister it and build a fresh one.
		b.reg.remove(agentID, e)
	}
	if entry == nil {
		sess.sendClose(CloseInternalError, "terminal unavailable")
		return
	}

	b.logger.Info("terminal session opened",
		"agent_id", agentID, "user_id", userID, "session_id", sess.id)

	b.readBrowser(entry, sess)
}

// refuse closes a just-upgraded connection with a close code, before any
// session machinery exists for it.
func (b *Broker) refuse(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(b.cfg.WriteTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, deadline)
	conn.Close()
}

// refuseWithError sends an error frame so the browser has a message to
// show, then closes with the code.
func (b *Broker) refuseWithError(conn *websocket.Conn, message string, code int) {
	if data, err := MarshalFrame(ErrorFrame{Message: message}); err == nil {
		conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		conn.WriteMessage(websocket.TextMessage, data)
	}
	b.refuse(conn, code, message)
}

// resumeAgent wakes a suspended or stopped agent's VM and records the
// transition back to running. If another actor won the race and the agent
// is already running, that counts as success.
func (b *Broker) resumeAgent(ctx context.Context, agent *store.Agent) (*store.Agent, error) {
	ref := vmcontrol.InstanceRef{Name: agent.InstanceName, Zone: agent.InstanceZone}

	var err error
	switch agent.Status {
	case store.StatusSuspended:
		err = b.vms.Resume(ctx, ref)
	case store.StatusStopped:
		err = b.vms.Start(ctx, ref)
	default:
		return nil, fmt.Errorf("agent is %s, not resumable", agent.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("waking VM %s: %w", ref, err)
	}

	updated, err := b.machine.Transition(ctx, agent.ID, agent.Status, store.StatusRunning, lifecycle.TransitionMeta{})
	if err == nil {
		return updated, nil
	}
	if errors.Is(err, store.ErrConflict) || errors.Is(err, lifecycle.ErrInvalidTransition) {
		current, gerr := b.store.GetAgent(ctx, agent.ID)
		if gerr == nil && current.Status == store.StatusRunning {
			return current, nil
		}
	}
	return nil, fmt.Errorf("recording resume transition: %w", err)
}

// newEntry builds the per-agent entry and its VM leg. The leg is started
// by the caller once the entry is registered.
func (b *Broker) newEntry(agent *store.Agent) *agentEntry {
	ctx, cancel := context.WithCancel(context.Background())
	e := &agentEntry{
		agentID: agent.ID,
		logger:  b.logger.With("agent_id", agent.ID),
		ctx:     ctx,
		cancel:  cancel,
		ring:    newReplayRing(b.cfg.ReplayBufferSize),
	}

	ref := vmcontrol.InstanceRef{Name: agent.InstanceName, Zone: agent.InstanceZone}
	resolve := func(ctx context.Context) (string, error) {
		return b.resolveVMAddress(ctx, ref)
	}
	hooks := upstreamHooks{
		onOutput: func(p []byte) { b.relayOutput(e, p) },
		onExit:   func(code int) { b.handleAgentExit(e, code) },
		onReconnecting: func(attempt int) {
			// The dropped connection never re-delivers the tail of a split
			// rune; flush it so the replay ring stays valid UTF-8.
			e.mu.Lock()
			if tail := e.decoder.Flush(); tail != "" {
				e.ring.append(tail)
			}
			e.mu.Unlock()
			e.broadcastControl(VMReconnectingFrame{Attempt: attempt})
		},
		onGaveUp: func(err error) { b.handleUpstreamLost(e, ref, err) },
	}
	e.up = newUpstream(agent.ID, resolve, b.dialer, upstreamConfig{
		pingInterval:   b.cfg.PingInterval,
		writeTimeout:   b.cfg.WriteTimeout,
		readLimit:      b.cfg.ReadLimit,
		maxAttempts:    b.cfg.MaxDialAttempts,
		initialBackoff: b.cfg.InitialBackoff,
		maxBackoff:     b.cfg.MaxBackoff,
	}, hooks, e.logger)
	return e
}

// resolveVMAddress looks up the instance's address at connect time. The
// address is intentionally never cached: suspend/resume cycles hand VMs
// new addresses, and a stale one would dial someone else's instance.
func (b *Broker) resolveVMAddress(ctx context.Context, ref vmcontrol.InstanceRef) (string, error) {
	inst, err := b.vms.Describe(ctx, ref)
	if err != nil {
		return "", err
	}
	if inst.State != vmcontrol.PowerRunning {
		return "", fmt.Errorf("instance %s is %s: %w", ref, inst.State, vmcontrol.ErrUnavailable)
	}
	if inst.Address == "" {
		return "", fmt.Errorf("instance %s has no address: %w", ref, vmcontrol.ErrUnavailable)
	}
	return inst.Address, nil
}

// relayOutput fans VM output to the active session, feeds the replay ring,
// and marks agent liveness.
func (b *Broker) relayOutput(e *agentEntry, p []byte) {
	e.mu.Lock()
	decoded := e.decoder.Decode(p)
	e.ring.append(decoded)
	active := e.active
	e.mu.Unlock()

	if active != nil {
		active.sendBinary(p)
	}
	b.hb.mark(e.ctx, e.agentID)
}

// handleAgentExit finishes an agent whose VM reported a clean exit.
func (b *Broker) handleAgentExit(e *agentEntry, code int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.logger.Info("agent exited", "exit_code", code)
	_, err := b.machine.Transition(ctx, e.agentID, store.StatusRunning, store.StatusCompleted, lifecycle.TransitionMeta{})
	if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, lifecycle.ErrInvalidTransition) {
		e.logger.Error("recording agent completion", "error", err)
	}

	b.teardown(e, ExitFrame{Code: code}, CloseNormal, "agent exited")
}

// handleUpstreamLost runs when the VM leg exhausted its reconnect budget.
// The instance is re-checked through VM control: if it no longer exists
// the agent is failed, otherwise the sessions are just dropped and the
// browser can retry.
func (b *Broker) handleUpstreamLost(e *agentEntry, ref vmcontrol.InstanceRef, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	gone := errors.Is(cause, vmcontrol.ErrInstanceNotFound)
	if !gone {
		if _, derr := b.vms.Describe(ctx, ref); errors.Is(derr, vmcontrol.ErrInstanceNotFound) {
			gone = true
		}
	}

	if gone {
		e.logger.Warn("VM instance gone, failing agent", "instance", ref.String())
		_, err := b.machine.Transition(ctx, e.agentID, store.StatusRunning, store.StatusFailed,
			lifecycle.TransitionMeta{ErrorMessage: "instance terminated"})
		if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, lifecycle.ErrInvalidTransition) {
			e.logger.Error("recording agent failure", "error", err)
		}
		b.teardown(e, ErrorFrame{Message: "VM instance no longer exists"}, CloseVMUnreachable, "vm unreachable")
		return
	}

	e.logger.Warn("VM leg unrecoverable", "error", cause)
	b.teardown(e, ErrorFrame{Message: "lost connection to VM"}, CloseVMUnreachable, "vm unreachable")
}

// teardown closes the entry and forgets all its broker-side state.
func (b *Broker) teardown(e *agentEntry, final ControlFrame, code int, reason string) {
	e.close(final, code, reason)
	b.reg.remove(e.agentID, e)
	b.hb.forget(e.agentID)
}

// expireWaiter fires when a queued session's takeover window lapses.
func (b *Broker) expireWaiter(e *agentEntry, s *session) {
	if !e.removeWaiter(s) {
		return
	}
	s.sendControl(ErrorFrame{Message: "another session is still active"})
	s.sendClose(CloseNormal, "takeover window expired")
}

// retireIdle fires when the linger window after the last browser detach
// lapses. State is re-checked under the lock: a reconnect may have landed
// while the timer was in flight.
func (b *Broker) retireIdle(e *agentEntry) {
	e.mu.Lock()
	if e.closed || e.active != nil || len(e.waiters) > 0 {
		e.mu.Unlock()
		return
	}
	e.linger = nil
	e.mu.Unlock()

	e.logger.Info("terminal idle, releasing VM leg")
	b.teardown(e, nil, CloseNormal, "idle")
}

// readBrowser pumps the browser leg until it disconnects. Binary frames
// are stdin for the VM; text frames are control frames.
func (b *Broker) readBrowser(e *agentEntry, s *session) {
	defer func() {
		e.detach(s, b.cfg.LingerTimeout, func() { b.retireIdle(e) })
		b.logger.Info("terminal session closed",
			"agent_id", s.agentID, "session_id", s.id)
	}()

	s.conn.SetReadLimit(b.cfg.ReadLimit)
	readWait := 2 * b.cfg.PingInterval
	s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})
	go b.pingBrowser(s)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, CloseTakenOver) {
				b.logger.Debug("browser leg dropped",
					"agent_id", s.agentID, "session_id", s.id, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readWait))

		switch messageType {
		case websocket.BinaryMessage:
			if !e.isActive(s) {
				continue
			}
			if err := e.up.send(websocket.BinaryMessage, data); err != nil {
				// The VM leg is down or reconnecting; input is dropped and
				// the browser has already been told via vm_reconnecting.
				continue
			}
			b.hb.mark(e.ctx, s.agentID)
		case websocket.TextMessage:
			frame, perr := ParseFrame(data)
			if perr != nil {
				s.sendControl(ErrorFrame{Message: "malformed control frame"})
				s.sendClose(ClosePolicyViolation, "malformed frame")
				return
			}
			b.handleBrowserFrame(e, s, frame)
		}
	}
}

func (b *Broker) pingBrowser(s *session) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(b.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (b *Broker) handleBrowserFrame(e *agentEntry, s *session, frame ControlFrame) {
	switch f := frame.(type) {
	case ResizeFrame:
		if !e.isActive(s) {
			return
		}
		data, err := MarshalFrame(f)
		if err != nil {
			return
		}
		if err := e.up.send(websocket.TextMessage, data); err != nil {
			s.logger.Debug("dropping resize, VM leg down", "agent_id", s.agentID)
		}
	case TakeoverFrame:
		b.logger.Info("terminal takeover requested",
			"agent_id", s.agentID, "session_id", s.id)
		e.takeover(s)
	default:
		// Browsers only originate resize and takeover; anything else is a
		// client bug and is ignored.
	}
}

// Interrupt tears down the agent's live terminal, if any, telling attached
// browsers why. The reaper calls this before suspending an idle agent so
// sessions see a reason instead of a dead socket.
func (b *Broker) Interrupt(agentID, reason string) {
	e, ok := b.reg.get(agentID)
	if !ok {
		return
	}
	b.logger.Info("interrupting terminal", "agent_id", agentID, "reason", reason)
	b.teardown(e, ErrorFrame{Message: reason}, CloseNormal, reason)
}

// Close shuts down every live terminal. Used on server shutdown.
func (b *Broker) Close() {
	for _, e := range b.reg.all() {
		b.teardown(e, nil, websocket.CloseGoingAway, "server shutdown")
	}
	b.hb.close()
}

// ActiveTerminals reports how many agents have a live terminal entry.
func (b *Broker) ActiveTerminals() int {
	return b.reg.count()
}
