// ABOUTME: VM leg of the terminal relay with fresh address resolution and redial
// ABOUTME: An explicit connect/relay/reconnect loop driven by backoff with jitter

package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/paddock-run/paddock/internal/vmcontrol"
)

// errUpstreamDraining marks an intentional teardown; the run loop must not
// redial past it.
var errUpstreamDraining = errors.New("upstream draining")

// errVMNotConnected reports stdin arriving while the VM leg is down. Callers
// drop the frame; the browser is showing vm_reconnecting and suppresses
// input client-side.
var errVMNotConnected = errors.New("vm leg not connected")

// exitSignal is returned by the read loop when the VM reports a clean agent
// exit.
type exitSignal struct {
	code int
}

func (e *exitSignal) Error() string {
	return fmt.Sprintf("agent exited with code %d", e.code)
}

// VMConn is the subset of *websocket.Conn the upstream leg needs. Tests
// substitute an in-memory implementation.
type VMConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// Dialer opens a WebSocket to a VM's terminal endpoint.
type Dialer interface {
	DialVM(ctx context.Context, addr string) (VMConn, error)
}

// wsDialer is the production Dialer, built on gorilla's client.
type wsDialer struct {
	handshakeTimeout time.Duration
}

func (d wsDialer) DialVM(ctx context.Context, addr string) (VMConn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/terminal"}
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("dialing VM terminal %s: %w (status %d)", addr, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing VM terminal %s: %w", addr, err)
	}
	return conn, nil
}

// upstreamHooks are the owning entry's callbacks, invoked from the upstream
// goroutine.
type upstreamHooks struct {
	onOutput       func(p []byte)
	onExit         func(code int)
	onReconnecting func(attempt int)
	onGaveUp       func(err error)
}

// upstreamConfig bounds the connect and reconnect behavior.
type upstreamConfig struct {
	pingInterval   time.Duration
	writeTimeout   time.Duration
	readLimit      int64
	maxAttempts    int           // dial attempts per connect cycle before giving up
	initialBackoff time.Duration // first retry delay, grows exponentially with jitter
	maxBackoff     time.Duration
}

// upstream is the relay's VM leg. Its lifetime is independent of any one
// browser session: browsers come and go while a single VM connection (or
// its reconnect loop) persists per agent entry.
type upstream struct {
	agentID string
	resolve func(ctx context.Context) (string, error)
	dialer  Dialer
	cfg     upstreamConfig
	hooks   upstreamHooks
	logger  *slog.Logger

	mu       sync.Mutex
	conn     VMConn
	draining bool

	writeMu sync.Mutex
}

func newUpstream(agentID string, resolve func(ctx context.Context) (string, error), dialer Dialer, cfg upstreamConfig, hooks upstreamHooks, logger *slog.Logger) *upstream {
	return &upstream{
		agentID: agentID,
		resolve: resolve,
		dialer:  dialer,
		cfg:     cfg,
		hooks:   hooks,
		logger:  logger,
	}
}

// start launches the connect/relay/reconnect loop. It ends when ctx is
// cancelled, drain is called, the VM reports agent exit, or a connect cycle
// exhausts its attempt budget.
func (u *upstream) start(ctx context.Context) {
	go u.run(ctx)
}

func (u *upstream) run(ctx context.Context) {
	reconnecting := false
	for {
		conn, err := u.connect(ctx, reconnecting)
		if err != nil {
			if u.isDraining() || ctx.Err() != nil {
				return
			}
			u.logger.Warn("VM leg gave up", "agent_id", u.agentID, "error", err)
			u.hooks.onGaveUp(err)
			return
		}
		if !u.adopt(conn) {
			return
		}
		u.logger.Info("VM leg connected", "agent_id", u.agentID)

		err = u.readLoop(conn)
		u.release()
		conn.Close()

		if u.isDraining() || ctx.Err() != nil {
			return
		}

		var exit *exitSignal
		if errors.As(err, &exit) {
			u.hooks.onExit(exit.code)
			return
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			// The VM closed cleanly without an exit frame; treat it as a
			// zero-status exit rather than an outage.
			u.hooks.onExit(0)
			return
		}

		u.logger.Info("VM leg dropped, reconnecting", "agent_id", u.agentID, "error", err)
		reconnecting = true
	}
}

// connect resolves the VM's address and dials it, retrying with exponential
// backoff and jitter up to the attempt cap. The address is re-resolved on
// every attempt and never cached across connects. During a reconnect the
// browser is notified once per retry cycle.
func (u *upstream) connect(ctx context.Context, reconnecting bool) (VMConn, error) {
	attempt := 0
	if reconnecting {
		attempt = 1
		u.hooks.onReconnecting(attempt)
	}

	var conn VMConn
	op := func() error {
		if u.isDraining() {
			return backoff.Permanent(errUpstreamDraining)
		}
		addr, err := u.resolveAddress(ctx)
		if err != nil {
			if errors.Is(err, vmcontrol.ErrInstanceNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		c, err := u.dialer.DialVM(ctx, addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	notify := func(err error, wait time.Duration) {
		attempt++
		u.logger.Debug("VM dial failed, backing off",
			"agent_id", u.agentID, "attempt", attempt, "wait", wait, "error", err)
		u.hooks.onReconnecting(attempt)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.cfg.initialBackoff
	bo.MaxInterval = u.cfg.maxBackoff
	bo.MaxElapsedTime = 0 // attempt-capped, not time-capped

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(u.cfg.maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// resolveAddress asks VM control for the instance's current address, with
// up to three attempts. The result is used for one dial and then discarded.
func (u *upstream) resolveAddress(ctx context.Context) (string, error) {
	var addr string
	op := func() error {
		a, err := u.resolve(ctx)
		if err != nil {
			if errors.Is(err, vmcontrol.ErrInstanceNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		addr = a
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.cfg.initialBackoff
	bo.MaxElapsedTime = 0

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)); err != nil {
		return "", fmt.Errorf("resolving VM address: %w", err)
	}
	return addr, nil
}

// readLoop pumps frames from the VM until the connection drops or the VM
// reports agent exit. Binary output fans out through onOutput; control
// frames other than exit are ignored.
func (u *upstream) readLoop(conn VMConn) error {
	conn.SetReadLimit(u.cfg.readLimit)
	readWait := 2 * u.cfg.pingInterval
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go u.pingLoop(conn, stop)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		switch messageType {
		case websocket.BinaryMessage:
			u.hooks.onOutput(data)
		case websocket.TextMessage:
			frame, perr := ParseFrame(data)
			if perr != nil {
				u.logger.Warn("ignoring malformed VM control frame",
					"agent_id", u.agentID, "error", perr)
				continue
			}
			if exit, ok := frame.(ExitFrame); ok {
				return &exitSignal{code: exit.Code}
			}
		}
	}
}

func (u *upstream) pingLoop(conn VMConn, stop <-chan struct{}) {
	ticker := time.NewTicker(u.cfg.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(u.cfg.writeTimeout)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// send writes one message to the VM. Returns errVMNotConnected while the
// leg is down or reconnecting.
func (u *upstream) send(messageType int, data []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return errVMNotConnected
	}

	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(u.cfg.writeTimeout))
	return conn.WriteMessage(messageType, data)
}

// drain stops the leg for good: no redial, socket closed.
func (u *upstream) drain() {
	u.mu.Lock()
	u.draining = true
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (u *upstream) isDraining() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.draining
}

// adopt installs a fresh connection unless a drain won the race, in which
// case the connection is closed and the run loop stops.
func (u *upstream) adopt(c VMConn) bool {
	u.mu.Lock()
	if u.draining {
		u.mu.Unlock()
		c.Close()
		return false
	}
	u.conn = c
	u.mu.Unlock()
	return true
}

func (u *upstream) release() {
	u.mu.Lock()
	u.conn = nil
	u.mu.Unlock()
}
