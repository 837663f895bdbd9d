// ABOUTME: Relay orchestrator that wires the store, terminal broker, reaper, and HTTP API
// ABOUTME: Manages TCP and tsnet listeners, health endpoints, and graceful shutdown

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/tsnet"

	"github.com/paddock-run/paddock/internal/auth"
	"github.com/paddock-run/paddock/internal/config"
	"github.com/paddock-run/paddock/internal/identity"
	"github.com/paddock-run/paddock/internal/lifecycle"
	"github.com/paddock-run/paddock/internal/reaper"
	"github.com/paddock-run/paddock/internal/store"
	"github.com/paddock-run/paddock/internal/terminal"
	"github.com/paddock-run/paddock/internal/vmcontrol"
)

// Relay orchestrates the paddock server components: the agent API, the
// terminal broker, the reaper loop, and the listeners they serve on.
type Relay struct {
	config   *config.Config
	store    store.Store
	machine  *lifecycle.Machine
	vms      vmcontrol.Controller
	verifier *identity.Verifier
	sessions *auth.JWTVerifier
	broker   *terminal.Broker
	reaper   *reaper.Reaper
	logger   *slog.Logger

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// provisions tracks in-flight provision pipelines so shutdown can
	// give them a chance to record their outcome.
	provisions sync.WaitGroup
}

// New assembles a relay from its collaborators. The store, VM controller,
// and identity verifier are injected so tests can swap fakes in.
func New(cfg *config.Config, st store.Store, vms vmcontrol.Controller, verifier *identity.Verifier, logger *slog.Logger) (*Relay, error) {
	if cfg.Auth.SessionSecret == "" {
		return nil, errors.New("session secret is required")
	}

	sessions := auth.NewJWTVerifier([]byte(cfg.Auth.SessionSecret))
	authn := auth.NewAuthenticator(sessions)
	machine := lifecycle.NewMachine(st, logger)

	broker := terminal.New(st, machine, vms, authn, terminal.Config{
		AllowedOrigins:  cfg.Terminal.AllowedOrigins,
		HeartbeatWindow: cfg.Terminal.HeartbeatWindow,
		PingInterval:    cfg.Terminal.PingInterval,
		WriteTimeout:    cfg.Terminal.WriteTimeout,
		MaxDialAttempts: cfg.Terminal.MaxDialAttempts,
		InitialBackoff:  cfg.Terminal.InitialBackoff,
		MaxBackoff:      cfg.Terminal.MaxBackoff,
		WaiterTimeout:   cfg.Terminal.WaiterTimeout,
		LingerTimeout:   cfg.Terminal.LingerTimeout,
	}, logger)

	rp := reaper.New(st, machine, vms, broker, reaper.Config{
		SuspendAfter: cfg.Reaper.SuspendAfter,
		StopAfter:    cfg.Reaper.StopAfter,
		StartupGrace: cfg.Reaper.StartupGrace,
		LeaseTTL:     cfg.Reaper.LeaseTTL,
		PageSize:     cfg.Reaper.PageSize,
		Concurrency:  cfg.Reaper.Concurrency,
	}, logger)

	rl := &Relay{
		config:   cfg,
		store:    st,
		machine:  machine,
		vms:      vms,
		verifier: verifier,
		sessions: sessions,
		broker:   broker,
		reaper:   rp,
		logger:   logger.With("component", "relay"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", rl.handleHealth)
	mux.HandleFunc("GET /health/ready", rl.handleReady)

	// Session-authenticated API endpoints
	sessionAuth := auth.Middleware(authn, logger)
	mux.Handle("POST /api/agents", sessionAuth(http.HandlerFunc(rl.handleCreateAgent)))
	mux.Handle("GET /api/agents", sessionAuth(http.HandlerFunc(rl.handleListAgents)))
	mux.Handle("GET /api/agents/{id}", sessionAuth(http.HandlerFunc(rl.handleGetAgent)))
	mux.Handle("POST /api/agents/{id}/cancel", sessionAuth(http.HandlerFunc(rl.handleCancelAgent)))
	mux.Handle("DELETE /api/agents/{id}", sessionAuth(http.HandlerFunc(rl.handleDeleteAgent)))
	mux.Handle("POST /api/agents/{id}/share", sessionAuth(http.HandlerFunc(rl.handleShareAgent)))

	// The VM status callback authenticates with an instance identity
	// token, not a session.
	mux.HandleFunc("POST /api/agents/{id}/report", rl.handleReport)

	// The terminal upgrade authenticates after the handshake so failures
	// surface as close codes the browser can read.
	mux.HandleFunc("GET /api/agents/{id}/terminal", broker.HandleTerminal)

	// The reaper trigger is pinned to the configured caller subject.
	mux.Handle("POST /internal/reaper/run",
		auth.RequireCaller(authn, cfg.Auth.ReaperCaller, logger)(http.HandlerFunc(rl.handleReaperRun)))

	rl.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return rl, nil
}

// Run starts the relay servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a listener fails.
func (rl *Relay) Run(ctx context.Context) error {
	listeners, err := rl.setupListeners(ctx)
	if err != nil {
		return err
	}

	if rl.config.Reaper.Enabled {
		go rl.reaperLoop(ctx)
	}

	errCh := rl.startServers(listeners)
	serverErr := rl.waitForShutdownSignal(ctx, errCh)

	shutdownErr := rl.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// reaperLoop runs periodic sweeps until the context is canceled. Manual
// triggers through the API share the same lease, so overlap is safe.
func (rl *Relay) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(rl.config.Reaper.Interval)
	defer ticker.Stop()

	rl.logger.Info("reaper loop started", "interval", rl.config.Reaper.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rl.reaper.Run(ctx); err != nil {
				rl.logger.Error("reaper sweep failed", "error", err)
			}
		}
	}
}

// setupListeners creates listeners based on configuration: a TCP listener
// when an address is set, a tsnet listener when tailscale is enabled, or
// both.
func (rl *Relay) setupListeners(ctx context.Context) ([]net.Listener, error) {
	var listeners []net.Listener

	if rl.config.Server.ListenAddr != "" {
		ln, err := net.Listen("tcp", rl.config.Server.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", rl.config.Server.ListenAddr, err)
		}
		listeners = append(listeners, ln)
	}

	if rl.config.Server.Tailscale.Enabled {
		ln, err := rl.setupTailscaleListener(ctx)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, err
		}
		listeners = append(listeners, ln)
	}

	if len(listeners) == 0 {
		return nil, errors.New("no listeners configured")
	}
	return listeners, nil
}

// resolveTailscaleStateDir returns the state directory, using a default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set server.tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "paddock", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set server.tailscale.auth_key in config or the TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and returns its listener.
func (rl *Relay) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := rl.config.Server.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	rl.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	rl.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname,
		"state_dir", stateDir,
		"ephemeral", tsCfg.Ephemeral)
	status, err := rl.tsnetServer.Up(ctx)
	if err != nil {
		_ = rl.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		rl.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	rl.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	ln, err := rl.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = rl.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

// startServers serves on every listener in its own goroutine, returning an
// error channel.
func (rl *Relay) startServers(listeners []net.Listener) chan error {
	errCh := make(chan error, len(listeners))

	for _, ln := range listeners {
		go func() {
			rl.logger.Info("http server listening", "addr", ln.Addr().String())
			if err := rl.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (rl *Relay) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		rl.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		rl.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (rl *Relay) gracefulShutdown() error {
	grace := rl.config.Server.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return rl.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the relay and releases resources.
func (rl *Relay) Shutdown(ctx context.Context) error {
	rl.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "http shutdown", rl.httpServer.Shutdown(ctx))

	// Server shutdown doesn't wait for hijacked connections; close the
	// terminal sessions explicitly.
	rl.broker.Close()

	// Give in-flight provision pipelines until the shutdown deadline to
	// record their outcome. They carry their own timeouts.
	done := make(chan struct{})
	go func() {
		rl.provisions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		rl.logger.Warn("abandoning in-flight provisions")
	}

	if rl.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", rl.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", rl.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (rl *Relay) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers.
func (rl *Relay) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := rl.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
