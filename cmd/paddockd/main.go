// ABOUTME: Entry point for the paddock relay server
// ABOUTME: Provisions ephemeral agent VMs and brokers browser terminals to them

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/paddock-run/paddock/internal/auth"
	"github.com/paddock-run/paddock/internal/config"
	"github.com/paddock-run/paddock/internal/identity"
	"github.com/paddock-run/paddock/internal/relay"
	"github.com/paddock-run/paddock/internal/store"
	"github.com/paddock-run/paddock/internal/vmcontrol"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _     _            _
 _ __   __ _  __| | __| | ___   ___| | __
| '_ \ / _' |/ _' |/ _' |/ _ \ / __| |/ /
| |_) | (_| | (_| | (_| | (_) | (__|   <
| .__/ \__,_|\__,_|\__,_|\___/ \___|_|\_\
|_|
`

// getConfigPath returns the path to the relay config file.
// Priority: PADDOCK_CONFIG env var > XDG_CONFIG_HOME/paddock/paddock.yaml > ~/.config/paddock/paddock.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PADDOCK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "paddock.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "paddock", "paddock.yaml")
}

// getDataPath returns the path to the paddock data directory.
// Priority: XDG_DATA_HOME/paddock > ~/.local/share/paddock
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "paddock")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: paddockd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                 Start the relay server")
		fmt.Println("  init                  Create a new config file interactively")
		fmt.Println("  token --user USER     Mint a session token for a user")
		fmt.Println("  health                Check relay health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", getConfigPath(), "config file path")
	addr := fs.String("addr", "", "override server.listen_addr")
	logLevel := fs.String("log-level", "", "override logging.level")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", *configPath)
	if cfg.Server.ListenAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:       %s\n", cfg.Server.ListenAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("VM manager: %s\n", cfg.VM.ManagerURL)

	if cfg.Server.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:  ")
		cyan.Print(cfg.Server.Tailscale.Hostname)
		if cfg.Server.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting paddockd",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"vm_manager", cfg.VM.ManagerURL,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	vms := vmcontrol.NewHTTPController(vmcontrol.HTTPConfig{
		BaseURL:      cfg.VM.ManagerURL,
		AuthToken:    cfg.VM.AuthToken,
		PollInterval: cfg.VM.PollInterval,
		OpTimeout:    cfg.VM.OpTimeout,
	}, logger)

	keys, err := identityKeys(cfg.Identity)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("loading identity keys: %w", err)
	}
	verifier := identity.NewVerifier(keys, identity.Config{
		Issuer:      cfg.Identity.Issuer,
		Audience:    cfg.Identity.Audience,
		SignerEmail: cfg.Identity.SignerEmail,
		Leeway:      cfg.Identity.Skew,
	})

	// The relay owns the store from here; it closes it on shutdown.
	rl, err := relay.New(cfg, st, vms, verifier, logger)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("creating relay: %w", err)
	}

	return rl.Run(ctx)
}

// identityKeys picks the verification key source: a local PEM file for dev,
// a JWKS endpoint otherwise.
func identityKeys(cfg config.IdentityConfig) (identity.KeyProvider, error) {
	if cfg.KeyFile != "" {
		keys, err := identity.LoadKeyFile(cfg.KeyFile, cfg.KeyID)
		if err != nil {
			return nil, err
		}
		return keys, nil
	}
	return identity.NewJWKSKeys(cfg.JWKSURL, 0), nil
}

// runToken mints a session token for a user without going through the
// server. Useful for cron jobs (the reaper caller) and local testing.
func runToken() error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", getConfigPath(), "config file path")
	user := fs.String("user", "", "user ID the token is for")
	ttl := fs.Duration("ttl", 0, "token lifetime (default: auth.token_ttl)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("--user is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.TokenTTL
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.SessionSecret)).Generate(*user, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	configPath := fs.String("config", getConfigPath(), "config file path")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.ListenAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs.
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("paddockd configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "paddock.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	listenAddr := prompt(reader, "HTTP listen address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- VM Manager Configuration ---")
	managerURL := prompt(reader, "VM manager base URL", "http://localhost:9090")
	vmZone := prompt(reader, "Default zone", "eu-west3-a")
	machineType := prompt(reader, "Machine type", "n2-standard-4")
	image := prompt(reader, "VM image", "paddock-agent-v1")

	fmt.Println("\n--- Identity Configuration ---")
	idIssuer := prompt(reader, "Identity token issuer", "https://accounts.google.com")
	idAudience := prompt(reader, "Identity token audience", "https://"+listenAddr)
	idSigner := prompt(reader, "Expected signer email", "agent-vms@paddock-dev.iam.gserviceaccount.com")
	idKeyFile := prompt(reader, "Dev public key PEM (empty to use a JWKS URL)", "")
	var idJWKS string
	if idKeyFile == "" {
		idJWKS = prompt(reader, "JWKS URL", "https://www.googleapis.com/oauth2/v3/certs")
	}

	fmt.Println("\n--- Terminal Configuration ---")
	origins := prompt(reader, "Allowed browser origins (comma-separated)", "http://"+listenAddr)

	fmt.Println("\n--- Tailscale Configuration ---")
	enableTailscale := prompt(reader, "Enable Tailscale?", "no")
	tailscaleEnabled := strings.ToLower(enableTailscale) == "yes" || strings.ToLower(enableTailscale) == "y"

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "paddock")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		ephemeralStr := prompt(reader, "Ephemeral node?", "no")
		tsEphemeral = strings.ToLower(ephemeralStr) == "yes" || strings.ToLower(ephemeralStr) == "y"
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Session secret is always generated fresh.
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating session secret: %w", err)
	}
	sessionSecret := base64.StdEncoding.EncodeToString(secretBytes)

	var cfg strings.Builder
	cfg.WriteString("# paddockd configuration\n")
	cfg.WriteString("# Generated by paddockd init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  listen_addr: %q\n", listenAddr))
	if tailscaleEnabled {
		cfg.WriteString("  tailscale:\n")
		cfg.WriteString("    enabled: true\n")
		cfg.WriteString(fmt.Sprintf("    hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("    auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("    ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  session_secret: %q\n", sessionSecret))
	cfg.WriteString("  reaper_caller: \"reaper-cron\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("identity:\n")
	cfg.WriteString(fmt.Sprintf("  issuer: %q\n", idIssuer))
	cfg.WriteString(fmt.Sprintf("  audience: %q\n", idAudience))
	cfg.WriteString(fmt.Sprintf("  signer_email: %q\n", idSigner))
	if idKeyFile != "" {
		cfg.WriteString(fmt.Sprintf("  key_file: %q\n", idKeyFile))
	} else {
		cfg.WriteString(fmt.Sprintf("  jwks_url: %q\n", idJWKS))
	}
	cfg.WriteString("\n")

	cfg.WriteString("terminal:\n")
	cfg.WriteString("  allowed_origins:\n")
	for _, o := range strings.Split(origins, ",") {
		cfg.WriteString(fmt.Sprintf("    - %q\n", strings.TrimSpace(o)))
	}
	cfg.WriteString("\n")

	cfg.WriteString("reaper:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  interval: \"1m\"\n")
	cfg.WriteString("  suspend_after: \"30m\"\n")
	cfg.WriteString("  stop_after: \"24h\"\n")
	cfg.WriteString("  startup_grace: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("vm:\n")
	cfg.WriteString(fmt.Sprintf("  manager_url: %q\n", managerURL))
	cfg.WriteString(fmt.Sprintf("  zone: %q\n", vmZone))
	cfg.WriteString(fmt.Sprintf("  machine_type: %q\n", machineType))
	cfg.WriteString(fmt.Sprintf("  image: %q\n", image))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  paddockd serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
