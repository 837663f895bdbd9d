// ABOUTME: Configuration loading and parsing for the paddock relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Identity IdentityConfig `yaml:"identity"`
	Terminal TerminalConfig `yaml:"terminal"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	VM       VMConfig       `yaml:"vm"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	ListenAddr string          `yaml:"listen_addr"`
	Tailscale  TailscaleConfig `yaml:"tailscale"`

	ShutdownGrace    time.Duration `yaml:"-"`
	ShutdownGraceRaw string        `yaml:"shutdown_grace"`
}

// TailscaleConfig holds tsnet listener configuration. When enabled the
// relay serves on the tailnet instead of (or alongside) the TCP listener.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	SessionSecret string `yaml:"session_secret"`

	// ReaperCaller is the token subject allowed to trigger reaper sweeps.
	ReaperCaller string `yaml:"reaper_caller"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// IdentityConfig holds instance-identity token verification configuration.
// Exactly one key source is used: a JWKS URL in production, a PEM file in dev.
type IdentityConfig struct {
	Issuer      string `yaml:"issuer"`
	Audience    string `yaml:"audience"`
	SignerEmail string `yaml:"signer_email"`
	JWKSURL     string `yaml:"jwks_url"`
	KeyFile     string `yaml:"key_file"`
	KeyID       string `yaml:"key_id"`

	Skew    time.Duration `yaml:"-"`
	SkewRaw string        `yaml:"skew"`
}

// TerminalConfig holds terminal broker configuration
type TerminalConfig struct {
	AllowedOrigins  []string `yaml:"allowed_origins"`
	MaxDialAttempts int      `yaml:"max_dial_attempts"`

	InitialBackoff  time.Duration `yaml:"-"`
	MaxBackoff      time.Duration `yaml:"-"`
	WriteTimeout    time.Duration `yaml:"-"`
	PingInterval    time.Duration `yaml:"-"`
	HeartbeatWindow time.Duration `yaml:"-"`
	WaiterTimeout   time.Duration `yaml:"-"`
	LingerTimeout   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	InitialBackoffRaw  string `yaml:"initial_backoff"`
	MaxBackoffRaw      string `yaml:"max_backoff"`
	WriteTimeoutRaw    string `yaml:"write_timeout"`
	PingIntervalRaw    string `yaml:"ping_interval"`
	HeartbeatWindowRaw string `yaml:"heartbeat_window"`
	WaiterTimeoutRaw   string `yaml:"waiter_timeout"`
	LingerTimeoutRaw   string `yaml:"linger_timeout"`
}

// ReaperConfig holds idle-agent reaper configuration
type ReaperConfig struct {
	Enabled     bool `yaml:"enabled"`
	PageSize    int  `yaml:"page_size"`
	Concurrency int  `yaml:"concurrency"`

	Interval     time.Duration `yaml:"-"`
	SuspendAfter time.Duration `yaml:"-"`
	StopAfter    time.Duration `yaml:"-"`
	StartupGrace time.Duration `yaml:"-"`
	LeaseTTL     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IntervalRaw     string `yaml:"interval"`
	SuspendAfterRaw string `yaml:"suspend_after"`
	StopAfterRaw    string `yaml:"stop_after"`
	StartupGraceRaw string `yaml:"startup_grace"`
	LeaseTTLRaw     string `yaml:"lease_ttl"`
}

// VMConfig holds VM manager configuration, including the machine template
// used when provisioning agent instances
type VMConfig struct {
	ManagerURL  string `yaml:"manager_url"`
	AuthToken   string `yaml:"auth_token"`
	Zone        string `yaml:"zone"`
	MachineType string `yaml:"machine_type"`
	Image       string `yaml:"image"`

	PollInterval     time.Duration `yaml:"-"`
	OpTimeout        time.Duration `yaml:"-"`
	ProvisionTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw     string `yaml:"poll_interval"`
	OpTimeoutRaw        string `yaml:"operation_timeout"`
	ProvisionTimeoutRaw string `yaml:"provision_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values the operator may leave out. Components with
// their own internal defaults (terminal broker, reaper, VM controller) keep
// zero values here and default at construction.
func (c *Config) applyDefaults() {
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 5 * time.Second
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Identity.Skew == 0 {
		c.Identity.Skew = 30 * time.Second
	}
	if c.Identity.KeyID == "" {
		c.Identity.KeyID = "dev"
	}
	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A listen address is required unless Tailscale is enabled
	if !c.Server.Tailscale.Enabled && c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Server.Tailscale.Enabled && c.Server.Tailscale.Hostname == "" {
		return fmt.Errorf("server.tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("auth.session_secret is required")
	}

	// Origin checks are fail-closed; an absent allowlist would reject every
	// browser, so force the operator to spell one out.
	if len(c.Terminal.AllowedOrigins) == 0 {
		return fmt.Errorf("terminal.allowed_origins is required")
	}

	if c.Identity.JWKSURL == "" && c.Identity.KeyFile == "" {
		return fmt.Errorf("identity.jwks_url or identity.key_file is required")
	}
	if c.Identity.Issuer == "" {
		return fmt.Errorf("identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		return fmt.Errorf("identity.audience is required")
	}
	if c.Identity.SignerEmail == "" {
		return fmt.Errorf("identity.signer_email is required")
	}

	if c.VM.ManagerURL == "" {
		return fmt.Errorf("vm.manager_url is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_grace", cfg.Server.ShutdownGraceRaw, &cfg.Server.ShutdownGrace},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"identity.skew", cfg.Identity.SkewRaw, &cfg.Identity.Skew},
		{"terminal.initial_backoff", cfg.Terminal.InitialBackoffRaw, &cfg.Terminal.InitialBackoff},
		{"terminal.max_backoff", cfg.Terminal.MaxBackoffRaw, &cfg.Terminal.MaxBackoff},
		{"terminal.write_timeout", cfg.Terminal.WriteTimeoutRaw, &cfg.Terminal.WriteTimeout},
		{"terminal.ping_interval", cfg.Terminal.PingIntervalRaw, &cfg.Terminal.PingInterval},
		{"terminal.heartbeat_window", cfg.Terminal.HeartbeatWindowRaw, &cfg.Terminal.HeartbeatWindow},
		{"terminal.waiter_timeout", cfg.Terminal.WaiterTimeoutRaw, &cfg.Terminal.WaiterTimeout},
		{"terminal.linger_timeout", cfg.Terminal.LingerTimeoutRaw, &cfg.Terminal.LingerTimeout},
		{"reaper.interval", cfg.Reaper.IntervalRaw, &cfg.Reaper.Interval},
		{"reaper.suspend_after", cfg.Reaper.SuspendAfterRaw, &cfg.Reaper.SuspendAfter},
		{"reaper.stop_after", cfg.Reaper.StopAfterRaw, &cfg.Reaper.StopAfter},
		{"reaper.startup_grace", cfg.Reaper.StartupGraceRaw, &cfg.Reaper.StartupGrace},
		{"reaper.lease_ttl", cfg.Reaper.LeaseTTLRaw, &cfg.Reaper.LeaseTTL},
		{"vm.poll_interval", cfg.VM.PollIntervalRaw, &cfg.VM.PollInterval},
		{"vm.operation_timeout", cfg.VM.OpTimeoutRaw, &cfg.VM.OpTimeout},
		{"vm.provision_timeout", cfg.VM.ProvisionTimeoutRaw, &cfg.VM.ProvisionTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
