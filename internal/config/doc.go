// Package config handles configuration loading for the paddock relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  session_secret: "${PADDOCK_SESSION_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	reaper:
//	  suspend_after: "30m"
//	  stop_after: "24h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  listen_addr: "0.0.0.0:8080"
//	  shutdown_grace: "5s"
//	  tailscale:
//	    enabled: false
//	    hostname: "paddock"
//	    auth_key: "${TS_AUTHKEY}"
//	    state_dir: "/var/lib/paddock/tsnet"
//
// Database:
//
//	database:
//	  path: "/var/lib/paddock/paddock.db"
//
// Session auth:
//
//	auth:
//	  session_secret: "${PADDOCK_SESSION_SECRET}"
//	  token_ttl: "24h"
//	  reaper_caller: "scheduler"
//
// Instance identity verification:
//
//	identity:
//	  issuer: "https://accounts.google.com"
//	  audience: "https://paddock.example.com"
//	  signer_email: "agent-vm@project.iam.gserviceaccount.com"
//	  jwks_url: "https://www.googleapis.com/oauth2/v3/certs"
//	  skew: "30s"
//
// Terminal broker:
//
//	terminal:
//	  allowed_origins:
//	    - "https://app.example.com"
//	  max_dial_attempts: 5
//	  initial_backoff: "500ms"
//	  max_backoff: "10s"
//	  ping_interval: "30s"
//	  heartbeat_window: "60s"
//
// Reaper:
//
//	reaper:
//	  enabled: true
//	  interval: "1m"
//	  suspend_after: "30m"
//	  stop_after: "24h"
//	  startup_grace: "10m"
//	  lease_ttl: "5m"
//
// VM manager:
//
//	vm:
//	  manager_url: "https://vm-manager.internal"
//	  auth_token: "${VM_MANAGER_TOKEN}"
//	  zone: "eu-west3-a"
//	  machine_type: "n2-standard-4"
//	  image: "paddock-agent-v1"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "json"  # text, json, color
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/paddock/relay.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
