// Package config provides application configuration.
//
// Configuration is loaded from command-line flags layered over
// environment variables with sensible defaults, mirroring the
// teacher's env-var + typed-helper + Load/Validate shape (spec §6.5,
// §6.6).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TimeoutConfig holds timeout-related configuration (spec §4.5, §4.10).
// These values are loaded but not passed to any component; each
// component uses its own built-in constant with the same default.
type TimeoutConfig struct {
	ReplyMatch    time.Duration // Reply-Matching Table default timeout (spec §4.5)
	Shell         time.Duration // locally-terminated `shell` RPC timeout (spec §6.3)
	Keepalive     time.Duration // WebSocket ping interval (spec §4.7, §4.9)
	KillGrace     time.Duration // SIGTERM->SIGKILL grace window (spec §4.1, §4.10)
	TunnelURLWait time.Duration // tunnel URL-extraction timeout (spec §4.10)
}

// TunnelConfig holds the Tunnel Supervisor's configuration (spec §6.5).
type TunnelConfig struct {
	Enabled        bool
	Command        string
	TunnelID       string
	AllowAnonymous bool
}

// Config holds all application configuration.
type Config struct {
	Port     string
	Cwd      string
	MaxSlots int
	Token    string // shared-secret session token (spec §3.2); generated if empty
	Timeout  TimeoutConfig
	Tunnel   TunnelConfig

	// ContainerRuntime selects the execution backend (SPEC_FULL.md §4):
	// "" = local os/exec + pty, "docker"/"runsc" = sandboxed Docker exec
	// backend.
	ContainerRuntime string

	// AuditDBPath is where the write-only operator audit log is opened
	// (expansion, SPEC_FULL.md §3). Empty disables it.
	AuditDBPath string
}

// Load parses CLI flags per spec §6.5, layering environment-variable
// defaults underneath, and validates the result.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("bridge", flag.ContinueOnError)

	port := fs.Int("port", getEnvInt("BRIDGE_PORT", 0), "listen on port N (0 = random)")
	tunnel := fs.Bool("tunnel", getEnvBool("BRIDGE_TUNNEL", false), "start the tunnel supervisor")
	tunnelID := fs.String("tunnel-id", getEnv("BRIDGE_TUNNEL_ID", ""), "use a persistent tunnel with name NAME")
	noTunnel := fs.Bool("no-tunnel", false, "disable tunnel even if implied")
	allowAnon := fs.Bool("allow-anonymous", getEnvBool("BRIDGE_ALLOW_ANONYMOUS", false), "pass through to tunnel CLI")
	cwd := fs.String("cwd", getEnv("BRIDGE_CWD", ""), "default working directory for agents")
	containerRuntime := fs.String("container-runtime", getEnv("CONTAINER_RUNTIME", ""), `"" (local), "docker", or "runsc"`)
	tunnelCmd := fs.String("tunnel-command", getEnv("BRIDGE_TUNNEL_COMMAND", "cloudflared"), "tunnel CLI executable")
	maxSlots := fs.Int("max-slots", getEnvInt("BRIDGE_MAX_SLOTS", 4), "upper bound on concurrent session slots")
	auditPath := fs.String("audit-db", getEnv("BRIDGE_AUDIT_DB", "./data/bridge-audit.db"), "path to the write-only audit log (empty disables it)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine default cwd: %w", err)
		}
		*cwd = wd
	}

	cfg := &Config{
		Port:     strconv.Itoa(*port),
		Cwd:      *cwd,
		MaxSlots: *maxSlots,
		Token:    getEnv("BRIDGE_TOKEN", ""),
		Timeout: TimeoutConfig{
			ReplyMatch:    getEnvDuration("BRIDGE_REPLY_TIMEOUT", 10*time.Second),
			Shell:         getEnvDuration("BRIDGE_SHELL_TIMEOUT", 30*time.Second),
			Keepalive:     getEnvDuration("BRIDGE_KEEPALIVE_INTERVAL", 15*time.Second),
			KillGrace:     getEnvDuration("BRIDGE_KILL_GRACE", 5*time.Second),
			TunnelURLWait: getEnvDuration("BRIDGE_TUNNEL_URL_TIMEOUT", 30*time.Second),
		},
		Tunnel: TunnelConfig{
			Enabled:        *tunnel && !*noTunnel,
			Command:        *tunnelCmd,
			TunnelID:       *tunnelID,
			AllowAnonymous: *allowAnon,
		},
		ContainerRuntime: *containerRuntime,
		AuditDBPath:      *auditPath,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Cwd == "" {
		return fmt.Errorf("cwd cannot be empty")
	}
	if c.MaxSlots <= 0 {
		return fmt.Errorf("max-slots must be > 0")
	}
	return nil
}

// AgentCommand returns the agent-subprocess command and args, honoring
// the COPILOT_COMMAND override (spec §6.6): the first whitespace-
// separated token is the executable, the rest are args.
func AgentCommand() (string, []string) {
	raw := strings.TrimSpace(os.Getenv("COPILOT_COMMAND"))
	if raw == "" {
		return "copilot", nil
	}
	fields := strings.Fields(raw)
	return fields[0], fields[1:]
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
