package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for oidc-agent.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel overrides the environment's default level.
	LogLevel string `env:"OIDC_AGENT_LOG_LEVEL"`

	// SocketPath is the unix socket the agent listens on and clients
	// dial. Defaults to a per-user directory under the temp dir.
	SocketPath string `env:"OIDC_SOCK"`

	// StatePath is the bbolt database of persisted account configs.
	// Defaults to ~/.oidc-agent/state.db.
	StatePath string `env:"OIDC_AGENT_STATE_PATH"`

	// PasswordsFile is an optional YAML file of password descriptors.
	PasswordsFile string `env:"OIDC_AGENT_PASSWORDS_FILE"`

	// Askpass is the helper program used to prompt for passwords.
	// Falls back to SSH_ASKPASS.
	Askpass string `env:"OIDC_AGENT_ASKPASS"`

	SweepInterval time.Duration `env:"OIDC_AGENT_SWEEP_INTERVAL" envDefault:"1m"`
	HTTPTimeout   time.Duration `env:"OIDC_AGENT_HTTP_TIMEOUT" envDefault:"30s"`
	DiscoveryTTL  time.Duration `env:"OIDC_AGENT_DISCOVERY_TTL" envDefault:"30m"`

	// Autoload loads persisted accounts on demand when a token is
	// requested for an account that is not loaded.
	Autoload bool `env:"OIDC_AGENT_AUTOLOAD" envDefault:"true"`

	// ClientName prefixes the client_name sent on dynamic registration.
	ClientName string `env:"OIDC_AGENT_CLIENT_NAME" envDefault:"oidc-agent"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Paths are resolved once so the socket and database stay put when
	// the working directory changes.
	for _, p := range []*string{&cfg.SocketPath, &cfg.StatePath, &cfg.PasswordsFile} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("OIDC_AGENT_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.LogLevel)
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("OIDC_AGENT_SWEEP_INTERVAL must be positive")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("OIDC_AGENT_HTTP_TIMEOUT must be positive")
	}

	if c.DiscoveryTTL <= 0 {
		return fmt.Errorf("OIDC_AGENT_DISCOVERY_TTL must be positive")
	}

	if strings.TrimSpace(c.ClientName) == "" {
		return fmt.Errorf("OIDC_AGENT_CLIENT_NAME must not be empty")
	}

	return nil
}

// DefaultSocketPath returns <tmp>/oidc-agent-<uid>/oidc-agent.sock.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("oidc-agent-%d", os.Getuid()), "oidc-agent.sock")
}

// DefaultStatePath returns ~/.oidc-agent/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".oidc-agent", "state.db"), nil
}
