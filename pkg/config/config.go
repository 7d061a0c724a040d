package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Config holds process wide settings for perfrecord.
type Config struct {
	// PerfPath is the perf binary invoked on the target
	PerfPath string

	// SSHPath is the ssh client used for remote targets
	SSHPath string

	// Askpass is exported as SSH_ASKPASS to ssh
	Askpass string

	// StopTimeout bounds the wait between SIGTERM and SIGKILL when stopping
	StopTimeout time.Duration

	// StateDir holds the session journal
	StateDir string

	// ProfilesPath is the YAML file with device and path profiles
	ProfilesPath string

	// MetricsAddr enables the Prometheus endpoint when set
	MetricsAddr string

	// LogLevel is one of debug, info, warn or error
	LogLevel string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		PerfPath:     "perf",
		SSHPath:      "ssh",
		Askpass:      os.Getenv("SSH_ASKPASS"),
		StopTimeout:  10 * time.Second,
		StateDir:     defaultDir(os.UserCacheDir, "state"),
		ProfilesPath: filepath.Join(defaultDir(os.UserConfigDir, ""), "profiles.yaml"),
		LogLevel:     "info",
	}
}

func defaultDir(base func() (string, error), sub string) string {
	dir, err := base()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "perfrecord", sub)
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("PERFRECORD_PERF_PATH"); v != "" {
		cfg.PerfPath = v
	}

	if v := os.Getenv("PERFRECORD_SSH_PATH"); v != "" {
		cfg.SSHPath = v
	}

	if v := os.Getenv("PERFRECORD_ASKPASS"); v != "" {
		cfg.Askpass = v
	}

	if v := os.Getenv("PERFRECORD_STOP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StopTimeout = d
		}
	}

	if v := os.Getenv("PERFRECORD_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}

	if v := os.Getenv("PERFRECORD_PROFILES"); v != "" {
		cfg.ProfilesPath = v
	}

	if v := os.Getenv("PERFRECORD_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	if v := os.Getenv("PERFRECORD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PerfPath == "" {
		return fmt.Errorf("perf path must not be empty")
	}

	if c.SSHPath == "" {
		return fmt.Errorf("ssh path must not be empty")
	}

	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop timeout must be positive, got: %s", c.StopTimeout)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn or error)", c.LogLevel)
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", c.MetricsAddr, err)
		}
	}

	return nil
}
