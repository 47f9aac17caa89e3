package config

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// StateDir holds the run journal and last-run summary.
	StateDir string
	// LockDir holds per-backend advisory lock files.
	LockDir string
	// PlanPath is the default deployment plan location.
	PlanPath string
	// CommandTimeout bounds every external CLI invocation.
	CommandTimeout time.Duration
	LogLevel       zerolog.Level
}

func Defaults() Config {
	return Config{
		StateDir:       "/var/lib/aioctl",
		LockDir:        "/run/lock",
		PlanPath:       "/etc/aioctl/plan.yaml",
		CommandTimeout: 30 * time.Second,
		LogLevel:       zerolog.InfoLevel,
	}
}

func FromEnv() Config {
	cfg := Defaults()

	if v := os.Getenv("AIOCTL_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("AIOCTL_LOCK_DIR"); v != "" {
		cfg.LockDir = v
	}
	if v := os.Getenv("AIOCTL_PLAN"); v != "" {
		cfg.PlanPath = v
	}
	if v := os.Getenv("AIOCTL_CMD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CommandTimeout = d
		}
	}
	if v := os.Getenv("AIOCTL_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		}
	}
	return cfg
}

// Logger builds the process logger at the configured level.
func Logger(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(os.Stderr).Level(cfg.LogLevel).With().Timestamp().Logger()
}
