// Package config reads process-level tunables from the environment.
//
// Slot-level configuration lives in each slot directory as YAML and is
// handled by the statestore package; this package only covers the knobs
// that apply to a whole node: supervisor timings, node identity for
// federation, auth secrets and remote-login limits.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for supervisor timing. STARTUP_GRACE must cover a cold
// browser warm-up or the supervisor will declare fresh workers dead.
const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultStartupGrace     = 60 * time.Second
	DefaultCheckInterval    = 3 * time.Second

	DefaultSlotWorker = "indiamart_worker"
	DefaultSlotMode   = "OBSERVER"

	DefaultTokenTTL           = 12 * time.Hour
	DefaultRemoteLoginTimeout = 10 * time.Minute
	DefaultRemoteLoginMax     = 4
)

// Config holds node-level configuration.
type Config struct {
	DataDir  string
	SlotsDir string

	HeartbeatTimeout time.Duration
	StartupGrace     time.Duration
	CheckInterval    time.Duration

	DefaultSlotWorker string
	DefaultSlotMode   string

	NodeID   string
	NodeName string

	AuthSecret string
	TokenTTL   time.Duration

	RemoteLoginTimeout     time.Duration
	RemoteLoginMaxSessions int
}

// FromEnv builds a Config from environment variables, applying defaults
// for anything unset.
func FromEnv() *Config {
	cfg := &Config{
		DataDir:  envString("LEADHIVE_DATA_DIR", "data"),
		SlotsDir: envString("LEADHIVE_SLOTS_DIR", "slots"),

		HeartbeatTimeout: envSeconds("HEARTBEAT_TIMEOUT", DefaultHeartbeatTimeout),
		StartupGrace:     envSeconds("STARTUP_GRACE_SECONDS", DefaultStartupGrace),
		CheckInterval:    envSeconds("CHECK_INTERVAL", DefaultCheckInterval),

		DefaultSlotWorker: envString("DEFAULT_SLOT_WORKER", DefaultSlotWorker),
		DefaultSlotMode:   envString("DEFAULT_SLOT_MODE", DefaultSlotMode),

		NodeID:   envString("NODE_ID", "node_local"),
		NodeName: envString("NODE_NAME", ""),

		AuthSecret: envString("AUTH_SECRET", ""),
		TokenTTL:   envHours("TOKEN_TTL_HOURS", DefaultTokenTTL),

		RemoteLoginTimeout:     envMinutes("REMOTE_LOGIN_TIMEOUT_MINUTES", DefaultRemoteLoginTimeout),
		RemoteLoginMaxSessions: envInt("REMOTE_LOGIN_MAX_SESSIONS", DefaultRemoteLoginMax),
	}
	if cfg.NodeName == "" {
		cfg.NodeName = cfg.NodeID
	}
	return cfg
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if n := envInt(key, 0); n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envMinutes(key string, fallback time.Duration) time.Duration {
	if n := envInt(key, 0); n > 0 {
		return time.Duration(n) * time.Minute
	}
	return fallback
}

func envHours(key string, fallback time.Duration) time.Duration {
	if n := envInt(key, 0); n > 0 {
		return time.Duration(n) * time.Hour
	}
	return fallback
}
