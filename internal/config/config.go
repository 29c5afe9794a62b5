// Package config defines the Worker's immutable startup configuration,
// merging CLI flags with environment-variable fallbacks, and the fail-fast
// validation that must pass before anything else runs.
package config

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/agenix-sh/agw-worker/internal/agwerr"
)

const (
	DefaultBrokerAddress = "127.0.0.1:6379"
	DefaultHeartbeatSecs = 30
	DefaultConnTimeout   = 10
)

// Config holds every value needed to start the Worker. It is built once at
// startup (Load) and never mutated afterward.
type Config struct {
	BrokerAddress     string
	SessionKey        string
	WorkerID          string
	WorkerName        string
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	Tools             []string
	ShutdownTimeout   time.Duration // zero means "wait indefinitely"
	LogLevel          string
}

// Flags is the raw, unresolved set of values coming off the command line or
// environment, before defaults/generation/validation are applied.
type Flags struct {
	BrokerAddress     string
	SessionKey        string
	WorkerID          string
	WorkerName        string
	HeartbeatInterval uint64
	ConnectionTimeout uint64
	Tools             string
	ShutdownTimeout   uint64
	LogLevel          string
}

// Load resolves Flags into a validated Config: deriving worker_id/worker_name
// when absent, parsing the tool list, and running Validate before returning.
// Any violated constraint aborts with an InvalidConfig error — this is
// startup step (a)/(b)/(c) of the loop's fail-fast sequence.
func Load(f Flags) (*Config, error) {
	cfg := &Config{
		BrokerAddress:     f.BrokerAddress,
		SessionKey:        f.SessionKey,
		WorkerID:          f.WorkerID,
		WorkerName:        f.WorkerName,
		HeartbeatInterval: time.Duration(f.HeartbeatInterval) * time.Second,
		ConnectionTimeout: time.Duration(f.ConnectionTimeout) * time.Second,
		ShutdownTimeout:   time.Duration(f.ShutdownTimeout) * time.Second,
		LogLevel:          f.LogLevel,
	}

	if f.Tools != "" {
		for _, t := range strings.Split(f.Tools, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				cfg.Tools = append(cfg.Tools, t)
			}
		}
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = "agw-" + uuid.New().String()
	}
	if cfg.WorkerName == "" {
		cfg.WorkerName = "worker-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the startup-time constraints: address format, session
// key strength/character set, worker ID and name character set and length,
// and a positive heartbeat interval.
func (c *Config) Validate() error {
	if !strings.Contains(c.BrokerAddress, ":") {
		return agwerr.New(agwerr.InvalidConfig, "broker address must be in format host:port")
	}

	if err := validateSessionKey(c.SessionKey); err != nil {
		return err
	}
	if err := validateWorkerIdentifier(c.WorkerID, "worker ID"); err != nil {
		return err
	}
	if err := validateWorkerIdentifier(c.WorkerName, "worker name"); err != nil {
		return err
	}

	if c.HeartbeatInterval <= 0 {
		return agwerr.New(agwerr.InvalidConfig, "heartbeat interval must be greater than zero")
	}
	if c.ConnectionTimeout <= 0 {
		return agwerr.New(agwerr.InvalidConfig, "connection timeout must be greater than zero")
	}

	return nil
}

func validateSessionKey(key string) error {
	if key == "" {
		return agwerr.New(agwerr.InvalidConfig, "session key cannot be empty")
	}
	if len(key) < 8 {
		return agwerr.New(agwerr.InvalidConfig, "session key must be at least 8 characters")
	}
	for _, ch := range key {
		if unicode.IsControl(ch) {
			return agwerr.New(agwerr.InvalidConfig, "session key contains invalid characters")
		}
	}
	if strings.Contains(key, "..") || strings.Contains(key, "/") || strings.Contains(key, "\\") {
		return agwerr.New(agwerr.InvalidConfig, "session key contains invalid characters")
	}
	for _, ch := range []string{";", "|", "&", "$", "`"} {
		if strings.Contains(key, ch) {
			return agwerr.New(agwerr.InvalidConfig, "session key contains invalid characters")
		}
	}
	return nil
}

// validateWorkerIdentifier enforces the shared worker-id/worker-name rule:
// non-empty, <=64 chars, no control characters, alphanumeric/-/_ only (which
// rejects spaces and colons as a side effect of being an allow-list).
func validateWorkerIdentifier(id, label string) error {
	if id == "" {
		return agwerr.New(agwerr.InvalidConfig, label+" cannot be empty")
	}
	if len(id) > 64 {
		return agwerr.New(agwerr.InvalidConfig, label+" cannot exceed 64 characters")
	}
	for _, ch := range id {
		if unicode.IsControl(ch) {
			return agwerr.New(agwerr.InvalidConfig, label+" contains invalid characters")
		}
		if !(unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '-' || ch == '_') {
			return agwerr.New(agwerr.InvalidConfig, label+" can only contain alphanumeric characters, hyphens, and underscores")
		}
	}
	return nil
}

// ParseUintOrDefault parses s as a uint64, returning def on empty input or
// parse failure. Used by the CLI layer when binding an env/flag string to a
// numeric Flags field.
func ParseUintOrDefault(s string, def uint64) uint64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}
