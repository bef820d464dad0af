// Package config loads monitor configuration from defaults, an
// optional YAML file and OC_* environment variables, in that order of
// precedence (env wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the monitor's runtime configuration.
type Config struct {
	// DiscoveryPort is the UDP port announce/shutdown packets arrive on.
	DiscoveryPort int

	// SessionStaleHorizon is the age after which a session's heartbeat
	// is considered stale (instance TTL).
	SessionStaleHorizon time.Duration

	// ServerStaleHorizon is the age after which a server that has not
	// announced is removed by the staleness sweep (server TTL).
	ServerStaleHorizon time.Duration

	// SweepInterval is the cadence of the staleness sweep.
	SweepInterval time.Duration

	// RefreshInterval is the cadence of the global session refresh that
	// re-fetches state for every connected server.
	RefreshInterval time.Duration

	// RecentIdleWindow bounds how far back idle child sessions are kept
	// when computing the relevant set.
	RecentIdleWindow time.Duration

	// LongRunning is how long a session may stay busy before it is
	// flagged long-running in snapshots.
	LongRunning time.Duration

	// ReconnectBase and ReconnectMax bound the exponential backoff
	// between connection attempts.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// SnapshotInterval is the coalescing window for published snapshots.
	SnapshotInterval time.Duration

	// MessageDebounce rate-limits focused-session message refreshes.
	MessageDebounce time.Duration

	// Notifications enables desktop notifications.
	Notifications bool

	// MetricsAddr, when non-empty, enables the diagnostics HTTP server.
	MetricsAddr string

	// PIDFile and DaemonLog are the daemon's only on-disk state.
	PIDFile   string
	DaemonLog string
}

// defaults returns the built-in configuration values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"discovery.port":               19876,
		"session.stale_seconds":        120,
		"server.stale_seconds":         180,
		"sweep_interval_seconds":       30,
		"refresh_interval_seconds":     30,
		"recent_idle_minutes":          10,
		"session.long_running_minutes": 10,
		"reconnect.base_seconds":       1,
		"reconnect.max_seconds":        30,
		"snapshot_interval_ms":         100,
		"message_debounce_ms":          250,
		"notify.enabled":               true,
		"metrics.addr":                 "",
		"daemon.pid_file":              defaultStatePath("ocwatch.pid"),
		"daemon.log_file":              defaultStatePath("ocwatch.log"),
	}
}

// Load builds a Config from defaults, the optional config file at
// ~/.config/ocwatch/config.yaml, and OC_* environment variables.
func Load() (*Config, error) {
	return load(defaultConfigPath())
}

func load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("OC_", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	c := &Config{
		DiscoveryPort:       k.Int("discovery.port"),
		SessionStaleHorizon: time.Duration(k.Int("session.stale_seconds")) * time.Second,
		ServerStaleHorizon:  time.Duration(k.Int("server.stale_seconds")) * time.Second,
		SweepInterval:       time.Duration(k.Int("sweep_interval_seconds")) * time.Second,
		RefreshInterval:     time.Duration(k.Int("refresh_interval_seconds")) * time.Second,
		RecentIdleWindow:    time.Duration(k.Int("recent_idle_minutes")) * time.Minute,
		LongRunning:         time.Duration(k.Int("session.long_running_minutes")) * time.Minute,
		ReconnectBase:       time.Duration(k.Int("reconnect.base_seconds")) * time.Second,
		ReconnectMax:        time.Duration(k.Int("reconnect.max_seconds")) * time.Second,
		SnapshotInterval:    time.Duration(k.Int("snapshot_interval_ms")) * time.Millisecond,
		MessageDebounce:     time.Duration(k.Int("message_debounce_ms")) * time.Millisecond,
		Notifications:       k.Bool("notify.enabled"),
		MetricsAddr:         k.String("metrics.addr"),
		PIDFile:             k.String("daemon.pid_file"),
		DaemonLog:           k.String("daemon.log_file"),
	}

	// OC_SESSION_TIMEOUT overrides the instance TTL; the server TTL
	// keeps a 60s cushion on top so announce gaps do not race the
	// session staleness cutoff.
	if v := k.Int("session.timeout"); v > 0 {
		c.SessionStaleHorizon = time.Duration(v) * time.Second
		c.ServerStaleHorizon = c.SessionStaleHorizon + 60*time.Second
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery port %d out of range", c.DiscoveryPort)
	}
	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("reconnect backoff bounds invalid: base=%s max=%s", c.ReconnectBase, c.ReconnectMax)
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot interval must be positive")
	}
	return nil
}

// envKey maps an OC_* environment variable to its koanf key. The
// published variable names predate the config layer, so the well-known
// ones are mapped explicitly.
func envKey(s string) string {
	switch s {
	case "OC_SESSION_PORT":
		return "discovery.port"
	case "OC_SESSION_TIMEOUT":
		return "session.timeout"
	case "OC_SESSION_LONG_RUNNING":
		return "session.long_running_minutes"
	case "OC_NOTIFICATIONS":
		return "notify.enabled"
	case "OC_METRICS_ADDR":
		return "metrics.addr"
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "OC_")), "_", ".")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ocwatch", "config.yaml")
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), name)
	}
	return filepath.Join(home, ".config", "ocwatch", name)
}
