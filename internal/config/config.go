// Package config handles Skiff configuration using Viper.
//
// Configuration sources (in priority order):
//  1. Environment variables (SKIFF_*)
//  2. Config file (~/.config/skiff/config.yaml)
//  3. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/skiff-dev/skiff/internal/paths"
)

// Defaults for the supervised backend and session handling.
const (
	// DefaultBackendPort is the preferred backend listen port.
	DefaultBackendPort = 4732
	// DefaultPortSpan is how many alternate ports the negotiator probes.
	DefaultPortSpan = 16
	// DefaultProbeInterval is the health probe period.
	DefaultProbeInterval = 2 * time.Second
	// DefaultProbeTimeout bounds a single health probe.
	DefaultProbeTimeout = 1 * time.Second
	// DefaultUnhealthyGrace is how long the backend may stay unhealthy before a restart.
	DefaultUnhealthyGrace = 5 * time.Second
	// DefaultHealthyReset is the sustained-healthy duration that resets the restart count.
	DefaultHealthyReset = 60 * time.Second
	// DefaultMaxRestarts is the restart budget before the supervisor gives up.
	DefaultMaxRestarts = 5
	// DefaultBackoffBase seeds the exponential restart backoff.
	DefaultBackoffBase = 500 * time.Millisecond
	// DefaultBackoffCap caps the exponential restart backoff.
	DefaultBackoffCap = 15 * time.Second
	// DefaultRingSize is the per-session output ring buffer size in bytes.
	DefaultRingSize = 256 * 1024
	// DefaultDrainGrace is how long exited sessions linger for output drain.
	DefaultDrainGrace = 3 * time.Second
	// DefaultKillGrace bounds SIGTERM-to-SIGKILL escalation for sessions.
	DefaultKillGrace = 5 * time.Second
	// DefaultMonitorInterval is the session reconciliation period.
	DefaultMonitorInterval = 2 * time.Second
	// DefaultReadTimeout bounds a blocking socket frame read.
	DefaultReadTimeout = 30 * time.Second
)

// Config holds the Skiff configuration.
type Config struct {
	v *viper.Viper
}

// Load reads configuration from all sources.
func Load() *Config {
	v := viper.New()

	v.SetDefault("backend.command", "")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.port", DefaultBackendPort)
	v.SetDefault("backend.port_span", DefaultPortSpan)
	v.SetDefault("backend.probe_interval", DefaultProbeInterval)
	v.SetDefault("backend.probe_timeout", DefaultProbeTimeout)
	v.SetDefault("backend.unhealthy_grace", DefaultUnhealthyGrace)
	v.SetDefault("backend.healthy_reset", DefaultHealthyReset)
	v.SetDefault("backend.max_restarts", DefaultMaxRestarts)
	v.SetDefault("backend.backoff_base", DefaultBackoffBase)
	v.SetDefault("backend.backoff_cap", DefaultBackoffCap)
	v.SetDefault("session.ring_size", DefaultRingSize)
	v.SetDefault("session.drain_grace", DefaultDrainGrace)
	v.SetDefault("session.kill_grace", DefaultKillGrace)
	v.SetDefault("monitor.interval", DefaultMonitorInterval)
	v.SetDefault("socket.path", "")
	v.SetDefault("socket.read_timeout", DefaultReadTimeout)

	if configDir, err := paths.ConfigRoot(); err == nil {
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SKIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found, but warn on other errors)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: error reading config file: %v\n", err)
		}
	}

	return &Config{v: v}
}

// Get returns a configuration value.
func (c *Config) Get(key string) interface{} {
	return c.v.Get(key)
}

// GetString returns a configuration value as string.
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt returns a configuration value as int.
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetDuration returns a configuration value as duration.
func (c *Config) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

// Set sets a configuration value and persists it.
func (c *Config) Set(key string, value interface{}) error {
	c.v.Set(key, value)

	configDir, err := paths.ConfigRoot()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return err
	}

	return c.v.WriteConfigAs(filepath.Join(configDir, "config.yaml"))
}

// Override sets a value for this process only, without touching the config
// file. Used for command-line flag overrides.
func (c *Config) Override(key string, value interface{}) {
	c.v.Set(key, value)
}

// All returns all configuration as a map.
func (c *Config) All() map[string]interface{} {
	return c.v.AllSettings()
}

// AllKeys returns every known configuration key in flattened dotted form.
func (c *Config) AllKeys() []string {
	return c.v.AllKeys()
}

// BackendCommand returns the backend executable path.
func (c *Config) BackendCommand() string {
	return c.GetString("backend.command")
}

// BackendArgs returns extra arguments for the backend command.
func (c *Config) BackendArgs() []string {
	return c.v.GetStringSlice("backend.args")
}

// BackendPort returns the preferred backend listen port.
func (c *Config) BackendPort() int {
	return c.GetInt("backend.port")
}

// PortSpan returns the alternate-port probe range size.
func (c *Config) PortSpan() int {
	return c.GetInt("backend.port_span")
}

// ProbeInterval returns the health probe period.
func (c *Config) ProbeInterval() time.Duration {
	return c.GetDuration("backend.probe_interval")
}

// ProbeTimeout returns the per-probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return c.GetDuration("backend.probe_timeout")
}

// UnhealthyGrace returns the unhealthy grace period before a restart.
func (c *Config) UnhealthyGrace() time.Duration {
	return c.GetDuration("backend.unhealthy_grace")
}

// HealthyReset returns the sustained-healthy duration that resets restarts.
func (c *Config) HealthyReset() time.Duration {
	return c.GetDuration("backend.healthy_reset")
}

// MaxRestarts returns the restart budget.
func (c *Config) MaxRestarts() int {
	return c.GetInt("backend.max_restarts")
}

// BackoffBase returns the restart backoff seed.
func (c *Config) BackoffBase() time.Duration {
	return c.GetDuration("backend.backoff_base")
}

// BackoffCap returns the restart backoff ceiling.
func (c *Config) BackoffCap() time.Duration {
	return c.GetDuration("backend.backoff_cap")
}

// RingSize returns the per-session output ring buffer size in bytes.
func (c *Config) RingSize() int {
	return c.GetInt("session.ring_size")
}

// DrainGrace returns the post-exit output drain grace period.
func (c *Config) DrainGrace() time.Duration {
	return c.GetDuration("session.drain_grace")
}

// KillGrace returns the SIGTERM-to-SIGKILL grace period for sessions.
func (c *Config) KillGrace() time.Duration {
	return c.GetDuration("session.kill_grace")
}

// MonitorInterval returns the session reconciliation period.
func (c *Config) MonitorInterval() time.Duration {
	return c.GetDuration("monitor.interval")
}

// SocketPath returns the configured socket path, or the default under the
// state directory when unset.
func (c *Config) SocketPath() (string, error) {
	if p := c.GetString("socket.path"); p != "" {
		return p, nil
	}

	return paths.SocketPath()
}

// ReadTimeout returns the socket frame read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return c.GetDuration("socket.read_timeout")
}
