package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// unsetEnvForTest unsets an environment variable and registers cleanup to
// restore its original state.
func unsetEnvForTest(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	for _, key := range []string{
		"SKIFF_BACKEND_COMMAND",
		"SKIFF_BACKEND_PORT",
		"SKIFF_BACKEND_MAX_RESTARTS",
		"SKIFF_BACKEND_PROBE_INTERVAL",
		"SKIFF_SOCKET_PATH",
	} {
		unsetEnvForTest(t, key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	isolateConfig(t)

	cfg := Load()

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"backend port", cfg.BackendPort(), DefaultBackendPort},
		{"port span", cfg.PortSpan(), DefaultPortSpan},
		{"probe interval", cfg.ProbeInterval(), DefaultProbeInterval},
		{"probe timeout", cfg.ProbeTimeout(), DefaultProbeTimeout},
		{"unhealthy grace", cfg.UnhealthyGrace(), DefaultUnhealthyGrace},
		{"healthy reset", cfg.HealthyReset(), DefaultHealthyReset},
		{"max restarts", cfg.MaxRestarts(), DefaultMaxRestarts},
		{"backoff base", cfg.BackoffBase(), DefaultBackoffBase},
		{"backoff cap", cfg.BackoffCap(), DefaultBackoffCap},
		{"ring size", cfg.RingSize(), DefaultRingSize},
		{"drain grace", cfg.DrainGrace(), DefaultDrainGrace},
		{"kill grace", cfg.KillGrace(), DefaultKillGrace},
		{"monitor interval", cfg.MonitorInterval(), DefaultMonitorInterval},
		{"read timeout", cfg.ReadTimeout(), DefaultReadTimeout},
		{"backend command", cfg.BackendCommand(), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoad_FromEnv(t *testing.T) {
	isolateConfig(t)

	t.Setenv("SKIFF_BACKEND_COMMAND", "/usr/local/bin/skiff-backend")
	t.Setenv("SKIFF_BACKEND_PORT", "9100")
	t.Setenv("SKIFF_BACKEND_PROBE_INTERVAL", "5s")

	cfg := Load()

	if got := cfg.BackendCommand(); got != "/usr/local/bin/skiff-backend" {
		t.Errorf("BackendCommand() = %q, want env override", got)
	}

	if got := cfg.BackendPort(); got != 9100 {
		t.Errorf("BackendPort() = %d, want 9100", got)
	}

	if got := cfg.ProbeInterval(); got != 5*time.Second {
		t.Errorf("ProbeInterval() = %v, want 5s", got)
	}
}

func TestSocketPath_DefaultAndOverride(t *testing.T) {
	isolateConfig(t)

	stateRoot := os.Getenv("XDG_STATE_HOME")

	cfg := Load()

	got, err := cfg.SocketPath()
	if err != nil {
		t.Fatalf("SocketPath() error = %v", err)
	}

	want := filepath.Join(stateRoot, "skiff", "runtime.sock")
	if got != want {
		t.Errorf("SocketPath() = %q, want %q", got, want)
	}

	t.Setenv("SKIFF_SOCKET_PATH", "/tmp/custom.sock")

	cfg = Load()

	got, err = cfg.SocketPath()
	if err != nil {
		t.Fatalf("SocketPath() error = %v", err)
	}

	if got != "/tmp/custom.sock" {
		t.Errorf("SocketPath() = %q, want /tmp/custom.sock", got)
	}
}

func TestSet_PersistsToConfigFile(t *testing.T) {
	isolateConfig(t)

	cfg := Load()

	if err := cfg.Set("backend.port", 9200); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	configFile := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "skiff", "config.yaml")
	if _, err := os.Stat(configFile); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	if got := cfg.BackendPort(); got != 9200 {
		t.Errorf("BackendPort() after Set = %d, want 9200", got)
	}
}
