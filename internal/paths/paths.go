package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "skiff"

func configRoot() (string, error) {
	return rootWithFallback("XDG_CONFIG_HOME", os.UserConfigDir, ".config")
}

func stateRoot() (string, error) {
	noOSDefault := func() (string, error) {
		return "", fmt.Errorf("no OS state directory function")
	}

	return rootWithFallback("XDG_STATE_HOME", noOSDefault, filepath.Join(".local", "state"))
}

func rootWithFallback(xdgEnv string, osFn func() (string, error), fallbackDir string) (string, error) {
	// Priority 1: Explicit XDG env var (cross-platform).
	if xdg := os.Getenv(xdgEnv); xdg != "" && filepath.IsAbs(xdg) {
		return filepath.Join(xdg, appName), nil
	}

	// Priority 2: OS-specific default (macOS ~/Library/..., Windows %AppData%, Linux ~/.config).
	root, err := osFn()
	if err == nil && root != "" {
		return filepath.Join(root, appName), nil
	}

	// Priority 3: Home-dir fallback.
	home, homeErr := os.UserHomeDir()
	if homeErr == nil && home != "" {
		return filepath.Join(home, fallbackDir, appName), nil
	}

	if err != nil {
		return "", err
	}

	return "", fmt.Errorf("resolve user home directory")
}

// ConfigRoot returns the user config root directory for Skiff.
func ConfigRoot() (string, error) {
	return configRoot()
}

// StateRoot returns the user state root directory for Skiff.
func StateRoot() (string, error) {
	return stateRoot()
}

// LogsDir returns the default log directory for Skiff.
func LogsDir() (string, error) {
	root, err := stateRoot()
	if err != nil {
		return "", err
	}

	return filepath.Join(root, "logs"), nil
}

// DefaultLogFile returns the default log file path for Skiff.
func DefaultLogFile() (string, error) {
	logsDir, err := LogsDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(logsDir, "skiff.log"), nil
}

// SocketPath returns the local socket endpoint for the runtime.
// One endpoint exists per application instance; the runtime removes and
// recreates it on each start.
func SocketPath() (string, error) {
	root, err := stateRoot()
	if err != nil {
		return "", err
	}

	return filepath.Join(root, "runtime.sock"), nil
}

// MarkerPath returns the instance marker file path. The marker records the
// running runtime's pid, instance id, and backend port so a later run (or the
// port negotiator) can recognize a stale instance of this application.
func MarkerPath() (string, error) {
	root, err := stateRoot()
	if err != nil {
		return "", err
	}

	return filepath.Join(root, "instance.toml"), nil
}
