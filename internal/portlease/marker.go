package portlease

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Marker records the identity of a running (or previously running) runtime
// instance. The negotiator uses it to recognize a stale same-application
// backend occupying the preferred port, and `skiff stop` uses it to find the
// runtime process.
type Marker struct {
	PID        int       `toml:"pid"`
	BackendPID int       `toml:"backend_pid,omitempty"`
	Port       int       `toml:"port"`
	InstanceID string    `toml:"instance_id"`
	Version    string    `toml:"version"`
	StartedAt  time.Time `toml:"started_at"`
}

// WriteMarker atomically replaces the marker file.
func WriteMarker(path string, m Marker) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}

	body, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace marker: %w", err)
	}

	return nil
}

// ReadMarker loads the marker file. A missing file returns (nil, nil).
func ReadMarker(path string) (*Marker, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("read marker: %w", err)
	}

	var m Marker
	if err := toml.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}

	return &m, nil
}

// RemoveMarker deletes the marker file, ignoring a missing file.
func RemoveMarker(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker: %w", err)
	}

	return nil
}
