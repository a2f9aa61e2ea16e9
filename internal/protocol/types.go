package protocol

import skifferrors "github.com/skiff-dev/skiff/internal/errors"

// SpawnRequest asks the runtime to create a new PTY-backed session.
// An empty Program spawns the user's login shell.
type SpawnRequest struct {
	Program string   `json:"program,omitempty"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Rows    uint16   `json:"rows"`
	Cols    uint16   `json:"cols"`
}

// SpawnResult acknowledges a spawn with the new session id.
type SpawnResult struct {
	SessionID string `json:"session_id"`
}

// AttachRequest attaches the connection to a session's forward bridge.
// Replay controls whether buffered history is delivered before live output.
type AttachRequest struct {
	Replay bool `json:"replay"`
}

// AttachOK acknowledges an attach.
type AttachOK struct {
	SessionID string `json:"session_id"`
}

// ResizeRequest propagates a terminal size change to the session.
type ResizeRequest struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// Data carries raw session bytes in input and output frames. JSON encoding
// base64s the byte slice; the envelope Seq orders chunks per direction.
type Data struct {
	Data []byte `json:"data"`
}

// ExitEvent is the end-of-stream marker delivered to every attached link
// when a session terminates.
type ExitEvent struct {
	ExitCode int  `json:"exit_code"`
	Killed   bool `json:"killed"`
}

// StatusEvent reports the supervised backend's lifecycle state.
type StatusEvent struct {
	State        string `json:"state"`
	RestartCount int    `json:"restart_count"`
	Port         int    `json:"port,omitempty"`
	Sessions     int    `json:"sessions"`
	Error        string `json:"error,omitempty"`
}

// ErrorEvent reports a failed request or a link-scoped error.
type ErrorEvent struct {
	Kind    skifferrors.Kind `json:"kind"`
	Message string           `json:"message"`
}
