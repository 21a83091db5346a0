package wire

import "encoding/base64"

// Message types for the registry WebSocket protocol.
const (
	// Client → registry
	TypeAttach          = "session.attach"
	TypeWrite           = "session.write"
	TypeResize          = "session.resize"
	TypeDetach          = "session.detach"
	TypeKill            = "session.kill"
	TypeClearScrollback = "session.clear_scrollback"
	TypeAckColdRestore  = "session.ack_cold_restore"
	TypeList            = "sessions.list"

	// Registry → client
	TypeAttachResult = "session.attach_result"
	TypeSessionsSync = "sessions.sync"
	TypeData         = "stream.data"  // live PTY output
	TypeExit         = "stream.exit"  // process exited
	TypeDisconnect   = "stream.disconnect"
	TypeError        = "error"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeWriteFailed    = "WRITE_FAILED"
	CodeWriteQueueFull = "WRITE_QUEUE_FULL"
	CodeSessionKilled  = "TERMINAL_SESSION_KILLED"
)

// Exit reasons carried in StreamExit.Reason.
const (
	ReasonKilled = "killed"
	ReasonExited = "exited"
	ReasonError  = "error"
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Modes are the terminal modes the registry tracks per session.
type Modes struct {
	AlternateScreen bool `json:"alternate_screen"`
	BracketedPaste  bool `json:"bracketed_paste"`
}

// Snapshot is a point-in-time serialization of a session, delivered on
// reattach. SnapshotANSI replays scrollback + grid + cursor; the rehydrate
// sequences restore app-cursor, mouse and bracketed-paste modes. Alternate
// screen is deliberately absent — full-screen apps are recovered live.
type Snapshot struct {
	SnapshotANSI       string `json:"snapshot_ansi"`       // base64
	RehydrateSequences string `json:"rehydrate_sequences"` // base64
	Cwd                string `json:"cwd,omitempty"`
	Modes              Modes  `json:"modes"`
	Cols               int    `json:"cols"`
	Rows               int    `json:"rows"`
	ScrollbackLines    int    `json:"scrollback_lines"`
}

// Attach requests a session, creating it if it does not exist.
type Attach struct {
	Type            string   `json:"type"`
	RequestID       string   `json:"request_id"`
	SessionID       string   `json:"session_id"`
	TabID           string   `json:"tab_id,omitempty"`
	WorkspaceID     string   `json:"workspace_id,omitempty"`
	Cols            int      `json:"cols"`
	Rows            int      `json:"rows"`
	Cwd             string   `json:"cwd,omitempty"`
	InitialCommands []string `json:"initial_commands,omitempty"`
	SkipColdRestore bool     `json:"skip_cold_restore,omitempty"`
	AllowKilled     bool     `json:"allow_killed,omitempty"`
}

// AttachResult answers an Attach. Exactly one of the three shapes applies:
// isNew (fresh spawn, no snapshot), wasRecovered (live session + snapshot),
// or isColdRestore (snapshot only, no process — caller must ack or resume).
type AttachResult struct {
	Type          string    `json:"type"`
	RequestID     string    `json:"request_id"`
	SessionID     string    `json:"session_id"`
	IsNew         bool      `json:"is_new"`
	WasRecovered  bool      `json:"was_recovered,omitempty"`
	ViewportY     int       `json:"viewport_y,omitempty"`
	IsColdRestore bool      `json:"is_cold_restore,omitempty"`
	PreviousCwd   string    `json:"previous_cwd,omitempty"`
	Snapshot      *Snapshot `json:"snapshot,omitempty"`
}

// WriteMsg carries keystrokes to the session's process stdin.
type WriteMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"` // base64
}

// ResizeMsg tells the registry to resize the session PTY. Idempotent.
type ResizeMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// DetachMsg unsubscribes from the live stream without killing the process.
type DetachMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ViewportY int    `json:"viewport_y,omitempty"`
}

// KillMsg terminates the session process. Irreversible.
type KillMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ClearScrollbackMsg truncates the registry-side scrollback buffer.
type ClearScrollbackMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// AckColdRestoreMsg clears the cold-restore flag so the next attach spawns.
type AckColdRestoreMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ListMsg requests the registry's session list.
type ListMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// SessionsSync answers a ListMsg.
type SessionsSync struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id,omitempty"`
	Sessions  []SessionInfo `json:"sessions"`
}

// SessionInfo describes one session in the registry.
type SessionInfo struct {
	SessionID          string `json:"session_id"`
	Cwd                string `json:"cwd,omitempty"`
	Cols               int    `json:"cols"`
	Rows               int    `json:"rows"`
	State              string `json:"state"` // "running", "exited", "killed", "cold"
	ExitCode           int    `json:"exit_code,omitempty"`
	Attached           bool   `json:"attached"`
	ColdRestorePending bool   `json:"cold_restore_pending,omitempty"`
}

// StreamData carries raw PTY output bytes to the subscriber.
type StreamData struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"` // base64
}

// StreamExit tells the subscriber the process exited.
type StreamExit struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
	Reason    string `json:"reason,omitempty"` // killed | exited | error
}

// StreamDisconnect tells the subscriber it lost the stream without the
// process dying (e.g. superseded by a newer attach).
type StreamDisconnect struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorMsg reports request and write failures. SessionID and RequestID are
// set when the error is scoped to one; write errors arrive on the stream
// with only SessionID.
type ErrorMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

// EncodeData base64-encodes raw terminal bytes for a JSON payload.
func EncodeData(p []byte) string {
	return base64.StdEncoding.EncodeToString(p)
}

// DecodeData reverses EncodeData. Invalid input yields nil.
func DecodeData(s string) []byte {
	p, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return p
}
