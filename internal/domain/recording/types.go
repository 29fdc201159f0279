// Package recording models a durable capture of a session: the recorder's
// in-memory view of "at most one active recording per session" plus the
// sealed metadata returned once stopped.
package recording

import "errors"

// Lifecycle states, per the recorder state machine: Idle -> Recording ->
// Finalizing -> Sealed.
type State string

const (
	Idle        State = "idle"
	Recording   State = "recording"
	Finalizing  State = "finalizing"
	Sealed      State = "sealed"
)

var (
	// ErrAlreadyRecording is returned by start_recording when a recording
	// for the same session is already active.
	ErrAlreadyRecording = errors.New("recording: already recording for this session")
	// ErrNotRecording is returned by stop/tag operations when no recording
	// is active for the session.
	ErrNotRecording = errors.New("recording: not recording")
	// ErrAttaching is returned when stop is attempted while the transport
	// is still in the Attaching state.
	ErrAttaching = errors.New("recording: transport still attaching")
)

// Metadata is the sealed (or in-progress) summary of a recording, returned by
// stop_recording, list(), and get().
type Metadata struct {
	RecordingID  string   `json:"recording_id"`
	SessionID    string   `json:"session_id"`
	SessionName  string   `json:"session_name"`
	State        State    `json:"state"`
	StartedAt    int64    `json:"started_at"`
	EndedAt      *int64   `json:"ended_at,omitempty"`
	MessageCount int64    `json:"message_count"`
	DurationMs   *int64   `json:"duration_ms,omitempty"`
	Tags         []string `json:"tags"`
	// Error is set when the recorder transitioned to Finalizing due to an
	// I/O error rather than a user-initiated stop.
	Error string `json:"error,omitempty"`
}
