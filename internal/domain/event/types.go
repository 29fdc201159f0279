// Package event defines the typed events streamed by the event bus to the
// UI subscriber and the recorder subscriber.
package event

import "github.com/reticlehq/reticle/internal/domain/logentry"

// Kind tags which variant of Event is populated. Event is a tagged struct
// (one Kind plus optional payload pointers) rather than an interface with
// type-switch dispatch.
type Kind string

const (
	KindSessionStart     Kind = "session-start"
	KindLogEvent         Kind = "log-event"
	KindRecordingStarted Kind = "recording-started"
	KindRecordingStopped Kind = "recording-stopped"
	// KindSessionStopped is the terminal transport-lifecycle event, emitted
	// once when a transport reaches its Closed state.
	KindSessionStopped Kind = "session-stopped"
)

// SessionStart is emitted when a transport attach completes and a Session is
// created.
type SessionStart struct {
	SessionID  string `json:"session_id"`
	StartedAt  int64  `json:"started_at"`
	Transport  string `json:"transport"`
	ServerName string `json:"server_name,omitempty"`
}

// SessionStopped is emitted when a transport reaches the Closed state.
type SessionStopped struct {
	SessionID string `json:"session_id"`
	EndedAt   int64  `json:"ended_at"`
}

// RecordingStarted is emitted when start_recording succeeds.
type RecordingStarted struct {
	SessionID   string `json:"session_id"`
	SessionName string `json:"session_name"`
}

// RecordingStopped is emitted when stop_recording succeeds.
type RecordingStopped struct {
	SessionID    string `json:"session_id"`
	MessageCount int64  `json:"message_count"`
	DurationMs   int64  `json:"duration_ms"`
}

// Event is one message on the bus.
type Event struct {
	Kind Kind `json:"kind"`

	SessionStart     *SessionStart     `json:"session_start,omitempty"`
	LogEvent         *logentry.LogEntry `json:"log_event,omitempty"`
	RecordingStarted *RecordingStarted `json:"recording_started,omitempty"`
	RecordingStopped *RecordingStopped `json:"recording_stopped,omitempty"`
	SessionStopped   *SessionStopped   `json:"session_stopped,omitempty"`
}

// NewLogEvent builds a Kind-tagged Event wrapping a LogEntry.
func NewLogEvent(entry *logentry.LogEntry) Event {
	return Event{Kind: KindLogEvent, LogEvent: entry}
}

// NewSessionStart builds a session-start event.
func NewSessionStart(sessionID, transport, serverName string, startedAt int64) Event {
	return Event{Kind: KindSessionStart, SessionStart: &SessionStart{
		SessionID:  sessionID,
		StartedAt:  startedAt,
		Transport:  transport,
		ServerName: serverName,
	}}
}

// NewSessionStopped builds a session-stopped event.
func NewSessionStopped(sessionID string, endedAt int64) Event {
	return Event{Kind: KindSessionStopped, SessionStopped: &SessionStopped{
		SessionID: sessionID,
		EndedAt:   endedAt,
	}}
}

// NewRecordingStarted builds a recording-started event.
func NewRecordingStarted(sessionID, sessionName string) Event {
	return Event{Kind: KindRecordingStarted, RecordingStarted: &RecordingStarted{
		SessionID:   sessionID,
		SessionName: sessionName,
	}}
}

// NewRecordingStopped builds a recording-stopped event.
func NewRecordingStopped(sessionID string, messageCount, durationMs int64) Event {
	return Event{Kind: KindRecordingStopped, RecordingStopped: &RecordingStopped{
		SessionID:    sessionID,
		MessageCount: messageCount,
		DurationMs:   durationMs,
	}}
}
