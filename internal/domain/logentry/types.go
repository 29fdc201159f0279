// Package logentry defines the central record produced by the interception
// pipeline: one LogEntry per observed frame, published to the event bus and,
// while a recording is active, appended to the session recorder.
package logentry

import (
	"encoding/json"
	"time"

	"github.com/reticlehq/reticle/pkg/mcp"
)

// MessageType classifies how a frame's content was interpreted.
type MessageType string

const (
	// JSONRPC is a frame that parsed as a well-formed JSON-RPC 2.0 envelope.
	JSONRPC MessageType = "jsonrpc"
	// Raw is a frame that is not valid JSON-RPC but was still observed.
	Raw MessageType = "raw"
	// Stderr is a frame observed on a process's error stream; never parsed.
	Stderr MessageType = "stderr"
)

// LogEntry is one observed frame, classified and (if applicable) correlated.
// Once published it is immutable; the correlator and warning surfacing are
// the only code paths allowed to set fields after creation, and only before
// publication.
type LogEntry struct {
	// EntryID is a stable identity (UUID v4). Sequence is the strictly
	// increasing, process-local ordering key; the pair mirrors the
	// persisted (session_id, sequence) layout used by the recorder.
	EntryID  string `json:"entry_id"`
	Sequence int64  `json:"sequence"`

	SessionID string `json:"session_id"`

	// Timestamp is recorded in microseconds since the Unix epoch, per the
	// data model's microsecond-precision requirement.
	Timestamp int64 `json:"timestamp"`

	Direction   mcp.Direction `json:"direction"`
	Content     string        `json:"content"`
	MessageType MessageType   `json:"message_type"`

	Method *string          `json:"method,omitempty"`
	RPCID  *json.RawMessage `json:"rpc_id,omitempty"`

	DurationMicros *int64 `json:"duration_micros,omitempty"`
	TokenCount     *int   `json:"token_count,omitempty"`

	// Warning carries a non-fatal anomaly surfaced by the correlator
	// ("duplicate-id-evicted", table overflow) as metadata, without
	// mutating Content.
	Warning string `json:"warning,omitempty"`

	// Injected marks an entry produced by the injector's out-of-band
	// send_raw_message path, so the UI can suppress its optimistic echo.
	Injected bool `json:"injected,omitempty"`
}

// TimestampTime converts Timestamp back to a time.Time in UTC.
func (e *LogEntry) TimestampTime() time.Time {
	return time.UnixMicro(e.Timestamp).UTC()
}

// MicrosSince returns epoch as microseconds since the Unix epoch, suitable
// for stamping Timestamp on newly observed frames.
func MicrosSince(epoch time.Time) int64 {
	return epoch.UnixMicro()
}

// IsRequest reports whether this entry is a JSON-RPC request (has a method).
func (e *LogEntry) IsRequest() bool {
	return e.MessageType == JSONRPC && e.Method != nil
}

// IsResponse reports whether this entry is a JSON-RPC response (no method,
// has an id).
func (e *LogEntry) IsResponse() bool {
	return e.MessageType == JSONRPC && e.Method == nil && e.RPCID != nil
}

// IsNotification reports whether this entry is a JSON-RPC request with no id.
func (e *LogEntry) IsNotification() bool {
	return e.MessageType == JSONRPC && e.Method != nil && e.RPCID == nil
}
