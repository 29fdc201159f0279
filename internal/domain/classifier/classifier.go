// Package classifier tags a framed byte string as jsonrpc, raw, or stderr
// and extracts method/id. It never fails: malformed JSON-RPC downgrades to
// raw rather than erroring, and it never mutates the frame's content.
package classifier

import (
	"encoding/json"

	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/pkg/mcp"
)

// Classify builds a LogEntry skeleton from an observed frame. SessionID,
// EntryID, and Sequence are left zero-valued; the pipeline fills them in
// before publication.
func Classify(frame mcp.Frame) *logentry.LogEntry {
	entry := &logentry.LogEntry{
		Timestamp: frame.Timestamp.UnixMicro(),
		Direction: frame.Direction,
		Content:   string(frame.Raw),
		Injected:  frame.Injected,
	}

	// Stream kind wins over everything else: stderr lines are never parsed
	// and never tokenized, truncated or not.
	if frame.StreamKind == mcp.Stderr {
		entry.MessageType = logentry.Stderr
		return entry
	}

	if frame.Truncated {
		entry.MessageType = logentry.Raw
		return entry
	}

	if !mcp.IsJSONRPCEnvelope(frame.Raw) {
		entry.MessageType = logentry.Raw
		return entry
	}

	entry.MessageType = logentry.JSONRPC

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame.Raw, &fields); err != nil {
		entry.MessageType = logentry.Raw
		return entry
	}

	if methodRaw, ok := fields["method"]; ok {
		var method string
		if err := json.Unmarshal(methodRaw, &method); err == nil {
			entry.Method = &method
		}
	}
	if idRaw, ok := fields["id"]; ok {
		id := json.RawMessage(append([]byte(nil), idRaw...))
		entry.RPCID = &id
	}

	return entry
}
