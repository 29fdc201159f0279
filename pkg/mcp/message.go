// Package mcp provides the wire-level JSON-RPC message types shared by the
// transport adapters and the interception pipeline.
package mcp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates which way a frame is flowing through the proxy.
type Direction int

const (
	// In is traffic flowing from the client toward the server.
	In Direction = iota
	// Out is traffic flowing from the server toward the client.
	Out
)

// String returns the wire-level direction tag used in exported LogEntry JSON.
func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	default:
		return "unknown"
	}
}

// MarshalJSON renders Direction as its wire-level tag ("in"/"out") so every
// exporter of LogEntry — JSON, the event bus stream, CSV — agrees on this
// field's shape.
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts the "in"/"out" tag produced by MarshalJSON.
func (d *Direction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "in":
		*d = In
	case "out":
		*d = Out
	default:
		return fmt.Errorf("mcp: invalid direction %q", s)
	}
	return nil
}

// StreamKind distinguishes the observed OS-level stream a frame arrived on.
// Only the stdio adapter has more than one (stdout vs stderr); the other
// transports always report Stdout since they have no separate error channel.
type StreamKind int

const (
	// Stdout is the ordinary data stream.
	Stdout StreamKind = iota
	// Stderr is a side channel never subject to JSON-RPC parsing.
	Stderr
)

func (k StreamKind) String() string {
	if k == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Frame is one atomic unit of protocol payload produced by a Framer: a line
// (stdio/SSE), an HTTP body, or a WebSocket message, tagged with the
// direction and stream it was observed on.
type Frame struct {
	Raw        []byte
	Direction  Direction
	StreamKind StreamKind
	Timestamp  time.Time
	// Truncated is set when the framer split an oversized frame at the
	// 16 MiB boundary; the bytes past the boundary continue in the
	// following frames.
	Truncated bool
	// Synthetic marks a frame manufactured by the core itself (process exit
	// notice, transport error) rather than observed on the wire.
	Synthetic bool
	// Injected marks a frame written by the injector's send_raw_message path
	// rather than received from the real client, so the UI can
	// suppress its own optimistic echo. Distinct from Synthetic: an injected
	// frame is still real client->server traffic, just not typed by a human
	// at a terminal.
	Injected bool
}

// Message wraps a decoded JSON-RPC message with the metadata the pipeline
// needs to classify and correlate it. Decoded is nil when the frame did not
// parse as JSON-RPC; callers must not assume non-nil.
type Message struct {
	// Raw contains the original bytes of the frame, unmodified.
	Raw []byte

	Direction Direction

	// Decoded holds the parsed JSON-RPC message. The concrete type is either
	// *jsonrpc.Request or *jsonrpc.Response. Nil if decoding failed.
	Decoded jsonrpc.Message

	Timestamp time.Time

	// ParsedParams caches the request params decoded as a generic map.
	ParsedParams map[string]interface{}
}

// IsRequest returns true if the message is a JSON-RPC request (includes
// notifications, which are requests with no id).
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// Request returns the underlying Request, or nil if this is not one.
func (m *Message) Request() *jsonrpc.Request {
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response, or nil if this is not one.
func (m *Message) Response() *jsonrpc.Response {
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses the request params and caches the result. Safe to call
// repeatedly. Returns nil if this is not a request or params did not decode.
func (m *Message) ParseParams() map[string]interface{} {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}
	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}
	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	m.ParsedParams = params
	return params
}

// fieldPresence is the lenient view of a JSON-RPC envelope used by the
// classifier, which must never fail on malformed input the way a strict
// decode into *jsonrpc.Request/*jsonrpc.Response would.
type fieldPresence map[string]json.RawMessage

// RawID extracts the "id" field from the raw frame bytes, preserving its
// original JSON form (string, number, or null). Returns nil if absent or the
// frame is not a JSON object.
func RawID(raw []byte) json.RawMessage {
	var fields fieldPresence
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	id, ok := fields["id"]
	if !ok {
		return nil
	}
	return id
}

// RawID is a convenience wrapper around the package-level RawID for the
// message's own raw bytes.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	return RawID(m.Raw)
}

// fields returns the lenient top-level field presence map for raw, or nil if
// raw does not parse as a JSON object.
func fields(raw []byte) fieldPresence {
	var f fieldPresence
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return f
}

// IsJSONRPCEnvelope reports whether raw is a JSON object carrying
// `"jsonrpc":"2.0"` and at least one of method/result/error, per the
// classifier's success rule. It does not validate further shape.
func IsJSONRPCEnvelope(raw []byte) bool {
	f := fields(raw)
	if f == nil {
		return false
	}
	var version string
	if v, ok := f["jsonrpc"]; ok {
		_ = json.Unmarshal(v, &version)
	}
	if version != "2.0" {
		return false
	}
	_, hasMethod := f["method"]
	_, hasResult := f["result"]
	_, hasError := f["error"]
	return hasMethod || hasResult || hasError
}
