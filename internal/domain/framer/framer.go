// Package framer delimits JSON-RPC frames out of raw byte streams. Three
// framing modes exist: newline-delimited (stdio, SSE `data:` lines, legacy
// POST bodies), whole-body (HTTP), and whole-message (WebSocket, framed
// upstream by the transport).
package framer

import (
	"bufio"
	"errors"
	"io"
)

// MaxFrameLen is the 16 MiB cap past which a line is split into multiple
// frames; the oversized prefix is observed as a raw entry with a truncation
// marker.
const MaxFrameLen = 16 * 1024 * 1024

// truncationMarker is appended to the Display of a frame split at
// MaxFrameLen or left incomplete at stream EOF. It never appears in Wire.
const truncationMarker = " …[truncated]"

// Line is one framed line. Wire and Display serve different consumers and
// must never be conflated: Wire is what gets forwarded to the peer, Display
// is what gets observed and logged.
type Line struct {
	// Wire is the exact byte sequence consumed from the stream, terminator
	// included when one was read. Forwarding Wire verbatim, in order,
	// reproduces the input stream byte for byte: no terminator rewriting,
	// no marker, no dropped suffix.
	Wire []byte

	// Display is the observation copy: terminator stripped, capped at
	// MaxFrameLen, truncation marker appended when Truncated. Empty for a
	// blank line (which still carries its terminator in Wire).
	Display []byte

	// Truncated is set when Display was cut short: the line exceeded
	// MaxFrameLen (the remainder continues in subsequent frames) or the
	// stream ended mid-line.
	Truncated bool
}

// LineFramer reads newline-delimited frames from r. A line past MaxFrameLen
// is split into multiple frames rather than erroring out the stream or
// buffering without bound.
type LineFramer struct {
	br      *bufio.Reader
	pending []byte
	err     error
}

// NewLineFramer wraps r in a LineFramer.
func NewLineFramer(r io.Reader) *LineFramer {
	return &LineFramer{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next frame. err is io.EOF once the stream is exhausted,
// or a lower-level read error otherwise; a partial line at stream end is
// returned together with the error, marked Truncated. Both are non-fatal to
// the framer's caller, which is expected to synthesize a stderr
// "[transport] ..." entry on a real read error.
func (f *LineFramer) Next() (Line, error) {
	buf := f.pending
	f.pending = nil

	for {
		// Terminated line fully buffered.
		if n := len(buf); n > 0 && buf[n-1] == '\n' {
			content := n - 1
			if content > 0 && buf[content-1] == '\r' {
				content--
			}
			if content > MaxFrameLen {
				return f.split(buf), nil
			}
			return Line{Wire: buf, Display: displayCopy(buf[:content], false)}, nil
		}
		// Unterminated and past the cap: split now rather than buffering
		// without bound.
		if len(buf) > MaxFrameLen {
			return f.split(buf), nil
		}
		if f.err != nil {
			err := f.err
			if len(buf) == 0 {
				return Line{}, err
			}
			// Partial line at stream end; no terminator was ever read.
			return Line{Wire: buf, Display: displayCopy(buf, true), Truncated: true}, err
		}

		chunk, err := f.br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			f.err = err
		}
	}
}

// split emits the first MaxFrameLen bytes of an oversized line as one
// truncated frame and carries the remainder (terminator included, if
// present) over to the next call, so the concatenation of Wire across
// frames still reproduces the stream exactly.
func (f *LineFramer) split(buf []byte) Line {
	f.pending = append([]byte(nil), buf[MaxFrameLen:]...)
	wire := buf[:MaxFrameLen:MaxFrameLen]
	return Line{Wire: wire, Display: displayCopy(wire, true), Truncated: true}
}

// displayCopy returns an observation copy of content, marker-appended when
// truncated. Always a fresh allocation: Display outlives Wire in the async
// observation path.
func displayCopy(content []byte, truncated bool) []byte {
	if len(content) == 0 && !truncated {
		return nil
	}
	out := make([]byte, 0, len(content)+len(truncationMarker))
	out = append(out, content...)
	if truncated {
		out = append(out, truncationMarker...)
	}
	return out
}

// WholeBody reads r to completion and returns it as a single frame — used by
// the HTTP body framing mode (request and non-streamed response bodies are
// each one frame).
func WholeBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
