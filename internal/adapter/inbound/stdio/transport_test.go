package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/reticlehq/reticle/internal/domain/correlator"
	"github.com/reticlehq/reticle/internal/domain/event"
	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/proxy"
	"github.com/reticlehq/reticle/internal/service"
	"github.com/reticlehq/reticle/pkg/mcp"
)

type capturingBus struct {
	mu     sync.Mutex
	events []event.Event
}

func (b *capturingBus) Publish(e event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *capturingBus) snapshot() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event.Event(nil), b.events...)
}

type nopAppender struct{}

func (nopAppender) Append(*logentry.LogEntry) {}

// fakeChild emulates a server that answers each request line with a
// canned response, then exits after respondTo lines.
type fakeChild struct {
	respond   func(line string) string
	respondTo int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	closeOnce sync.Once
}

func newFakeChild(respondTo int, respond func(string) string) *fakeChild {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &fakeChild{
		respond: respond, respondTo: respondTo,
		stdinR: stdinR, stdinW: stdinW,
		stdoutR: stdoutR, stdoutW: stdoutW,
	}
}

func (f *fakeChild) Start(context.Context) (io.WriteCloser, io.ReadCloser, error) {
	go func() {
		scanner := bufio.NewScanner(f.stdinR)
		for i := 0; i < f.respondTo && scanner.Scan(); i++ {
			fmt.Fprintf(f.stdoutW, "%s\n", f.respond(scanner.Text()))
		}
		f.stdoutW.Close()
	}()
	return f.stdinW, f.stdoutR, nil
}

func (f *fakeChild) Stderr() io.ReadCloser {
	return io.NopCloser(strings.NewReader(""))
}

func (f *fakeChild) Wait() (int, error) { return 0, nil }

func (f *fakeChild) Close() error {
	f.closeOnce.Do(func() {
		f.stdinW.Close()
		f.stdoutW.Close()
	})
	return nil
}

func newTestObserver(bus *capturingBus) *service.Observer {
	seq := logentry.NewSequenceAllocator()
	pipeline := proxy.NewPipeline(correlator.New(0), seq, bus, nopAppender{})
	return service.NewObserver(pipeline, bus, nopAppender{}, seq, 64, nil, nil)
}

func logEntries(events []event.Event) []*logentry.LogEntry {
	var out []*logentry.LogEntry
	for _, e := range events {
		if e.Kind == event.KindLogEvent {
			out = append(out, e.LogEvent)
		}
	}
	return out
}

func TestTransportHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := &capturingBus{}
	observer := newTestObserver(bus)
	ctx := context.Background()
	observer.Start(ctx)

	child := newFakeChild(1, func(line string) string { return line })
	registry := service.NewSessionRegistry()
	eventBus := service.NewEventBus(logentry.NewSequenceAllocator(), nil, nil)

	request := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`
	clientIn := strings.NewReader(request + "\n")
	var clientOut bytes.Buffer

	tr := New(child, "echo", registry, observer, eventBus, nil, clientIn, &clientOut, nil)
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	observer.Close()

	// The client received the echoed bytes unchanged.
	if got := clientOut.String(); got != request+"\n" {
		t.Errorf("client received %q, want %q", got, request+"\n")
	}

	entries := logEntries(bus.snapshot())
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (request, echo, exit notice), got %d", len(entries))
	}

	var req, echo, exit *logentry.LogEntry
	for _, e := range entries {
		switch {
		case e.MessageType == logentry.Stderr:
			exit = e
		case e.Direction == mcp.In:
			req = e
		default:
			echo = e
		}
	}

	if req == nil || req.MessageType != logentry.JSONRPC || req.Method == nil || *req.Method != "initialize" {
		t.Errorf("unexpected request entry: %+v", req)
	}
	if req != nil && (req.RPCID == nil || string(*req.RPCID) != "1") {
		t.Errorf("expected rpc_id 1, got %v", req.RPCID)
	}
	if echo == nil || echo.Content != request {
		t.Errorf("unexpected echo entry: %+v", echo)
	}
	if exit == nil || exit.Content != "[process exited with code 0]" {
		t.Errorf("unexpected exit notice: %+v", exit)
	}
	if entries[len(entries)-1] != exit {
		t.Error("expected the exit notice to be observed last")
	}

	// The session ended and was removed from the registry.
	if registry.Count() != 0 {
		t.Error("expected session to be unregistered after finalize")
	}
}

func TestTransportCorrelatesRoundTrips(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := &capturingBus{}
	observer := newTestObserver(bus)
	ctx := context.Background()
	observer.Start(ctx)

	// Mock server that replies with a result for every request id.
	child := newFakeChild(3, func(line string) string {
		var id struct {
			ID int `json:"id"`
		}
		_ = decodeJSON(line, &id)
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, id.ID)
	})

	registry := service.NewSessionRegistry()
	eventBus := service.NewEventBus(logentry.NewSequenceAllocator(), nil, nil)

	var in strings.Builder
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&in, `{"jsonrpc":"2.0","id":%d,"method":"ping"}`+"\n", i)
	}
	var clientOut bytes.Buffer

	tr := New(child, "mock", registry, observer, eventBus, nil, strings.NewReader(in.String()), &clientOut, nil)
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	observer.Close()

	var responses []*logentry.LogEntry
	for _, e := range logEntries(bus.snapshot()) {
		if e.IsResponse() {
			responses = append(responses, e)
		}
	}
	if len(responses) != 3 {
		t.Fatalf("expected 3 response entries, got %d", len(responses))
	}
	for _, r := range responses {
		if r.DurationMicros == nil {
			t.Fatalf("expected duration_micros on response %s", string(*r.RPCID))
		}
		if *r.DurationMicros < 0 || *r.DurationMicros > int64(time.Second/time.Microsecond) {
			t.Errorf("implausible duration %dus", *r.DurationMicros)
		}
	}
}

func decodeJSON(s string, into any) error {
	return json.Unmarshal([]byte(s), into)
}

// byteEchoChild copies its stdin to its stdout verbatim until it has echoed
// exactly n bytes, then closes stdout. Unlike the line-oriented fakeChild it
// never reframes, so it exposes any byte the transport rewrites in flight.
type byteEchoChild struct {
	n int64

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	closeOnce sync.Once
}

func newByteEchoChild(n int64) *byteEchoChild {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &byteEchoChild{n: n, stdinR: stdinR, stdinW: stdinW, stdoutR: stdoutR, stdoutW: stdoutW}
}

func (c *byteEchoChild) Start(context.Context) (io.WriteCloser, io.ReadCloser, error) {
	go func() {
		_, _ = io.CopyN(c.stdoutW, c.stdinR, c.n)
		c.stdoutW.Close()
	}()
	return c.stdinW, c.stdoutR, nil
}

func (c *byteEchoChild) Stderr() io.ReadCloser {
	return io.NopCloser(strings.NewReader(""))
}

func (c *byteEchoChild) Wait() (int, error) { return 0, nil }

func (c *byteEchoChild) Close() error {
	c.closeOnce.Do(func() {
		c.stdinW.Close()
		c.stdoutW.Close()
	})
	return nil
}

func TestTransportForwardsBytesExactly(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := &capturingBus{}
	observer := newTestObserver(bus)
	ctx := context.Background()
	observer.Start(ctx)

	// CRLF terminators, a blank line, and a trailing partial line must all
	// cross the proxy untouched; only the observation copies get rewritten.
	input := "{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\r\n" +
		"\n" +
		"raw partial without newline"

	child := newByteEchoChild(int64(len(input)))
	registry := service.NewSessionRegistry()
	eventBus := service.NewEventBus(logentry.NewSequenceAllocator(), nil, nil)

	var clientOut bytes.Buffer
	tr := New(child, "byte-echo", registry, observer, eventBus, nil, strings.NewReader(input), &clientOut, nil)
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	observer.Close()

	if got := clientOut.String(); got != input {
		t.Fatalf("bytes were rewritten in flight:\n got %q\nwant %q", got, input)
	}

	// The blank line is forwarded but never observed; the partial line is
	// observed with a truncation marker that must not have reached the wire.
	for _, e := range logEntries(bus.snapshot()) {
		if e.Content == "" {
			t.Error("blank line leaked into the observation stream")
		}
	}
}
