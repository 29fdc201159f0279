package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/reticlehq/reticle/internal/ctxkey"
	"github.com/reticlehq/reticle/internal/domain/exporter"
	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/recording"
	"github.com/reticlehq/reticle/internal/domain/session"
	"github.com/reticlehq/reticle/internal/service"
)

// commandError is the typed error a failed command returns: a stable code
// the UI can dispatch on plus a single-line human-readable message.
type commandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *commandError) Error() string { return e.Code + ": " + e.Message }

func cmdErr(code string, err error) *commandError {
	return &commandError{Code: code, Message: err.Error()}
}

// TransportFactories builds transport adapters on demand. The handler
// depends on these instead of concrete adapter types so the wiring (command
// allowlist, working directory, listen address defaults) stays in one place
// in the daemon entry point.
type TransportFactories struct {
	// Stdio builds a stdio transport that spawns command with args.
	Stdio func(command string, args []string, serverName string) (service.ManagedTransport, error)
	// Remote builds an HTTP-family or WebSocket transport for upstreamURL,
	// listening locally on listenAddr, selecting the adapter by scheme.
	Remote func(ctx context.Context, upstreamURL, listenAddr, serverName string) (service.ManagedTransport, error)
}

// Handler executes control commands against the live core services.
type Handler struct {
	manager   *service.ProxyManager
	registry  *service.SessionRegistry
	recorder  *service.RecorderService
	injector  *service.Injector
	bus       *service.EventBus
	factories TransportFactories
}

// NewHandler wires a Handler to the core services it drives.
func NewHandler(manager *service.ProxyManager, registry *service.SessionRegistry, recorder *service.RecorderService, injector *service.Injector, bus *service.EventBus, factories TransportFactories) *Handler {
	return &Handler{
		manager:   manager,
		registry:  registry,
		recorder:  recorder,
		injector:  injector,
		bus:       bus,
		factories: factories,
	}
}

// Dispatch runs one command and returns its JSON result or a typed error.
func (h *Handler) Dispatch(ctx context.Context, command string, args json.RawMessage) (json.RawMessage, *commandError) {
	switch command {
	case "start_proxy_stdio":
		return h.startProxyStdio(ctx, args)
	case "start_proxy_remote":
		return h.startProxyRemote(ctx, args)
	case "stop_proxy":
		return h.stopProxy()
	case "send_raw_message":
		return h.sendRawMessage(ctx, args)
	case "start_recording":
		return h.startRecording(ctx, args)
	case "stop_recording":
		return h.stopRecording(ctx)
	case "get_recording_status":
		return h.getRecordingStatus()
	case "add_recording_tag":
		return h.recordingTag(ctx, args, true)
	case "remove_recording_tag":
		return h.recordingTag(ctx, args, false)
	case "add_session_tags":
		return h.sessionTags(ctx, args, true)
	case "remove_session_tags":
		return h.sessionTags(ctx, args, false)
	case "list_recorded_sessions":
		return h.listRecordedSessions(ctx)
	case "get_recorded_session":
		return h.getRecordedSession(ctx, args)
	case "delete_recorded_session":
		return h.deleteRecordedSession(ctx, args)
	case "export_session":
		return h.exportSession(ctx, args, "json")
	case "export_session_csv":
		return h.exportSession(ctx, args, "csv")
	case "export_session_har":
		return h.exportSession(ctx, args, "har")
	default:
		return nil, &commandError{Code: "UnknownCommand", Message: fmt.Sprintf("unknown command %q", command)}
	}
}

func decodeArgs(raw json.RawMessage, into any) *commandError {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &commandError{Code: "BadRequest", Message: "malformed args: " + err.Error()}
	}
	return nil
}

func encodeResult(v any) (json.RawMessage, *commandError) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &commandError{Code: "Internal", Message: err.Error()}
	}
	return raw, nil
}

type startProxyStdioArgs struct {
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	ServerName  string   `json:"server_name"`
	SessionName string   `json:"session_name"`
}

func (h *Handler) startProxyStdio(ctx context.Context, raw json.RawMessage) (json.RawMessage, *commandError) {
	var args startProxyStdioArgs
	if e := decodeArgs(raw, &args); e != nil {
		return nil, e
	}
	if args.Command == "" {
		return nil, &commandError{Code: "BadCommand", Message: "command is required"}
	}

	t, err := h.factories.Stdio(args.Command, args.Args, args.ServerName)
	if err != nil {
		return nil, cmdErr("BadCommand", err)
	}

	sessionID, err := h.manager.Start(ctx, t)
	if err != nil {
		if errors.Is(err, service.ErrProxyAlreadyRunning) {
			return nil, cmdErr("AlreadyRunning", err)
		}
		return nil, cmdErr("SpawnFailed", err)
	}

	h.maybeAutoRecord(ctx, sessionID, args.SessionName)
	return encodeResult(map[string]string{"session_id": sessionID})
}

type startProxyRemoteArgs struct {
	UpstreamURL string `json:"upstream_url"`
	LocalPort   int    `json:"local_port"`
	ServerName  string `json:"server_name"`
	SessionName string `json:"session_name"`
}

func (h *Handler) startProxyRemote(ctx context.Context, raw json.RawMessage) (json.RawMessage, *commandError) {
	var args startProxyRemoteArgs
	if e := decodeArgs(raw, &args); e != nil {
		return nil, e
	}
	if args.UpstreamURL == "" {
		return nil, &commandError{Code: "BadRequest", Message: "upstream_url is required"}
	}
	if args.LocalPort <= 0 || args.LocalPort > 65535 {
		return nil, &commandError{Code: "BadRequest", Message: "local_port must be in 1..65535"}
	}

	listenAddr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", args.LocalPort))
	t, err := h.factories.Remote(ctx, args.UpstreamURL, listenAddr, args.ServerName)
	if err != nil {
		return nil, cmdErr("UpstreamUnreachable", err)
	}

	sessionID, err := h.manager.Start(ctx, t)
	if err != nil {
		if errors.Is(err, service.ErrProxyAlreadyRunning) {
			return nil, cmdErr("AlreadyRunning", err)
		}
		return nil, cmdErr("BindFailed", err)
	}

	h.maybeAutoRecord(ctx, sessionID, args.SessionName)
	return encodeResult(map[string]string{"session_id": sessionID})
}

// loggerFrom returns the connection-enriched logger the server stored in
// ctx, or the default logger outside a connection (tests, direct calls).
func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// maybeAutoRecord begins a recording named sessionName when the start
// command carried one; a failure here is not fatal to the attach.
func (h *Handler) maybeAutoRecord(ctx context.Context, sessionID, sessionName string) {
	if sessionName == "" {
		return
	}
	if _, err := h.recorder.StartRecording(ctx, sessionID, sessionName); err != nil {
		loggerFrom(ctx).Warn("auto-start recording failed", "error", err, "session_id", sessionID)
	}
}

func (h *Handler) stopProxy() (json.RawMessage, *commandError) {
	if err := h.manager.Stop(); err != nil {
		if errors.Is(err, service.ErrProxyNotRunning) {
			return nil, cmdErr("NotRunning", err)
		}
		return nil, cmdErr("Internal", err)
	}
	return encodeResult(struct{}{})
}

type sendRawMessageArgs struct {
	Bytes string `json:"bytes"`
}

func (h *Handler) sendRawMessage(ctx context.Context, raw json.RawMessage) (json.RawMessage, *commandError) {
	var args sendRawMessageArgs
	if e := decodeArgs(raw, &args); e != nil {
		return nil, e
	}

	sessionID := h.manager.ActiveSessionID()
	if sessionID == "" {
		return nil, &commandError{Code: "NoActiveTransport", Message: "no proxy is running"}
	}

	if err := h.injector.SendRaw(ctx, sessionID, []byte(args.Bytes)); err != nil {
		if errors.Is(err, service.ErrNoActiveTransport) {
			return nil, cmdErr("NoActiveTransport", err)
		}
		return nil, cmdErr("WriteFailed", err)
	}
	return encodeResult(struct{}{})
}

type startRecordingArgs struct {
	SessionName string `json:"session_name"`
}

func (h *Handler) startRecording(ctx context.Context, raw json.RawMessage) (json.RawMessage, *commandError) {
	var args startRecordingArgs
	if e := decodeArgs(raw, &args); e != nil {
		return nil, e
	}

	sessionID := h.manager.ActiveSessionID()
	if sessionID == "" {
		return nil, &commandError{Code: "NoActiveTransport", Message: "no proxy is running"}
	}

	name := args.SessionName
	if name == "" {
		name = "session-" + sessionID[:8]
	}

	recordingID, err := h.recorder.StartRecording(ctx, sessionID, name)
	if err != nil {
		if errors.Is(err, recording.ErrAlreadyRecording) {
			return nil, cmdErr("AlreadyRecording", err)
		}
		return nil, cmdErr("Internal", err)
	}
	return encodeResult(map[string]string{"recording_id": recordingID})
}

func (h *Handler) stopRecording(ctx context.Context) (json.RawMessage, *commandError) {
	sessionID := h.manager.ActiveSessionID()
	if sessionID == "" {
		// The transport may have ended before the recording was stopped;
		// fall back to any session still recording.
		sessionID = h.recorder.AnyActiveSession()
	}
	if sessionID == "" {
		return nil, &commandError{Code: "NotRecording", Message: "no recording is active"}
	}

	md, err := h.recorder.StopRecording(ctx, sessionID)
	if err != nil {
		if errors.Is(err, recording.ErrNotRecording) {
			return nil, cmdErr("NotRecording", err)
		}
		return nil, cmdErr("Internal", err)
	}
	return encodeResult(md)
}

type recordingStatus struct {
	IsRecording     bool    `json:"is_recording"`
	SessionID       string  `json:"session_id,omitempty"`
	MessageCount    int64   `json:"message_count"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (h *Handler) getRecordingStatus() (json.RawMessage, *commandError) {
	sessionID := h.manager.ActiveSessionID()
	if sessionID == "" {
		sessionID = h.recorder.AnyActiveSession()
	}
	if sessionID == "" {
		return encodeResult(recordingStatus{})
	}

	isRecording, count, seconds := h.recorder.Status(sessionID)
	status := recordingStatus{IsRecording: isRecording, MessageCount: count, DurationSeconds: seconds}
	if isRecording {
		status.SessionID = sessionID
	}
	return encodeResult(status)
}

type tagArgs struct {
	Tag string `json:"tag"`
}

func (h *Handler) recordingTag(ctx context.Context, raw json.RawMessage, add bool) (json.RawMessage, *commandError) {
	var args tagArgs
	if e := decodeArgs(raw, &args); e != nil {
		return nil, e
	}

	norm, err := session.NormalizeTag(args.Tag)
	if err != nil {
		return nil, cmdErr("InvalidTag", err)
	}

	sessionID := h.manager.ActiveSessionID()
	if sessionID == "" {
		sessionID = h.recorder.AnyActiveSession()
	}
	if sessionID == "" {
		return nil, &commandError{Code: "NotRecording", Message: "no recording is active"}
	}

	if add {
		err = h.recorder.AddTag(ctx, sessionID, norm)
	} else {
		err = h.recorder.RemoveTag(ctx, sessionID, norm)
	}
	if err != nil {
		if errors.Is(err, recording.ErrNotRecording) {
			return nil, cmdErr("NotRecording", err)
		}
		return nil, cmdErr("Internal", err)
	}
	return encodeResult(struct{}{})
}

type sessionTagsArgs struct {
	SessionID string   `json:"session_id"`
	Tags      []string `json:"tags"`
}

func (h *Handler) sessionTags(ctx context.Context, raw json.RawMessage, add bool) (json.RawMessage, *commandError) {
	var args sessionTagsArgs
	if e := decodeArgs(raw, &args); e != nil {
		return nil, e
	}

	if len(args.Tags) == 0 {
		return nil, &commandError{Code: "BadRequest", Message: "tags is required"}
	}
	normalized := make([]string, 0, len(args.Tags))
	for _, tag := range args.Tags {
		norm, err := session.NormalizeTag(tag)
		if err != nil {
			return nil, cmdErr("InvalidTag", err)
		}
		normalized = append(normalized, norm)
	}

	// Tags apply to the in-memory session while it is active and to the
	// persisted recording when one exists; a session known to neither is an
	// error.
	live, liveErr := h.registry.Get(ctx, args.SessionID)
	storeKnown := true
	for _, tag := range normalized {
		if liveErr == nil {
			if add {
				_ = live.AddTag(tag)
			} else {
				live.RemoveTag(tag)
			}
		}
		var err error
		if add {
			err = h.recorder.TagSession(ctx, args.SessionID, tag)
		} else {
			err = h.recorder.UntagSession(ctx, args.SessionID, tag)
		}
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			storeKnown = false
		case err != nil:
			return nil, cmdErr("Internal", err)
		}
	}
	if liveErr != nil && !storeKnown {
		return nil, &commandError{Code: "UnknownSession", Message: fmt.Sprintf("no session %s", args.SessionID)}
	}
	return encodeResult(struct{}{})
}

func (h *Handler) listRecordedSessions(ctx context.Context) (json.RawMessage, *commandError) {
	list, err := h.recorder.List(ctx)
	if err != nil {
		return nil, cmdErr("Internal", err)
	}
	return encodeResult(list)
}

type sessionIDArgs struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) getRecordedSession(ctx context.Context, raw json.RawMessage) (json.RawMessage, *commandError) {
	var args sessionIDArgs
	if e := decodeArgs(raw, &args); e != nil {
		return nil, e
	}

	md, entries, err := h.recorder.Get(ctx, args.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, cmdErr("UnknownSession", err)
		}
		return nil, cmdErr("Internal", err)
	}
	if entries == nil {
		entries = []*logentry.LogEntry{}
	}
	return encodeResult(map[string]any{"metadata": md, "entries": entries})
}

func (h *Handler) deleteRecordedSession(ctx context.Context, raw json.RawMessage) (json.RawMessage, *commandError) {
	var args sessionIDArgs
	if e := decodeArgs(raw, &args); e != nil {
		return nil, e
	}

	if err := h.recorder.Delete(ctx, args.SessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, cmdErr("UnknownSession", err)
		}
		return nil, cmdErr("Internal", err)
	}
	return encodeResult(struct{}{})
}

type exportArgs struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

func (h *Handler) exportSession(ctx context.Context, raw json.RawMessage, format string) (json.RawMessage, *commandError) {
	var args exportArgs
	if e := decodeArgs(raw, &args); e != nil {
		return nil, e
	}
	if args.Path == "" {
		return nil, &commandError{Code: "BadRequest", Message: "path is required"}
	}

	md, entries, err := h.recorder.Get(ctx, args.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, cmdErr("UnknownSession", err)
		}
		return nil, cmdErr("Internal", err)
	}

	if err := os.MkdirAll(filepath.Dir(args.Path), 0o755); err != nil {
		return nil, cmdErr("WriteFailed", err)
	}
	f, err := os.Create(args.Path)
	if err != nil {
		return nil, cmdErr("WriteFailed", err)
	}
	defer f.Close()

	switch format {
	case "json":
		err = exporter.JSON(f, md, entries)
	case "csv":
		err = exporter.CSV(f, entries)
	case "har":
		err = exporter.HAR(f, entries)
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		return nil, cmdErr("WriteFailed", err)
	}
	return encodeResult(map[string]string{"path": args.Path})
}

// StreamEvents writes every bus event to conn as one JSON line until the
// client disconnects or ctx ends.
func (h *Handler) StreamEvents(ctx context.Context, conn net.Conn) {
	id, ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(id)

	enc := json.NewEncoder(conn)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
