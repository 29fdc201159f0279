package remote

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Kind identifies which remote transport adapter a given upstream URL
// selects.
type Kind int

const (
	// KindStreamable is the MCP 2025-03-26 Streamable HTTP adapter, the
	// http(s):// default.
	KindStreamable Kind = iota
	// KindLegacySSE is the MCP 2024-11-05 HTTP+SSE adapter, the http(s)://
	// fallback when the upstream 404s on POST /.
	KindLegacySSE
	// KindWebSocket is the ws(s):// adapter.
	KindWebSocket
)

// Detect selects the transport kind for upstream: ws://|wss:// ->
// WebSocket; http://|https:// -> Streamable HTTP by default, falling back
// to legacy SSE if a POST to "/" 404s.
func Detect(ctx context.Context, upstream string) Kind {
	switch {
	case strings.HasPrefix(upstream, "ws://"), strings.HasPrefix(upstream, "wss://"):
		return KindWebSocket
	case strings.HasPrefix(upstream, "http://"), strings.HasPrefix(upstream, "https://"):
		if probeStreamable404(ctx, upstream) {
			return KindLegacySSE
		}
		return KindStreamable
	default:
		return KindStreamable
	}
}

// probeStreamable404 reports whether upstream 404s on POST /, the signal
// for falling back from Streamable HTTP to legacy SSE.
func probeStreamable404(ctx context.Context, upstream string) bool {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(upstream, "/")+"/", strings.NewReader("{}"))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusNotFound
}
