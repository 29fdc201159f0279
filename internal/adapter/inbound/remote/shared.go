// Package remote implements the three HTTP-family transport adapters
// (HTTP+SSE legacy, Streamable HTTP, WebSocket) plus the scheme-based
// auto-detection that picks between them.
package remote

import (
	"net/http"
	"strings"
	"time"
)

// newUpstreamClient builds the HTTP client used to reach the configured
// upstream: a generous timeout, and redirects passed through verbatim to
// the downstream caller rather than followed transparently.
func newUpstreamClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// allowedOrigin reports whether origin is a localhost/127.0.0.1 origin at
// any port.
func allowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, prefix := range []string{"http://localhost:", "http://127.0.0.1:"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return origin == "http://localhost" || origin == "http://127.0.0.1"
}

// writeCORS sets CORS headers for localhost/127.0.0.1 origins; no-op (no
// header written) for any other origin so the browser's same-origin policy
// applies by default.
func writeCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !allowedOrigin(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// hopByHopHeaders are stripped before relaying a request or response.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}
