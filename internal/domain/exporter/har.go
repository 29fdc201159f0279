package exporter

import (
	"encoding/json"
	"io"
	"time"

	"github.com/reticlehq/reticle/internal/domain/logentry"
)

// harDocument is the top-level HAR 1.2 container.
type harDocument struct {
	Log harLog `json:"log"`
}

type harLog struct {
	Version string     `json:"version"`
	Creator harCreator `json:"creator"`
	Entries []harEntry `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// harEntry models one matched request/response pair, one unmatched request
// (synthetic 0-byte response), or one stderr line (Stderr=true, Request and
// Response both nil, Comment carrying the line).
type harEntry struct {
	StartedDateTime string       `json:"startedDateTime"`
	Time            float64      `json:"time"`
	Request         *harMessage  `json:"request,omitempty"`
	Response        *harMessage  `json:"response,omitempty"`
	Cache           harCache     `json:"cache"`
	Timings         harTimings   `json:"timings"`
	Comment         string       `json:"comment,omitempty"`
	Stderr          bool         `json:"_stderr,omitempty"`
}

type harMessage struct {
	Method      string          `json:"method,omitempty"`
	Status      int             `json:"status,omitempty"`
	StatusText  string          `json:"statusText,omitempty"`
	URL         string          `json:"url,omitempty"`
	HTTPVersion string          `json:"httpVersion"`
	Cookies     []struct{}      `json:"cookies"`
	Headers     []struct{}      `json:"headers"`
	QueryString []struct{}      `json:"queryString"`
	PostData    *harPostData    `json:"postData,omitempty"`
	Content     *harContent     `json:"content,omitempty"`
	HeadersSize int             `json:"headersSize"`
	BodySize    int             `json:"bodySize"`
}

type harPostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type harContent struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type harCache struct{}

type harTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// HAR writes the session as an HTTP Archive 1.2 document. Each entry with a
// method (request or notification) is paired with the response bearing the
// same rpc_id, if one exists and arrived after it; unmatched requests get a
// synthetic 0-byte response. Stderr lines become `_stderr` extension
// entries. Entries are emitted in the order their originating request (or
// stderr line) was observed.
func HAR(w io.Writer, entries []*logentry.LogEntry) error {
	// Mirror the correlator's own matching rule (internal/domain/correlator):
	// a response pairs with the most recently observed request carrying the
	// same rpc_id that has not yet been consumed by an earlier response. A
	// forward scan keeping one pending request per id, overwritten on
	// duplicate ids and cleared on match, is exactly that rule — it's what
	// makes "arrived after" true rather than just a same-id lookup.
	pending := make(map[string]*logentry.LogEntry)
	matched := make(map[*logentry.LogEntry]*logentry.LogEntry)
	for _, e := range entries {
		switch {
		case e.IsRequest() && e.RPCID != nil:
			pending[string(*e.RPCID)] = e
		case e.IsResponse():
			id := string(*e.RPCID)
			if req, ok := pending[id]; ok {
				matched[req] = e
				delete(pending, id)
			}
		}
	}

	doc := harDocument{
		Log: harLog{
			Version: "1.2",
			Creator: harCreator{Name: "reticle", Version: "1"},
			Entries: make([]harEntry, 0, len(entries)),
		},
	}

	for _, e := range entries {
		switch {
		case e.MessageType == logentry.Stderr:
			doc.Log.Entries = append(doc.Log.Entries, harEntry{
				StartedDateTime: e.TimestampTime().Format(time.RFC3339Nano),
				Time:            0,
				Comment:         e.Content,
				Stderr:          true,
			})
		case e.IsRequest():
			doc.Log.Entries = append(doc.Log.Entries, harRequestEntry(e, matched[e]))
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func harRequestEntry(req, resp *logentry.LogEntry) harEntry {
	method := ""
	if req.Method != nil {
		method = *req.Method
	}

	entry := harEntry{
		StartedDateTime: req.TimestampTime().Format(time.RFC3339Nano),
		Request: &harMessage{
			Method:      method,
			URL:         "mcp://" + method,
			HTTPVersion: "HTTP/1.1",
			PostData:    &harPostData{MimeType: "application/json", Text: req.Content},
			HeadersSize: -1,
			BodySize:    len(req.Content),
		},
	}

	if resp == nil {
		entry.Response = &harMessage{
			Status:      0,
			StatusText:  "no response",
			HTTPVersion: "HTTP/1.1",
			Content:     &harContent{Size: 0, MimeType: "application/json", Text: ""},
			HeadersSize: -1,
			BodySize:    0,
		}
		return entry
	}

	entry.Response = &harMessage{
		Status:      200,
		StatusText:  "OK",
		HTTPVersion: "HTTP/1.1",
		Content:     &harContent{Size: len(resp.Content), MimeType: "application/json", Text: resp.Content},
		HeadersSize: -1,
		BodySize:    len(resp.Content),
	}
	if resp.DurationMicros != nil {
		entry.Time = float64(*resp.DurationMicros) / 1000
	}
	return entry
}
