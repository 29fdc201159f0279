// Package exporter renders a recorded session to JSON, CSV, or HAR. All
// three formats are byte-deterministic given the same input: struct-tag
// field order in the JSON/HAR cases, and an explicit column order in the
// CSV case.
package exporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/recording"
)

// document is the JSON export envelope:
// `{ metadata: SessionMetadata, entries: [LogEntry, ...] }`.
type document struct {
	Metadata *recording.Metadata  `json:"metadata"`
	Entries  []*logentry.LogEntry `json:"entries"`
}

// JSON writes the session as a single pretty-printed JSON object, 2-space
// indented, all timestamps already in microseconds (LogEntry's own
// representation).
func JSON(w io.Writer, md *recording.Metadata, entries []*logentry.LogEntry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(document{Metadata: md, Entries: entries})
}

// csvHeader is the fixed column order of the CSV export.
var csvHeader = []string{
	"timestamp_us", "direction", "message_type", "method", "rpc_id",
	"duration_us", "token_count", "content",
}

// CSV writes one row per entry, in entry order, with content JSON-stringified
// so embedded commas/newlines/quotes never break the row.
func CSV(w io.Writer, entries []*logentry.LogEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("exporter: write csv header: %w", err)
	}
	for _, e := range entries {
		content, err := json.Marshal(e.Content)
		if err != nil {
			return fmt.Errorf("exporter: marshal content: %w", err)
		}
		method := ""
		if e.Method != nil {
			method = *e.Method
		}
		rpcID := ""
		if e.RPCID != nil {
			rpcID = string(*e.RPCID)
		}
		duration := ""
		if e.DurationMicros != nil {
			duration = fmt.Sprintf("%d", *e.DurationMicros)
		}
		tokenCount := ""
		if e.TokenCount != nil {
			tokenCount = fmt.Sprintf("%d", *e.TokenCount)
		}
		row := []string{
			fmt.Sprintf("%d", e.Timestamp),
			e.Direction.String(),
			string(e.MessageType),
			method,
			rpcID,
			duration,
			tokenCount,
			string(content),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("exporter: write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
