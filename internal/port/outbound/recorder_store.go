package outbound

import (
	"context"

	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/recording"
)

// RecorderStore is the durable persistence contract for session
// recordings. Schema is deliberately out of scope at this interface; the
// sqlite-backed adapter in adapter/outbound/recorder owns that.
type RecorderStore interface {
	// StartRecording begins a new recording for sessionID. Fails with
	// recording.ErrAlreadyRecording if one is already active for the
	// session.
	StartRecording(ctx context.Context, sessionID, sessionName string) (recordingID string, err error)

	// Append persists a batch of entries for recordingID, in arrival order.
	Append(ctx context.Context, recordingID string, entries []*logentry.LogEntry) error

	AddTag(ctx context.Context, recordingID, tag string) error
	RemoveTag(ctx context.Context, recordingID, tag string) error

	// AddSessionTag / RemoveSessionTag tag a recording by its session id,
	// usable both during and after recording.
	AddSessionTag(ctx context.Context, sessionID, tag string) error
	RemoveSessionTag(ctx context.Context, sessionID, tag string) error

	// StopRecording finalizes ended_at/message_count/duration_ms.
	StopRecording(ctx context.Context, recordingID string) (*recording.Metadata, error)

	// MarkErrored transitions a recording to Finalizing with an error,
	// without waiting for a user-initiated stop.
	MarkErrored(ctx context.Context, recordingID string, cause error) error

	// List returns every sealed or active recording's metadata, ordered by
	// started_at descending.
	List(ctx context.Context) ([]*recording.Metadata, error)

	// Get returns the metadata and ordered entries for a session's
	// recording.
	Get(ctx context.Context, sessionID string) (*recording.Metadata, []*logentry.LogEntry, error)

	// Delete removes a session's recording metadata and entries entirely.
	Delete(ctx context.Context, sessionID string) error

	// Close releases the underlying database handle.
	Close() error
}
