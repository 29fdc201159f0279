// Package recorder implements the durable outbound.RecorderStore contract
// on top of an embedded SQLite database: one table for session metadata,
// one for log entries keyed by (session_id, sequence), and a tags table
// keyed by (session_id, tag).
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/recording"
	"github.com/reticlehq/reticle/internal/domain/session"
	"github.com/reticlehq/reticle/internal/port/outbound"
	"github.com/reticlehq/reticle/pkg/mcp"
)

// Store implements outbound.RecorderStore on a single SQLite database file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (if needed) and opens the SQLite-backed recorder store at
// path. WAL mode and a busy timeout are set so the recorder's dedicated
// per-session flush workers (internal/service.RecorderService) never
// collide with a concurrent Get/List/export read.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	// SQLite tolerates only one writer at a time; serialize at the
	// database/sql pool level rather than fighting SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("recorder: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			recording_id   TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL UNIQUE,
			session_name   TEXT NOT NULL DEFAULT '',
			state          TEXT NOT NULL,
			started_at     INTEGER NOT NULL,
			ended_at       INTEGER,
			message_count  INTEGER NOT NULL DEFAULT 0,
			duration_ms    INTEGER,
			error          TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			session_id       TEXT NOT NULL,
			sequence         INTEGER NOT NULL,
			entry_id         TEXT NOT NULL,
			timestamp        INTEGER NOT NULL,
			direction        INTEGER NOT NULL,
			content          TEXT NOT NULL,
			message_type     TEXT NOT NULL,
			method           TEXT,
			rpc_id           TEXT,
			duration_micros  INTEGER,
			token_count      INTEGER,
			warning          TEXT NOT NULL DEFAULT '',
			injected         INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			session_id TEXT NOT NULL,
			tag        TEXT NOT NULL,
			PRIMARY KEY (session_id, tag)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("recorder: migrate: %w", err)
		}
	}
	return nil
}

// StartRecording implements outbound.RecorderStore.
func (s *Store) StartRecording(ctx context.Context, sessionID, sessionName string) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT recording_id FROM sessions WHERE session_id = ? AND state = ?`,
		sessionID, string(recording.Recording)).Scan(&existing)
	if err == nil {
		return "", recording.ErrAlreadyRecording
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("recorder: check active: %w", err)
	}

	recordingID := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (recording_id, session_id, session_name, state, started_at, message_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(session_id) DO UPDATE SET
			recording_id = excluded.recording_id,
			session_name = excluded.session_name,
			state = excluded.state,
			started_at = excluded.started_at,
			ended_at = NULL,
			message_count = 0,
			duration_ms = NULL,
			error = ''
	`, recordingID, sessionID, sessionName, string(recording.Recording), time.Now().UnixMicro())
	if err != nil {
		return "", fmt.Errorf("recorder: start recording: %w", err)
	}
	return recordingID, nil
}

// Append implements outbound.RecorderStore. Entries are inserted in one
// transaction so a mid-batch failure never leaves a partial flush visible.
func (s *Store) Append(ctx context.Context, recordingID string, entries []*logentry.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	sessionID, err := s.sessionIDFor(ctx, recordingID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recorder: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (session_id, sequence, entry_id, timestamp, direction, content,
			message_type, method, rpc_id, duration_micros, token_count, warning, injected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, sequence) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("recorder: prepare append: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var method sql.NullString
		if e.Method != nil {
			method = sql.NullString{String: *e.Method, Valid: true}
		}
		var rpcID sql.NullString
		if e.RPCID != nil {
			rpcID = sql.NullString{String: string(*e.RPCID), Valid: true}
		}
		var duration sql.NullInt64
		if e.DurationMicros != nil {
			duration = sql.NullInt64{Int64: *e.DurationMicros, Valid: true}
		}
		var tokenCount sql.NullInt64
		if e.TokenCount != nil {
			tokenCount = sql.NullInt64{Int64: int64(*e.TokenCount), Valid: true}
		}

		injected := 0
		if e.Injected {
			injected = 1
		}

		if _, err := stmt.ExecContext(ctx, sessionID, e.Sequence, e.EntryID, e.Timestamp,
			int(e.Direction), e.Content, string(e.MessageType), method, rpcID, duration,
			tokenCount, e.Warning, injected); err != nil {
			return fmt.Errorf("recorder: append entry: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET message_count = message_count + ? WHERE recording_id = ?`,
		len(entries), recordingID); err != nil {
		return fmt.Errorf("recorder: update message_count: %w", err)
	}

	return tx.Commit()
}

// AddTag implements outbound.RecorderStore.
func (s *Store) AddTag(ctx context.Context, recordingID, tag string) error {
	sessionID, err := s.sessionIDFor(ctx, recordingID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tags (session_id, tag) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		sessionID, tag)
	if err != nil {
		return fmt.Errorf("recorder: add tag: %w", err)
	}
	return nil
}

// RemoveTag implements outbound.RecorderStore.
func (s *Store) RemoveTag(ctx context.Context, recordingID, tag string) error {
	sessionID, err := s.sessionIDFor(ctx, recordingID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM tags WHERE session_id = ? AND tag = ?`, sessionID, tag)
	if err != nil {
		return fmt.Errorf("recorder: remove tag: %w", err)
	}
	return nil
}

// AddSessionTag implements outbound.RecorderStore, tagging by session id so
// sealed recordings stay taggable after stop.
func (s *Store) AddSessionTag(ctx context.Context, sessionID, tag string) error {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tags (session_id, tag) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		sessionID, tag)
	if err != nil {
		return fmt.Errorf("recorder: add session tag: %w", err)
	}
	return nil
}

// RemoveSessionTag implements outbound.RecorderStore.
func (s *Store) RemoveSessionTag(ctx context.Context, sessionID, tag string) error {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE session_id = ? AND tag = ?`, sessionID, tag)
	if err != nil {
		return fmt.Errorf("recorder: remove session tag: %w", err)
	}
	return nil
}

func (s *Store) requireSession(ctx context.Context, sessionID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("recorder: lookup session: %w", err)
	}
	return nil
}

// StopRecording implements outbound.RecorderStore.
func (s *Store) StopRecording(ctx context.Context, recordingID string) (*recording.Metadata, error) {
	now := time.Now().UnixMicro()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, ended_at = ?,
			duration_ms = (? - started_at) / 1000
		WHERE recording_id = ? AND state = ?
	`, string(recording.Sealed), now, now, recordingID, string(recording.Recording))
	if err != nil {
		return nil, fmt.Errorf("recorder: stop recording: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, recording.ErrNotRecording
	}

	var sessionID string
	if err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE recording_id = ?`, recordingID).
		Scan(&sessionID); err != nil {
		return nil, fmt.Errorf("recorder: lookup session after stop: %w", err)
	}
	return s.metadataFor(ctx, sessionID)
}

// MarkErrored implements outbound.RecorderStore.
func (s *Store) MarkErrored(ctx context.Context, recordingID string, cause error) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ?, error = ? WHERE recording_id = ?`,
		string(recording.Finalizing), cause.Error(), recordingID)
	if err != nil {
		return fmt.Errorf("recorder: mark errored: %w", err)
	}
	return nil
}

// List implements outbound.RecorderStore, ordered by started_at descending.
func (s *Store) List(ctx context.Context) ([]*recording.Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("recorder: list: %w", err)
	}
	defer rows.Close()

	var sessionIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("recorder: list scan: %w", err)
		}
		sessionIDs = append(sessionIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*recording.Metadata, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		md, err := s.metadataFor(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, nil
}

// Get implements outbound.RecorderStore.
func (s *Store) Get(ctx context.Context, sessionID string) (*recording.Metadata, []*logentry.LogEntry, error) {
	md, err := s.metadataFor(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, entry_id, timestamp, direction, content, message_type,
			method, rpc_id, duration_micros, token_count, warning, injected
		FROM entries WHERE session_id = ? ORDER BY sequence ASC
	`, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("recorder: get entries: %w", err)
	}
	defer rows.Close()

	var entries []*logentry.LogEntry
	for rows.Next() {
		e := &logentry.LogEntry{SessionID: sessionID}
		var method, rpcID sql.NullString
		var duration, tokenCount sql.NullInt64
		var direction int
		var messageType string
		var injected int
		if err := rows.Scan(&e.Sequence, &e.EntryID, &e.Timestamp, &direction, &e.Content, &messageType,
			&method, &rpcID, &duration, &tokenCount, &e.Warning, &injected); err != nil {
			return nil, nil, fmt.Errorf("recorder: scan entry: %w", err)
		}
		e.Direction = mcp.Direction(direction)
		e.MessageType = logentry.MessageType(messageType)
		e.Injected = injected != 0
		if method.Valid {
			m := method.String
			e.Method = &m
		}
		if rpcID.Valid {
			raw := json.RawMessage(rpcID.String)
			e.RPCID = &raw
		}
		if duration.Valid {
			d := duration.Int64
			e.DurationMicros = &d
		}
		if tokenCount.Valid {
			c := int(tokenCount.Int64)
			e.TokenCount = &c
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return md, entries, nil
}

// Delete implements outbound.RecorderStore.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recorder: begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("recorder: delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrSessionNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("recorder: delete entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("recorder: delete tags: %w", err)
	}
	return tx.Commit()
}

// Close implements outbound.RecorderStore.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) sessionIDFor(ctx context.Context, recordingID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE recording_id = ?`, recordingID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", recording.ErrNotRecording
	}
	if err != nil {
		return "", fmt.Errorf("recorder: lookup recording: %w", err)
	}
	return sessionID, nil
}

func (s *Store) metadataFor(ctx context.Context, sessionID string) (*recording.Metadata, error) {
	md := &recording.Metadata{SessionID: sessionID}
	var state, errMsg string
	var endedAt, durationMs sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT recording_id, session_name, state, started_at, ended_at, message_count, duration_ms, error
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&md.RecordingID, &md.SessionName, &state, &md.StartedAt, &endedAt, &md.MessageCount,
		&durationMs, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recorder: metadata: %w", err)
	}
	md.State = recording.State(state)
	md.Error = errMsg
	if endedAt.Valid {
		v := endedAt.Int64
		md.EndedAt = &v
	}
	if durationMs.Valid {
		v := durationMs.Int64
		md.DurationMs = &v
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM tags WHERE session_id = ? ORDER BY tag ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("recorder: tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		md.Tags = append(md.Tags, tag)
	}
	return md, rows.Err()
}

var _ outbound.RecorderStore = (*Store)(nil)
