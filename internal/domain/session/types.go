// Package session models the lifecycle of a proxied MCP session: one value
// per transport attach, retained in memory while active and optionally
// persisted by the recorder on finalize.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// TransportKind identifies which of the four wire modes a session is using.
type TransportKind string

const (
	Stdio          TransportKind = "stdio"
	SSELegacy      TransportKind = "sse-legacy"
	StreamableHTTP TransportKind = "streamable-http"
	WebSocket      TransportKind = "websocket"
)

// ErrSessionNotFound is returned by stores and the registry when a lookup by
// id fails.
var ErrSessionNotFound = errors.New("session: not found")

// ErrInvalidTag is returned when a caller supplies a tag that does not match
// the normalized tag grammar.
var ErrInvalidTag = errors.New("session: invalid tag")

var tagPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// NormalizeTag lowercases a tag and validates it against [a-z0-9_-]+.
func NormalizeTag(tag string) (string, error) {
	norm := toLower(tag)
	if !tagPattern.MatchString(norm) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	return norm, nil
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Session is the in-memory record of one transport attach. Tags are held as
// an ordered set: insertion order is preserved, duplicates are rejected
// silently (idempotent add), matching the tag-normalization-idempotence
// property.
type Session struct {
	ID            string
	TransportKind TransportKind

	ServerName    string
	ServerVersion string
	ServerCommand string

	StartedAt int64 // microseconds since epoch
	EndedAt   *int64

	tags     []string
	tagIndex map[string]struct{}
}

// GenerateSessionID produces a 128-bit cryptographically random session id,
// hex-encoded (32 characters).
func GenerateSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// New creates a Session with a freshly generated id and StartedAt set to now.
func New(kind TransportKind) (*Session, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:            id,
		TransportKind: kind,
		StartedAt:     time.Now().UnixMicro(),
		tagIndex:      make(map[string]struct{}),
	}, nil
}

// End marks the session ended at the given time, if not already ended.
func (s *Session) End(at time.Time) {
	if s.EndedAt != nil {
		return
	}
	micros := at.UnixMicro()
	s.EndedAt = &micros
}

// IsActive reports whether the session has not yet ended.
func (s *Session) IsActive() bool {
	return s.EndedAt == nil
}

// AddTag normalizes and inserts tag if not already present. Idempotent.
func (s *Session) AddTag(tag string) error {
	norm, err := NormalizeTag(tag)
	if err != nil {
		return err
	}
	if s.tagIndex == nil {
		s.tagIndex = make(map[string]struct{})
	}
	if _, ok := s.tagIndex[norm]; ok {
		return nil
	}
	s.tagIndex[norm] = struct{}{}
	s.tags = append(s.tags, norm)
	return nil
}

// RemoveTag removes tag if present; normalization errors are ignored since a
// tag that fails to normalize cannot be present either.
func (s *Session) RemoveTag(tag string) {
	norm, err := NormalizeTag(tag)
	if err != nil {
		return
	}
	if _, ok := s.tagIndex[norm]; !ok {
		return
	}
	delete(s.tagIndex, norm)
	for i, t := range s.tags {
		if t == norm {
			s.tags = append(s.tags[:i], s.tags[i+1:]...)
			break
		}
	}
}

// Tags returns a copy of the tag set in insertion order.
func (s *Session) Tags() []string {
	out := make([]string, len(s.tags))
	copy(out, s.tags)
	return out
}

// SortedTags returns a copy of the tag set sorted lexically, used by
// byte-deterministic exports.
func (s *Session) SortedTags() []string {
	out := s.Tags()
	sort.Strings(out)
	return out
}
