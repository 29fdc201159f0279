package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reticlehq/reticle/internal/domain/event"
	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/proxy"
	"github.com/reticlehq/reticle/internal/domain/recording"
	"github.com/reticlehq/reticle/internal/port/outbound"
)

// flushInterval and flushBatchSize set the durability cadence: writes are
// flushed to disk at least every 100ms or 100 entries, whichever first.
const (
	flushInterval  = 100 * time.Millisecond
	flushBatchSize = 100
)

// recordingWorker owns one session's unbounded append queue and its
// dedicated flush goroutine.
type recordingWorker struct {
	recordingID string
	sessionID   string
	startedAt   time.Time

	mu  sync.Mutex
	buf []*logentry.LogEntry

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	messageCount atomic.Int64
	errored      atomic.Bool
}

// RecorderService is the orchestration layer around the durable store: it
// implements proxy.Appender (conditional on an active recording for the
// entry's session) and exposes the control API's recording operations. One
// queue per active recording, so one session's slow disk never backs up
// another's.
type RecorderService struct {
	store  outbound.RecorderStore
	logger *slog.Logger
	bus    proxy.Publisher

	mu      sync.RWMutex
	active  map[string]*recordingWorker // keyed by sessionID
	names   map[string]string           // sessionID -> sessionName, for display
}

// NewRecorderService creates a RecorderService backed by store.
func NewRecorderService(store outbound.RecorderStore, logger *slog.Logger) *RecorderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecorderService{
		store:  store,
		logger: logger,
		active: make(map[string]*recordingWorker),
		names:  make(map[string]string),
	}
}

// SetPublisher wires the event bus so recording-started/recording-stopped
// events reach UI subscribers. Must be called before the first
// StartRecording; a nil publisher disables the events.
func (s *RecorderService) SetPublisher(bus proxy.Publisher) {
	s.bus = bus
}

// StartRecording begins recording sessionID. Returns recording.ErrAlreadyRecording
// if one is already active for this session.
func (s *RecorderService) StartRecording(ctx context.Context, sessionID, sessionName string) (string, error) {
	s.mu.Lock()
	if _, exists := s.active[sessionID]; exists {
		s.mu.Unlock()
		return "", recording.ErrAlreadyRecording
	}
	s.mu.Unlock()

	recordingID, err := s.store.StartRecording(ctx, sessionID, sessionName)
	if err != nil {
		return "", err
	}

	w := &recordingWorker{
		recordingID: recordingID,
		sessionID:   sessionID,
		startedAt:   time.Now(),
		trigger:     make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}

	s.mu.Lock()
	s.active[sessionID] = w
	s.names[sessionID] = sessionName
	s.mu.Unlock()

	w.wg.Add(1)
	go s.runWorker(w)

	if s.bus != nil {
		s.bus.Publish(event.NewRecordingStarted(sessionID, sessionName))
	}
	return recordingID, nil
}

func (s *RecorderService) runWorker(w *recordingWorker) {
	defer w.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush(w)
		case <-w.trigger:
			s.flush(w)
		case <-w.stop:
			s.flush(w)
			return
		}
	}
}

func (s *RecorderService) flush(w *recordingWorker) {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.Append(ctx, w.recordingID, batch); err != nil {
		s.logger.Error("recorder append failed", "error", err, "recording_id", w.recordingID, "count", len(batch))
		if !w.errored.Swap(true) {
			if markErr := s.store.MarkErrored(ctx, w.recordingID, err); markErr != nil {
				s.logger.Error("recorder mark-errored failed", "error", markErr)
			}
		}
		return
	}
	w.messageCount.Add(int64(len(batch)))
}

// Append implements proxy.Appender: a no-op, never blocking, unless a
// recording is active for entry.SessionID.
func (s *RecorderService) Append(entry *logentry.LogEntry) {
	s.mu.RLock()
	w, ok := s.active[entry.SessionID]
	s.mu.RUnlock()
	if !ok || w.errored.Load() {
		return
	}

	w.mu.Lock()
	w.buf = append(w.buf, entry)
	full := len(w.buf) >= flushBatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
}

// StopRecording drains the queue to completion, then finalizes via the
// store.
func (s *RecorderService) StopRecording(ctx context.Context, sessionID string) (*recording.Metadata, error) {
	s.mu.Lock()
	w, ok := s.active[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, recording.ErrNotRecording
	}
	delete(s.active, sessionID)
	delete(s.names, sessionID)
	s.mu.Unlock()

	close(w.stop)
	w.wg.Wait()

	md, err := s.store.StopRecording(ctx, w.recordingID)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		var durationMs int64
		if md.DurationMs != nil {
			durationMs = *md.DurationMs
		}
		s.bus.Publish(event.NewRecordingStopped(sessionID, md.MessageCount, durationMs))
	}
	return md, nil
}

// AnyActiveSession returns the session id of some active recording, or ""
// when none is in progress. With the daemon's one-transport-at-a-time rule
// there is at most one.
func (s *RecorderService) AnyActiveSession() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sessionID := range s.active {
		return sessionID
	}
	return ""
}

// IsRecording reports whether sessionID currently has an active recording.
func (s *RecorderService) IsRecording(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[sessionID]
	return ok
}

// Status returns a live snapshot for get_recording_status.
func (s *RecorderService) Status(sessionID string) (isRecording bool, messageCount int64, durationSeconds float64) {
	s.mu.RLock()
	w, ok := s.active[sessionID]
	s.mu.RUnlock()
	if !ok {
		return false, 0, 0
	}
	return true, w.messageCount.Load(), time.Since(w.startedAt).Seconds()
}

func (s *RecorderService) AddTag(ctx context.Context, sessionID, tag string) error {
	w, err := s.workerFor(sessionID)
	if err != nil {
		return err
	}
	return s.store.AddTag(ctx, w.recordingID, tag)
}

func (s *RecorderService) RemoveTag(ctx context.Context, sessionID, tag string) error {
	w, err := s.workerFor(sessionID)
	if err != nil {
		return err
	}
	return s.store.RemoveTag(ctx, w.recordingID, tag)
}

func (s *RecorderService) workerFor(sessionID string) (*recordingWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.active[sessionID]
	if !ok {
		return nil, recording.ErrNotRecording
	}
	return w, nil
}

// TagSession and UntagSession tag a recording by session id, active or
// sealed.
func (s *RecorderService) TagSession(ctx context.Context, sessionID, tag string) error {
	return s.store.AddSessionTag(ctx, sessionID, tag)
}

func (s *RecorderService) UntagSession(ctx context.Context, sessionID, tag string) error {
	return s.store.RemoveSessionTag(ctx, sessionID, tag)
}

func (s *RecorderService) List(ctx context.Context) ([]*recording.Metadata, error) {
	return s.store.List(ctx)
}

func (s *RecorderService) Get(ctx context.Context, sessionID string) (*recording.Metadata, []*logentry.LogEntry, error) {
	return s.store.Get(ctx, sessionID)
}

func (s *RecorderService) Delete(ctx context.Context, sessionID string) error {
	return s.store.Delete(ctx, sessionID)
}

var _ proxy.Appender = (*RecorderService)(nil)
