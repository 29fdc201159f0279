package proxy

import (
	"github.com/google/uuid"
	"github.com/reticlehq/reticle/internal/domain/classifier"
	"github.com/reticlehq/reticle/internal/domain/logentry"
)

// ClassifierStage runs the frame through classifier.Classify and stamps the
// resulting skeleton with identity (EntryID via uuid.NewString, Sequence via
// the shared per-session allocator) and SessionID, then delegates.
type ClassifierStage struct {
	Sequence *logentry.SequenceAllocator
}

func NewClassifierStage(seq *logentry.SequenceAllocator) *ClassifierStage {
	return &ClassifierStage{Sequence: seq}
}

func (s *ClassifierStage) Intercept(pc *PipelineContext, next Interceptor) error {
	entry := classifier.Classify(pc.Frame)
	entry.EntryID = uuid.NewString()
	entry.SessionID = pc.Session.ID
	entry.Sequence = s.Sequence.Next(pc.Session.ID)
	pc.Entry = entry

	if next != nil {
		return next.Intercept(pc, nil)
	}
	return nil
}
