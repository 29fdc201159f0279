package proxy

import (
	"github.com/reticlehq/reticle/internal/domain/logentry"
	"github.com/reticlehq/reticle/internal/domain/tokenestimator"
)

// TokenEstimatorStage stamps token_count on jsonrpc/raw entries. stderr
// entries never get a token_count.
type TokenEstimatorStage struct{}

func NewTokenEstimatorStage() *TokenEstimatorStage {
	return &TokenEstimatorStage{}
}

func (s *TokenEstimatorStage) Intercept(pc *PipelineContext, next Interceptor) error {
	entry := pc.Entry
	if entry.MessageType == logentry.JSONRPC || entry.MessageType == logentry.Raw {
		count := tokenestimator.Estimate([]byte(entry.Content))
		entry.TokenCount = &count
	}

	if next != nil {
		return next.Intercept(pc, nil)
	}
	return nil
}
