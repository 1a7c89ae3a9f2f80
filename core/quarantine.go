package core

import (
	"context"

	"github.com/olbrasoft/monolog/logging"
)

// QuarantineSink receives malformed or constraint-violating payloads for
// offline inspection instead of losing them. Ingestion favors availability:
// a rejected payload is quarantined, logged and skipped, never retried into
// the same failure.
type QuarantineSink interface {
	Quarantine(ctx context.Context, reason string, payload any) error
}

// NoOpQuarantineSink discards quarantined payloads. Default for library use
// where the caller has no inspection channel.
type NoOpQuarantineSink struct{}

// Quarantine implements QuarantineSink.
func (NoOpQuarantineSink) Quarantine(context.Context, string, any) error { return nil }

// LogQuarantineSink records quarantined payloads through the logger. Useful
// when no durable sink is wired.
type LogQuarantineSink struct {
	Logger logging.Logger
}

// Quarantine implements QuarantineSink.
func (s LogQuarantineSink) Quarantine(_ context.Context, reason string, payload any) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	logger.Warn("payload quarantined", "reason", reason, "payload", payload)
	return nil
}
