package restart

import (
	"context"

	"go.uber.org/zap"
)

// LogSignaler only records that a restart would have happened.
type LogSignaler struct {
	log *zap.Logger
}

func NewLogSignaler(log *zap.Logger) *LogSignaler {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSignaler{log: log}
}

func (s *LogSignaler) Restart(_ context.Context, reason string) error {
	s.log.Info("restart signal (dry run)", zap.String("reason", reason))
	return nil
}
