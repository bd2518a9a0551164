package restart

import (
	"fmt"
	"io"
	"time"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/ports"
	"go.uber.org/zap"
)

const (
	ModeLog     = "log"
	ModeExec    = "exec"
	ModeRedis   = "redis"
	ModeWebhook = "webhook"
)

type Config struct {
	Mode          string
	Command       string
	Timeout       time.Duration
	RedisURL      string
	RedisPrefix   string
	RedisKey      string
	WebhookURL    string
	WebhookSecret string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the configured signaler. The returned closer releases any
// connection it holds.
func New(cfg Config, log *zap.Logger) (ports.RestartSignaler, io.Closer, error) {
	switch cfg.Mode {
	case "", ModeLog:
		return NewLogSignaler(log), nopCloser{}, nil
	case ModeExec:
		s, err := NewExecSignaler(cfg.Command, cfg.Timeout, log)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case ModeRedis:
		s, err := NewRedisSignaler(cfg.RedisURL, cfg.RedisPrefix, cfg.RedisKey)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case ModeWebhook:
		if cfg.WebhookURL == "" {
			return nil, nil, fmt.Errorf("restart mode %q requires a webhook url", cfg.Mode)
		}
		return NewWebhookSignaler(cfg.WebhookURL, cfg.WebhookSecret, cfg.Timeout), nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("unknown restart mode %q", cfg.Mode)
}
