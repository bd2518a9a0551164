package restart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultExecTimeout = 30 * time.Second

// ExecSignaler runs a supervisor command such as
// "supervisorctl restart reverb". A non-zero exit is a failure.
type ExecSignaler struct {
	name    string
	args    []string
	timeout time.Duration
	log     *zap.Logger
}

func NewExecSignaler(command string, timeout time.Duration, log *zap.Logger) (*ExecSignaler, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("restart command is empty")
	}
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ExecSignaler{name: fields[0], args: fields[1:], timeout: timeout, log: log}, nil
}

func (s *ExecSignaler) Restart(ctx context.Context, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.name, s.args...)
	cmd.Env = append(cmd.Environ(), "WSREGISTRY_RESTART_REASON="+reason)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w: %s", s.name, err, strings.TrimSpace(tail(output.String(), 512)))
	}
	s.log.Debug("restart command finished", zap.String("command", s.name), zap.String("output", tail(output.String(), 512)))
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
