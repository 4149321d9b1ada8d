package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

// outputTail bounds how much setup output ends up in an error message.
const outputTail = 2048

// ExecRunner implements domain.CommandRunner with os/exec.
type ExecRunner struct {
	logger *zap.Logger
}

// NewExecRunner creates a setup command runner.
func NewExecRunner(logger *zap.Logger) domain.CommandRunner {
	return &ExecRunner{logger: logger}
}

// Run executes command to completion and fails loudly on a nonzero exit.
func (r *ExecRunner) Run(ctx context.Context, name, command string, args []string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	r.logger.Info("running setup command",
		zap.String("setup", name),
		zap.String("command", command),
		zap.Strings("args", args))

	err := cmd.Run()
	if err == nil {
		r.logger.Info("setup command finished",
			zap.String("setup", name),
			zap.Duration("took", time.Since(start)))
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("setup %q timed out after %s: %s", name, timeout, tail(out.String()))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("setup %q exited with code %d: %s", name, exitErr.ExitCode(), tail(out.String()))
	}
	return fmt.Errorf("setup %q failed to run: %w", name, err)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > outputTail {
		return "..." + s[len(s)-outputTail:]
	}
	return s
}

// Ensure ExecRunner implements domain.CommandRunner.
var _ domain.CommandRunner = (*ExecRunner)(nil)
