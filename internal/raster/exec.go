package raster

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, command string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec and logs each invocation.
type ExecRunner struct {
	Log *zap.Logger
	Now func() time.Time
}

// Run executes command and fails on a non-zero exit status.
func (r *ExecRunner) Run(ctx context.Context, command string, args ...string) ([]byte, error) {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	start := now()

	cmd := exec.CommandContext(ctx, command, args...)
	output, err := cmd.CombinedOutput()

	if r.Log != nil {
		r.Log.Debug("exec",
			zap.String("command", command),
			zap.Strings("args", args),
			zap.Duration("elapsed", now().Sub(start)),
			zap.Error(err))
	}
	if err != nil {
		return output, fmt.Errorf("%s %s: %w: %s", command, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}
