package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	apperrors "devspin/internal/errors"
	"devspin/internal/supervisor"
	"devspin/pkg/logging"
)

// Hook names as they appear in project documents and errors.
const (
	HookPreStart  = "pre_start"
	HookPostStart = "post_start"
	HookPreStop   = "pre_stop"
	HookPostStop  = "post_stop"
)

// maxHookOutput bounds how much captured output ends up in an error.
const maxHookOutput = 2048

// runHook runs a lifecycle hook in dir with the project environment. An empty
// command is a no-op.
func (o *Orchestrator) runHook(ctx context.Context, name, command, dir string, env []string) error {
	if command == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.HookTimeout)
	defer cancel()

	logging.Info("Orchestrator", "Running %s hook: %s", name, command)
	var out bytes.Buffer
	if err := supervisor.Run(ctx, command, dir, env, &out, &out); err != nil {
		if output := tail(out.String(), maxHookOutput); output != "" {
			err = fmt.Errorf("%w\n%s", err, output)
		}
		return apperrors.ErrHookFailed(name, err)
	}
	logging.Debug("Orchestrator", "%s hook output: %s", name, strings.TrimSpace(out.String()))
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
