package bootimage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jmgilman/go/exec"
)

// Runner runs a host tool and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs tools as child processes that inherit the environment.
// Output is captured, never echoed to the parent's terminal.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	// A fresh executor per call: Command carries per-run state.
	executor := exec.New(exec.WithInheritEnv(), exec.WithStdout(io.Discard), exec.WithStderr(io.Discard))
	res, err := executor.WithContext(ctx).Run(append([]string{name}, args...)...)
	if err != nil {
		var execErr *exec.ExecError
		if errors.As(err, &execErr) {
			if stderr := strings.TrimSpace(execErr.Stderr); stderr != "" {
				return execErr.Stdout, fmt.Errorf("%s: %w: %s", name, err, stderr)
			}
			return execErr.Stdout, fmt.Errorf("%s: %w", name, err)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return res.Stdout, nil
}
