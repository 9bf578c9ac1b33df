// Package exec runs hypervisor control programs: one invocation with an
// argument vector, captured output and an enforced deadline.
package exec

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/pkg/errors"

	"github.com/cernvm/libcernvm/internal/errdefs"
	"github.com/cernvm/libcernvm/internal/log"
	"github.com/cernvm/libcernvm/internal/logfields"
)

// DefaultTimeout bounds one control-program invocation. Hypervisor CLIs
// normally return within seconds; anything longer means a wedged backend.
const DefaultTimeout = 2 * time.Minute

// Result carries the outcome of one invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run invokes the program at path with args, waits for completion and
// returns its captured output. A non-zero exit is not an error here;
// callers inspect ExitCode. Transport-level failures (missing binary,
// timeout, kill) return an error wrapping the external-error sentinel.
func Run(ctx context.Context, timeout time.Duration, path string, args ...string) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	duration := time.Since(started)

	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			log.G(ctx).WithFields(map[string]interface{}{
				logfields.Path:     path,
				logfields.ExitCode: res.ExitCode,
				logfields.Duration: duration,
			}).Debug("control program returned non-zero")
			return res, nil
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrapf(errdefs.ErrExternal, "control program %s timed out after %v", path, timeout)
		}
		return nil, errors.Wrapf(errdefs.ErrExternal, "run control program %s: %v", path, err)
	}

	log.G(ctx).WithFields(map[string]interface{}{
		logfields.Path:     path,
		logfields.Duration: duration,
	}).Debug("control program completed")
	return res, nil
}
