package exec

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/cernvm/libcernvm/internal/errdefs"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test drives /bin/sh")
	}
}

func TestRunCapturesOutput(t *testing.T) {
	requireShell(t)

	res, err := Run(context.Background(), 0, "/bin/sh", "-c", "echo out; echo err >&2")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "out\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "err\n" {
		t.Fatalf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	requireShell(t)

	res, err := Run(context.Background(), 0, "/bin/sh", "-c", "exit 3")
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	requireShell(t)

	_, err := Run(context.Background(), 50*time.Millisecond, "/bin/sh", "-c", "sleep 5")
	if !errors.Is(err, errdefs.ErrExternal) {
		t.Fatalf("err = %v, want ErrExternal", err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), 0, "/nonexistent/hypervisor-ctl")
	if !errors.Is(err, errdefs.ErrExternal) {
		t.Fatalf("err = %v, want ErrExternal", err)
	}
}
