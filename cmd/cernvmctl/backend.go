package main

import (
	gcontext "context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cernvm/libcernvm/internal/errdefs"
	"github.com/cernvm/libcernvm/internal/exec"
	"github.com/cernvm/libcernvm/internal/hv"
)

func bgContext() gcontext.Context {
	return gcontext.Background()
}

// ctlBackend drives a VBoxManage-compatible control program. Each session
// maps onto one registered machine named by its uuid.
type ctlBackend struct {
	binary string
}

func newCtlBackend(binary string) *ctlBackend {
	return &ctlBackend{binary: binary}
}

func (b *ctlBackend) run(ctx gcontext.Context, args ...string) (*exec.Result, error) {
	return exec.Run(ctx, 0, b.binary, args...)
}

// control runs one command and maps a non-zero exit onto the external
// error sentinel with the control program's stderr attached.
func (b *ctlBackend) control(ctx gcontext.Context, args ...string) error {
	res, err := b.run(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s %s: %s: %w", b.binary, args[0],
			strings.TrimSpace(res.Stderr), errdefs.ErrExternal)
	}
	return nil
}

func (b *ctlBackend) Open(ctx gcontext.Context, s *hv.Session) (hv.State, error) {
	// An already-registered machine is attached as-is.
	if res, err := b.run(ctx, "showvminfo", s.UUID, "--machinereadable"); err == nil && res.ExitCode == 0 {
		return hv.StatePowerOff, nil
	}
	err := b.control(ctx, "createvm",
		"--name", s.UUID,
		"--register",
		"--ostype", "Linux26_64")
	if err != nil {
		return hv.StateMissing, err
	}
	err = b.control(ctx, "modifyvm", s.UUID,
		"--cpus", s.Parameters().Get("cpus", "1"),
		"--memory", s.Parameters().Get("memory", "512"))
	if err != nil {
		return hv.StateMissing, err
	}
	return hv.StateAvailable, nil
}

func (b *ctlBackend) Start(ctx gcontext.Context, s *hv.Session) error {
	if media := s.Machine().Get("contextMedia", ""); media != "" {
		err := b.control(ctx, "storageattach", s.UUID,
			"--storagectl", "IDE",
			"--port", "1", "--device", "0",
			"--type", "dvddrive",
			"--medium", media)
		if err != nil {
			return err
		}
	}
	mode := "headless"
	if s.Parameters().GetInt("flags", 0)&hv.FlagHeadful != 0 {
		mode = "gui"
	}
	return b.control(ctx, "startvm", s.UUID, "--type", mode)
}

func (b *ctlBackend) Stop(ctx gcontext.Context, s *hv.Session) error {
	return b.control(ctx, "controlvm", s.UUID, "poweroff")
}

func (b *ctlBackend) Pause(ctx gcontext.Context, s *hv.Session) error {
	return b.control(ctx, "controlvm", s.UUID, "pause")
}

func (b *ctlBackend) Resume(ctx gcontext.Context, s *hv.Session) error {
	return b.control(ctx, "controlvm", s.UUID, "resume")
}

func (b *ctlBackend) Reset(ctx gcontext.Context, s *hv.Session) error {
	return b.control(ctx, "controlvm", s.UUID, "reset")
}

func (b *ctlBackend) Hibernate(ctx gcontext.Context, s *hv.Session) error {
	return b.control(ctx, "controlvm", s.UUID, "savestate")
}

func (b *ctlBackend) Delete(ctx gcontext.Context, s *hv.Session) error {
	res, err := b.run(ctx, "showvminfo", s.UUID)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		// Nothing registered; deletion is idempotent.
		return nil
	}
	return b.control(ctx, "unregistervm", s.UUID, "--delete")
}

var vmStatePattern = regexp.MustCompile(`(?m)^VMState="([a-z]+)"`)

func (b *ctlBackend) State(ctx gcontext.Context, s *hv.Session) (hv.State, error) {
	res, err := b.run(ctx, "showvminfo", s.UUID, "--machinereadable")
	if err != nil {
		return hv.StateMissing, err
	}
	if res.ExitCode != 0 {
		return hv.StateMissing, nil
	}
	m := vmStatePattern.FindStringSubmatch(res.Stdout)
	if m == nil {
		return hv.StateMissing, fmt.Errorf("no VMState in control program output: %w", errdefs.ErrExternal)
	}
	switch m[1] {
	case "running", "starting":
		return hv.StateRunning, nil
	case "paused":
		return hv.StatePaused, nil
	case "saved":
		return hv.StateSaved, nil
	case "poweroff", "aborted":
		return hv.StatePowerOff, nil
	}
	return hv.StateAvailable, nil
}

func (b *ctlBackend) SetExecutionCap(ctx gcontext.Context, s *hv.Session, cap int) error {
	return b.control(ctx, "controlvm", s.UUID, "cpuexecutioncap", fmt.Sprintf("%d", cap))
}

var uuidBracePattern = regexp.MustCompile(`\{([0-9a-f-]+)\}`)

func (b *ctlBackend) RunningMachines(ctx gcontext.Context) ([]string, error) {
	res, err := b.run(ctx, "list", "runningvms")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range uuidBracePattern.FindAllStringSubmatch(res.Stdout, -1) {
		out = append(out, m[1])
	}
	return out, nil
}

func (b *ctlBackend) Capabilities(ctx gcontext.Context) (hv.Capabilities, error) {
	return hv.Capabilities{
		MaxCPUs:       32,
		MaxMemoryMB:   65536,
		Supports64Bit: true,
		SupportsSave:  true,
	}, nil
}
