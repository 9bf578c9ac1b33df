package hv

import "context"

// Capabilities describes what a hypervisor backend can do, as detected at
// instance creation.
type Capabilities struct {
	MaxCPUs       int
	MaxMemoryMB   int
	Supports64Bit bool
	SupportsSave  bool
}

// Backend maps abstract session transitions onto a concrete hypervisor
// control program. Implementations receive the session whose parameters
// describe the machine; they must not mutate the session's state field,
// which the session layer owns.
type Backend interface {
	// Open creates or attaches the backing VM and reports the state it
	// was found in (StateAvailable for a fresh machine, StatePowerOff for
	// an existing one).
	Open(ctx context.Context, s *Session) (State, error)

	// Start boots the VM with the prepared media attached.
	Start(ctx context.Context, s *Session) error

	Stop(ctx context.Context, s *Session) error
	Pause(ctx context.Context, s *Session) error
	Resume(ctx context.Context, s *Session) error

	// Reset cold-reboots a running VM.
	Reset(ctx context.Context, s *Session) error

	// Hibernate saves the VM state to disk and powers it off.
	Hibernate(ctx context.Context, s *Session) error

	// Delete destroys the backing VM and its storage.
	Delete(ctx context.Context, s *Session) error

	// State queries the backend for the VM's current lifecycle state.
	State(ctx context.Context, s *Session) (State, error)

	// SetExecutionCap throttles the VM to cap percent of host CPU.
	SetExecutionCap(ctx context.Context, s *Session, cap int) error

	// RunningMachines lists the uuids of machines the backend reports as
	// running.
	RunningMachines(ctx context.Context) ([]string, error)

	Capabilities(ctx context.Context) (Capabilities, error)
}
