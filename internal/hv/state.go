// Package hv implements the session lifecycle layer: the Instance owning
// the session registry and the Session state machine that drives a
// hypervisor backend and the provisioning pipeline.
package hv

// State is the lifecycle state of a session's backing virtual machine.
type State int

const (
	// StateMissing means no backing VM exists yet. It is the initial
	// state and is reached again after deletion.
	StateMissing State = iota
	StateAvailable
	StatePowerOff
	StateSaved
	StatePaused
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateMissing:
		return "MISSING"
	case StateAvailable:
		return "AVAILABLE"
	case StatePowerOff:
		return "POWEROFF"
	case StateSaved:
		return "SAVED"
	case StatePaused:
		return "PAUSED"
	case StateRunning:
		return "RUNNING"
	}
	return "UNKNOWN"
}

// Session feature flags, stored in the "flags" parameter as a decimal
// bitmask.
const (
	FlagSystem64Bit        = 1 << iota // guest is 64-bit
	FlagDeploymentHDD                  // boot a full disk image instead of the micro-iso, fetched online
	FlagGuestAdditions                 // attach a guest-additions disc
	FlagFloppyIO                       // contextualize over floppy instead of optical media
	FlagHeadful                        // start with a visible console
	FlagGraphical                      // enable graphical extensions
	FlagDualNIC                        // secondary adapter instead of a NAT rule on the first
	FlagSerialLogfile                  // wire ttyS0 to an external logfile
	FlagDeploymentHDDLocal             // full disk image from a local file
	FlagImportOVA                      // import an OVA, attach only a scratch disk
	FlagDeploymentISOLocal             // user-provided boot ISO, no download
)

// Handshake selects how far isAPIAlive probes the in-guest API endpoint.
type Handshake int

const (
	// HandshakeNone only checks that the TCP connection opens.
	HandshakeNone Handshake = iota
	// HandshakeSimple sends a blank line and checks the connection
	// survives it.
	HandshakeSimple
	// HandshakeHTTP issues a minimal GET and expects any response bytes.
	HandshakeHTTP
)
