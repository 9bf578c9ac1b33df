package logfields

const (
	// Identifiers

	Name      = "name"
	Operation = "operation"

	SessionUUID = "uuid"
	MachineName = "machine"
	ProcessID   = "pid"

	// networking and IO

	URL      = "url"
	Bytes    = "bytes"
	File     = "file"
	Path     = "path"
	Checksum = "checksum"

	// provisioning

	Attempt = "attemptNo"
	Version = "version"
	Flavor  = "flavor"
	Arch    = "arch"

	// Status

	State    = "state"
	ExitCode = "exitCode"

	// Time

	Duration = "duration"
	Timeout  = "timeout"

	// Keys/Values

	Key   = "key"
	Value = "value"

	// logging and tracing

	TraceID = "traceID"
	SpanID  = "spanID"
)
