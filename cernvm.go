// Package cernvm manages CernVM virtual-machine sessions under a local
// hypervisor: session lifecycle, provisioning of verified boot media and
// the persistent per-session parameter store.
package cernvm

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/blang/semver/v4"

	"github.com/cernvm/libcernvm/internal/download"
	"github.com/cernvm/libcernvm/internal/exec"
	"github.com/cernvm/libcernvm/internal/hv"
	"github.com/cernvm/libcernvm/internal/params"
	"github.com/cernvm/libcernvm/internal/progress"
	"github.com/cernvm/libcernvm/internal/provision"
)

// Re-exported lifecycle types. The session layer lives in internal/hv;
// these aliases are the public surface.
type (
	Instance     = hv.Instance
	Session      = hv.Session
	Backend      = hv.Backend
	Capabilities = hv.Capabilities
	State        = hv.State
	Handshake    = hv.Handshake

	ParameterMap     = params.Map
	DownloadProvider = download.Provider
	ProgressTask     = progress.Task
)

const (
	StateMissing   = hv.StateMissing
	StateAvailable = hv.StateAvailable
	StatePowerOff  = hv.StatePowerOff
	StateSaved     = hv.StateSaved
	StatePaused    = hv.StatePaused
	StateRunning   = hv.StateRunning
)

const (
	HandshakeNone   = hv.HandshakeNone
	HandshakeSimple = hv.HandshakeSimple
	HandshakeHTTP   = hv.HandshakeHTTP
)

// NewParameterMap creates an empty in-memory parameter map.
func NewParameterMap() *ParameterMap {
	return params.New()
}

// NewProgressTask creates a progress sink feeding fn.
func NewProgressTask(fn progress.UpdateFunc) *ProgressTask {
	return progress.New(fn)
}

// DirData returns the default data directory for session state and
// runtime media.
func DirData() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "cernvm")
	}
	return filepath.Join(os.TempDir(), "cernvm")
}

// DirDataCache returns the default cache directory for downloaded boot
// images.
func DirDataCache() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "cernvm")
	}
	return filepath.Join(os.TempDir(), "cernvm-cache")
}

// NewInstance creates the session registry for a detected hypervisor
// backend using the default directories and download provider.
func NewInstance(backend Backend, opts ...hv.Option) *Instance {
	return hv.NewInstance(backend, DirData(), DirDataCache(), opts...)
}

// WithVersion, WithBinaryPath and WithPipeline configure NewInstance.
var (
	WithVersion    = hv.WithVersion
	WithBinaryPath = hv.WithBinaryPath
)

var versionToken = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

// DetectVersion runs the hypervisor control program with the given
// version arguments and parses the first version-shaped token of its
// output.
func DetectVersion(ctx context.Context, binaryPath string, args ...string) (semver.Version, error) {
	res, err := exec.Run(ctx, 30*time.Second, binaryPath, args...)
	if err != nil {
		return semver.Version{}, err
	}
	token := versionToken.FindString(res.Stdout)
	return semver.ParseTolerant(token)
}

// SetDefaultDownloadProvider replaces the process-wide download provider
// used by sessions without an explicit override.
func SetDefaultDownloadProvider(p DownloadProvider) {
	download.SetDefault(p)
}

// NewPipeline creates a provisioning pipeline on the given provider,
// caching images under cacheDir.
func NewPipeline(p DownloadProvider, cacheDir string, opts ...provision.Option) *provision.Pipeline {
	return provision.New(p, cacheDir, opts...)
}
