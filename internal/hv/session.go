package hv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/cernvm/libcernvm/internal/download"
	"github.com/cernvm/libcernvm/internal/errdefs"
	"github.com/cernvm/libcernvm/internal/log"
	"github.com/cernvm/libcernvm/internal/logfields"
	"github.com/cernvm/libcernvm/internal/oc"
	"github.com/cernvm/libcernvm/internal/params"
	"github.com/cernvm/libcernvm/internal/progress"
	"github.com/cernvm/libcernvm/internal/store"
)

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Parameter subgroup names on a session's store.
const (
	groupUserData   = "user-data"
	groupLocal      = "local"
	groupMachine    = "machine"
	groupProperties = "properties"
)

const downloadRetries = 4

// Session is one virtual machine under management. All configuration and
// durable state lives in its parameter map; the struct itself only adds
// transient bookkeeping. Callers serialize operations per session;
// different sessions run fully in parallel.
type Session struct {
	UUID string

	instance   *Instance
	parameters *params.Map
	userData   *params.Map
	local      *params.Map
	machine    *params.Map
	properties *params.Map
	store      *store.Bolt

	mu         sync.Mutex
	state      State
	opDone     chan struct{}
	provider   download.Provider
	refs       int
	pid        int
	internalID string
}

func newSession(i *Instance, uuid string, p *params.Map, st *store.Bolt) *Session {
	s := &Session{
		UUID:       uuid,
		instance:   i,
		parameters: p,
		userData:   p.Subgroup(groupUserData),
		local:      p.Subgroup(groupLocal),
		machine:    p.Subgroup(groupMachine),
		properties: p.Subgroup(groupProperties),
		store:      st,
	}
	s.state = State(s.local.GetInt("state", int(StateMissing)))
	return s
}

// applyDefaults seeds the parameter set of a fresh session without
// committing anything.
func applyDefaults(p *params.Map) {
	p.SetDefault("initialized", "0")
	p.SetDefault("cpus", "1")
	p.SetDefault("memory", "512")
	p.SetDefault("disk", "1024")
	p.SetDefault("executionCap", "100")
	p.SetDefault("apiPort", "80")
	p.SetDefault("flags", "0")
	p.SetDefault("uuid", "")
	p.SetDefault("ip", "")
	p.SetDefault("secret", "")
	p.SetDefault("name", "")
	p.SetDefault("diskURL", "")
	p.SetDefault("diskChecksum", "")
	p.SetDefault("cernvmFlavor", "prod")
	p.SetDefault("cernvmVersion", "latest")
}

// Parameters returns the session's full parameter map.
func (s *Session) Parameters() *params.Map { return s.parameters }

// UserData returns the contextualization subgroup.
func (s *Session) UserData() *params.Map { return s.userData }

// Local returns the host-local subgroup (state, paths, ports).
func (s *Session) Local() *params.Map { return s.local }

// Machine returns the hypervisor-machine subgroup.
func (s *Session) Machine() *params.Map { return s.machine }

// State returns the last confirmed lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetProvider overrides the download provider used for this session's
// provisioning.
func (s *Session) SetProvider(p download.Provider) {
	s.mu.Lock()
	s.provider = p
	s.mu.Unlock()
}

// Provider returns the session's download provider, falling back to the
// process-wide default.
func (s *Session) Provider() download.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider != nil {
		return s.provider
	}
	return download.Default()
}

// setState records a confirmed state and persists it.
func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	s.local.SetInt("state", int(next))
}

// beginOp marks an operation in flight so Wait and Abort can find it.
func (s *Session) beginOp() func() {
	s.mu.Lock()
	done := make(chan struct{})
	s.opDone = done
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.opDone == done {
			s.opDone = nil
		}
		s.mu.Unlock()
		close(done)
	}
}

// Wait blocks until the operation currently in flight, if any, completes.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.opDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Abort requests cancellation of the outstanding operation, including an
// in-flight provisioning download. Safe to call from any goroutine.
func (s *Session) Abort() {
	s.Provider().Abort()
}

// resync pulls the authoritative state from the backend after a failed
// transition; on query failure the last confirmed state stands.
func (s *Session) resync(ctx context.Context) {
	if st, err := s.instance.backend.State(ctx, s); err == nil {
		s.setState(st)
	}
}

// transition runs one state-machine edge: legality check, backend action,
// state commit. An illegal current state fails without side effects.
func (s *Session) transition(ctx context.Context, op string, next State, action func(context.Context) error, legal ...State) (err error) {
	ctx, span := trace.StartSpan(ctx, "cernvm::session::"+op)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.SessionUUID, s.UUID))

	cur := s.State()
	ok := false
	for _, l := range legal {
		if cur == l {
			ok = true
			break
		}
	}
	if !ok {
		return invalidTransition(s, op, cur)
	}

	end := s.beginOp()
	defer end()

	if err := action(ctx); err != nil {
		s.resync(ctx)
		return makeSessionError(s, op, err)
	}

	s.setState(next)
	log.G(ctx).WithFields(map[string]interface{}{
		logfields.SessionUUID: s.UUID,
		logfields.State:       next.String(),
	}).Debug("session transition")
	return nil
}

// Open creates or attaches the backing VM. Opening an already-open
// session reports the informational already-exists condition.
func (s *Session) Open(ctx context.Context) (err error) {
	ctx, span := trace.StartSpan(ctx, "cernvm::session::Open")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.SessionUUID, s.UUID))

	if s.State() != StateMissing {
		return errdefs.ErrAlreadyExists
	}

	end := s.beginOp()
	defer end()

	st, err := s.instance.backend.Open(ctx, s)
	if err != nil {
		return makeSessionError(s, "open", err)
	}
	if st != StateAvailable && st != StatePowerOff {
		return makeSessionError(s, "open",
			fmt.Errorf("backend reported %s after open: %w", st, errdefs.ErrInvalidState))
	}
	s.setState(st)
	s.parameters.SetInt("initialized", 1)
	return nil
}

// Start boots the VM, running the provisioning pipeline first when media
// are missing or stale. userData, when non-nil, replaces the session's
// contextualization values before media are built.
func (s *Session) Start(ctx context.Context, userData *params.Map, task *progress.Task) error {
	if userData != nil {
		s.userData.FromParameters(userData, false, true)
	}
	return s.transition(ctx, "start", StateRunning, func(ctx context.Context) error {
		if err := s.prepareMedia(ctx, task); err != nil {
			return err
		}
		return s.instance.backend.Start(ctx, s)
	}, StateAvailable, StatePowerOff, StateSaved)
}

// Stop powers the VM off from any running-like state.
func (s *Session) Stop(ctx context.Context) error {
	return s.transition(ctx, "stop", StatePowerOff, func(ctx context.Context) error {
		return s.instance.backend.Stop(ctx, s)
	}, StateRunning, StatePaused)
}

// Pause suspends a running VM in memory.
func (s *Session) Pause(ctx context.Context) error {
	return s.transition(ctx, "pause", StatePaused, func(ctx context.Context) error {
		return s.instance.backend.Pause(ctx, s)
	}, StateRunning)
}

// Resume continues a paused VM.
func (s *Session) Resume(ctx context.Context) error {
	return s.transition(ctx, "resume", StateRunning, func(ctx context.Context) error {
		return s.instance.backend.Resume(ctx, s)
	}, StatePaused)
}

// Hibernate saves the VM to disk and powers it off.
func (s *Session) Hibernate(ctx context.Context) error {
	return s.transition(ctx, "hibernate", StateSaved, func(ctx context.Context) error {
		return s.instance.backend.Hibernate(ctx, s)
	}, StateRunning)
}

// Reset cold-reboots a running VM; the state is unchanged.
func (s *Session) Reset(ctx context.Context) error {
	return s.transition(ctx, "reset", StateRunning, func(ctx context.Context) error {
		return s.instance.backend.Reset(ctx, s)
	}, StateRunning)
}

// Update re-synchronizes the state from the backend. With
// waitTillInactive it first blocks until no operation is in flight.
func (s *Session) Update(ctx context.Context, waitTillInactive bool) (err error) {
	ctx, span := trace.StartSpan(ctx, "cernvm::session::Update")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	if waitTillInactive {
		s.Wait()
	}
	st, err := s.instance.backend.State(ctx, s)
	if err != nil {
		return makeSessionError(s, "update", err)
	}
	s.setState(st)
	return nil
}

// ValidateIntegrity checks that the media files recorded for this
// session still exist on disk. Stale references are dropped so the next
// start rebuilds or re-downloads them. It reports whether the session
// was intact.
func (s *Session) ValidateIntegrity(ctx context.Context) bool {
	intact := true
	for _, key := range []string{"bootMedia", "contextMedia"} {
		path := s.machine.Get(key, "")
		if path == "" || fileExists(path) {
			continue
		}
		log.G(ctx).WithFields(logrus.Fields{
			logfields.SessionUUID: s.UUID,
			logfields.Path:        path,
		}).Warning("recorded media file is missing, dropping reference")
		s.machine.Set(key, "")
		if key == "contextMedia" {
			s.machine.Set("contextMediaHash", "")
		}
		intact = false
	}
	return intact
}

// Close detaches the session from the open-session registry without
// touching the backing VM. With unmonitored the session also drops its
// reference count immediately.
func (s *Session) Close(unmonitored bool) {
	s.instance.sessionClose(s, unmonitored)
}

// SetExecutionCap throttles the VM to cap percent of one host CPU and
// persists the setting.
func (s *Session) SetExecutionCap(ctx context.Context, cap int) error {
	if cap < 1 || cap > 100 {
		return makeSessionError(s, "setExecutionCap",
			fmt.Errorf("execution cap %d out of range: %w", cap, errdefs.ErrUsage))
	}
	if err := s.instance.backend.SetExecutionCap(ctx, s, cap); err != nil {
		return makeSessionError(s, "setExecutionCap", err)
	}
	s.parameters.SetInt("executionCap", cap)
	return nil
}

// SetProperty stores an arbitrary guest-visible property.
func (s *Session) SetProperty(name, value string) {
	s.properties.Set(name, value)
}

// GetProperty reads a guest-visible property.
func (s *Session) GetProperty(name string) string {
	return s.properties.Get(name, "")
}

// APIHost returns the host the in-guest API listens on.
func (s *Session) APIHost() string {
	return s.parameters.Get("apiHost", "127.0.0.1")
}

// APIPort returns the in-guest API port.
func (s *Session) APIPort() int {
	return s.parameters.GetInt("apiPort", 80)
}

// RDPAddress returns the host:port of the VM's remote display, or ""
// when none is exposed.
func (s *Session) RDPAddress() string {
	port := s.machine.Get("rdpPort", "")
	if port == "" {
		return ""
	}
	return "127.0.0.1:" + port
}

// prepareMedia makes sure the boot image and the contextualization image
// exist and match the current parameters, downloading and building what
// is missing. Paths are recorded only after the artifact is complete, so
// a failure leaves the previous media references intact.
func (s *Session) prepareMedia(ctx context.Context, task *progress.Task) error {
	pipeline := s.instance.pipelineFor(s)
	flags := s.parameters.GetInt("flags", 0)

	switch {
	case flags&FlagDeploymentISOLocal != 0 || flags&FlagDeploymentHDDLocal != 0:
		path := s.parameters.Get("diskPath", "")
		if path == "" {
			return fmt.Errorf("local deployment requested without diskPath: %w", errdefs.ErrUsage)
		}
		s.machine.Set("bootMedia", path)

	case flags&FlagDeploymentHDD != 0:
		url := s.parameters.Get("diskURL", "")
		if url == "" {
			return fmt.Errorf("disk deployment requested without diskURL: %w", errdefs.ErrUsage)
		}
		if s.machine.Get("bootMediaURL", "") != url || !fileExists(s.machine.Get("bootMedia", "")) {
			dest := filepath.Join(s.instance.DirDataCache, "disk-"+s.UUID+".img")
			checksum := s.parameters.Get("diskChecksum", "")
			if err := pipeline.DownloadFile(ctx, url, dest, checksum, downloadRetries, task); err != nil {
				return err
			}
			s.machine.Set("bootMedia", dest)
			s.machine.Set("bootMediaURL", url)
		}

	default:
		version := s.parameters.Get("cernvmVersion", "latest")
		arch := "i386"
		if flags&FlagSystem64Bit != 0 {
			arch = "x86_64"
		}
		path, err := pipeline.CernVMDownload(ctx, &version,
			s.parameters.Get("cernvmFlavor", "prod"), arch, downloadRetries, task)
		if err != nil {
			return err
		}
		s.parameters.Set("cernvmVersion", version)
		s.machine.Set("bootMedia", path)
	}

	return s.prepareContextMedia(ctx, pipeline)
}

// contextPayload serializes the contextualization values handed to the
// media builder. Values imported into the user-data subgroup supersede
// the flat "userData" parameter and render as sorted key=value lines, so
// the payload and the rebuild hash derived from it are deterministic.
func (s *Session) contextPayload() []byte {
	keys := s.userData.EnumKeys()
	if len(keys) == 0 {
		return []byte(s.parameters.Get("userData", ""))
	}

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(s.userData.Get(k, ""))
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// prepareContextMedia rebuilds the contextualization image when the
// serialized user data changed since the last build.
func (s *Session) prepareContextMedia(ctx context.Context, pipeline mediaPipeline) error {
	payload := s.contextPayload()
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	if s.machine.Get("contextMediaHash", "") == digest && fileExists(s.machine.Get("contextMedia", "")) {
		return nil
	}

	var (
		path string
		err  error
	)
	dir := filepath.Join(s.instance.DirData, "run")
	if s.parameters.GetInt("flags", 0)&FlagFloppyIO != 0 {
		path, err = pipeline.BuildFloppyIO(ctx, s.UUID, payload, dir)
	} else {
		path, err = pipeline.BuildContextISO(ctx, s.UUID, payload, dir)
	}
	if err != nil {
		return err
	}
	s.machine.Set("contextMedia", path)
	s.machine.Set("contextMediaHash", digest)
	return nil
}
