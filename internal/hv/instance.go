package hv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blang/semver/v4"
	"github.com/google/uuid"
	"go.opencensus.io/trace"

	"github.com/cernvm/libcernvm/internal/download"
	"github.com/cernvm/libcernvm/internal/errdefs"
	"github.com/cernvm/libcernvm/internal/log"
	"github.com/cernvm/libcernvm/internal/logfields"
	"github.com/cernvm/libcernvm/internal/oc"
	"github.com/cernvm/libcernvm/internal/params"
	"github.com/cernvm/libcernvm/internal/progress"
	"github.com/cernvm/libcernvm/internal/provision"
	"github.com/cernvm/libcernvm/internal/store"
)

// mediaPipeline is the slice of the provisioning pipeline sessions use.
type mediaPipeline interface {
	DownloadFile(ctx context.Context, url, destination, checksum string, retries int, task *progress.Task) error
	CernVMDownload(ctx context.Context, version *string, flavor, arch string, retries int, task *progress.Task) (string, error)
	BuildContextISO(ctx context.Context, uuid string, userData []byte, parentFolder string) (string, error)
	BuildFloppyIO(ctx context.Context, uuid string, userData []byte, parentFolder string) (string, error)
}

// Instance owns the session registry for one detected hypervisor. It
// lives for the process; sessions come and go.
type Instance struct {
	// BinaryPath is the hypervisor control program.
	BinaryPath string

	// DirData holds per-session state databases and runtime media;
	// DirDataCache holds downloaded boot images shared across sessions.
	DirData      string
	DirDataCache string

	// Version is the detected hypervisor version.
	Version semver.Version

	backend  Backend
	pipeline mediaPipeline

	mu           sync.Mutex
	sessions     map[string]*Session
	openSessions []*Session
}

// Option configures an Instance.
type Option func(*Instance)

// WithPipeline replaces the provisioning pipeline.
func WithPipeline(p mediaPipeline) Option {
	return func(i *Instance) { i.pipeline = p }
}

// WithVersion records the detected hypervisor version.
func WithVersion(v semver.Version) Option {
	return func(i *Instance) { i.Version = v }
}

// WithBinaryPath records the control program location.
func WithBinaryPath(path string) Option {
	return func(i *Instance) { i.BinaryPath = path }
}

// NewInstance creates the registry for one hypervisor backend.
func NewInstance(backend Backend, dirData, dirDataCache string, opts ...Option) *Instance {
	i := &Instance{
		DirData:      dirData,
		DirDataCache: dirDataCache,
		backend:      backend,
		sessions:     make(map[string]*Session),
	}
	for _, o := range opts {
		o(i)
	}
	if i.pipeline == nil {
		i.pipeline = provision.New(download.Default(), dirDataCache)
	}
	return i
}

// pipelineFor returns the pipeline serving s, honoring a per-session
// download provider override.
func (i *Instance) pipelineFor(s *Session) mediaPipeline {
	s.mu.Lock()
	override := s.provider
	s.mu.Unlock()
	if override != nil {
		return provision.New(override, i.DirDataCache)
	}
	return i.pipeline
}

// Capabilities queries the backend's detected capabilities.
func (i *Instance) Capabilities(ctx context.Context) (Capabilities, error) {
	return i.backend.Capabilities(ctx)
}

// RunningMachines lists uuids the backend reports as running.
func (i *Instance) RunningMachines(ctx context.Context) ([]string, error) {
	return i.backend.RunningMachines(ctx)
}

// sessionValidate checks a parameter set describes a bootable session.
func sessionValidate(p *params.Map) error {
	if p.Get("name", "") == "" {
		return fmt.Errorf("session name is required: %w", errdefs.ErrUsage)
	}
	if cpus := p.GetInt("cpus", 1); cpus < 1 {
		return fmt.Errorf("cpus %d out of range: %w", cpus, errdefs.ErrUsage)
	}
	if mem := p.GetInt("memory", 512); mem < 16 {
		return fmt.Errorf("memory %dMB out of range: %w", mem, errdefs.ErrUsage)
	}
	if disk := p.GetInt("disk", 1024); disk < 1 {
		return fmt.Errorf("disk %dMB out of range: %w", disk, errdefs.ErrUsage)
	}
	if cap := p.GetInt("executionCap", 100); cap < 1 || cap > 100 {
		return fmt.Errorf("executionCap %d out of range: %w", cap, errdefs.ErrUsage)
	}
	return nil
}

// SessionOpen resolves or creates the session described by p. An existing
// session (matched by uuid, then by name) is returned as-is after the
// secret check; otherwise the parameter set is validated and a new
// session allocated and attached.
func (i *Instance) SessionOpen(ctx context.Context, p *params.Map, task *progress.Task, checkSecret bool) (_ *Session, err error) {
	ctx, span := trace.StartSpan(ctx, "cernvm::instance::SessionOpen")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	existing := i.SessionGet(p.Get("uuid", ""))
	if existing == nil {
		existing = i.SessionByName(p.Get("name", ""))
	}
	if existing != nil {
		if checkSecret && existing.parameters.Get("secret", "") != p.Get("secret", "") {
			return nil, makeSessionError(existing, "open",
				fmt.Errorf("session secret mismatch: %w", errdefs.ErrNotTrusted))
		}
		i.attach(existing)
		return existing, nil
	}

	if err := sessionValidate(p); err != nil {
		return nil, err
	}
	s, err := i.allocateSession(ctx, p)
	if err != nil {
		return nil, err
	}
	i.attach(s)
	task.Complete("session allocated")
	return s, nil
}

// allocateSession creates a new session with a fresh uuid (unless the
// caller supplied one) and a persistent parameter store under DirData.
func (i *Instance) allocateSession(ctx context.Context, p *params.Map) (*Session, error) {
	id := p.Get("uuid", "")
	if id == "" {
		id = uuid.New().String()
	}

	st, err := store.OpenBolt(filepath.Join(i.DirData, "sessions", id+".db"))
	if err != nil {
		return nil, err
	}
	sp, err := params.NewSynced(st)
	if err != nil {
		return nil, err
	}

	sp.Lock()
	sp.FromParameters(p, false, true)
	applyDefaults(sp)
	sp.Set("uuid", id)
	sp.Unlock()

	s := newSession(i, id, sp, st)

	i.mu.Lock()
	i.sessions[id] = s
	i.mu.Unlock()

	log.G(ctx).WithFields(map[string]interface{}{
		logfields.SessionUUID: id,
		logfields.Name:        sp.Get("name", ""),
	}).Info("session allocated")
	return s, nil
}

// attach adds s to the open-session list and bumps its reference count.
func (i *Instance) attach(s *Session) {
	i.mu.Lock()
	defer i.mu.Unlock()
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
	for _, o := range i.openSessions {
		if o == s {
			return
		}
	}
	i.openSessions = append(i.openSessions, s)
}

// SessionGet returns the session with the given uuid, or nil.
func (i *Instance) SessionGet(uuid string) *Session {
	if uuid == "" {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessions[uuid]
}

// SessionByName returns the first session whose name parameter matches,
// or nil.
func (i *Instance) SessionByName(name string) *Session {
	if name == "" {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, s := range i.sessions {
		if s.parameters.Get("name", "") == name {
			return s
		}
	}
	return nil
}

// OpenSessions returns the currently attached sessions in attach order.
func (i *Instance) OpenSessions() []*Session {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*Session, len(i.openSessions))
	copy(out, i.openSessions)
	return out
}

// Sessions returns every known session, attached or not.
func (i *Instance) Sessions() []*Session {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*Session, 0, len(i.sessions))
	for _, s := range i.sessions {
		out = append(out, s)
	}
	return out
}

// sessionClose detaches s from the open-session list. The backing VM and
// the persisted parameters survive; the session can be reopened.
func (i *Instance) sessionClose(s *Session, unmonitored bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	s.mu.Lock()
	if s.refs > 0 {
		s.refs--
	}
	refs := s.refs
	s.mu.Unlock()

	if refs > 0 && !unmonitored {
		return
	}
	for n, o := range i.openSessions {
		if o == s {
			i.openSessions = append(i.openSessions[:n], i.openSessions[n+1:]...)
			break
		}
	}
}

// SessionDelete destroys the backing VM, removes the persisted state and
// drives the session back to the initial state.
func (i *Instance) SessionDelete(ctx context.Context, s *Session) (err error) {
	ctx, span := trace.StartSpan(ctx, "cernvm::instance::SessionDelete")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.SessionUUID, s.UUID))

	if st := s.State(); st == StateRunning || st == StatePaused {
		return makeSessionError(s, "delete",
			fmt.Errorf("cannot delete while %s: %w", st, errdefs.ErrInvalidState))
	}

	if err := i.backend.Delete(ctx, s); err != nil {
		return makeSessionError(s, "delete", err)
	}

	s.setState(StateMissing)
	if s.store != nil {
		if err := s.store.Delete(); err != nil {
			return makeSessionError(s, "delete", err)
		}
	}

	i.mu.Lock()
	delete(i.sessions, s.UUID)
	for n, o := range i.openSessions {
		if o == s {
			i.openSessions = append(i.openSessions[:n], i.openSessions[n+1:]...)
			break
		}
	}
	i.mu.Unlock()

	log.G(ctx).WithField(logfields.SessionUUID, s.UUID).Info("session deleted")
	return nil
}

// LoadSessions restores sessions persisted under DirData into the
// registry without attaching them. States are re-synchronized from the
// backend best-effort.
func (i *Instance) LoadSessions(ctx context.Context) (err error) {
	ctx, span := trace.StartSpan(ctx, "cernvm::instance::LoadSessions")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	dir := filepath.Join(i.DirData, "sessions")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan session directory: %w", errdefs.ErrIO)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".db") {
			continue
		}
		id := strings.TrimSuffix(name, ".db")

		i.mu.Lock()
		_, known := i.sessions[id]
		i.mu.Unlock()
		if known {
			continue
		}

		st, err := store.OpenBolt(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		sp, err := params.NewSynced(st)
		if err != nil {
			return err
		}
		s := newSession(i, id, sp, st)

		i.mu.Lock()
		i.sessions[id] = s
		i.mu.Unlock()

		if uerr := s.Update(ctx, false); uerr != nil {
			log.G(ctx).WithField(logfields.SessionUUID, id).
				WithError(uerr).Warn("cannot resync restored session")
		}
		s.ValidateIntegrity(ctx)
	}
	return nil
}
