package term

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Surface is what the engine drives on behalf of a session: the
// rendering side of a terminal. The desktop shell implements it over
// runtime events; tests implement it in memory.
type Surface interface {
	// WriteChunk renders one bounded piece of output. reset means the
	// surface must wipe its visible state before writing.
	WriteChunk(payload string, reset bool)
	// Focus moves keyboard focus to the terminal.
	Focus()
	// Clear wipes the surface on user-initiated clears.
	Clear()
	// Fit asks the surface to re-measure itself.
	Fit()
	// Status shows transient session status text; "" clears it.
	Status(text string)
}

// Options tune the engine's write scheduling.
type Options struct {
	// ChunkSize bounds one surface write. <= 0 selects the default.
	ChunkSize int
	// FlushInterval is the yield between chunk writes. < 0 selects
	// the default; 0 yields without sleeping.
	FlushInterval time.Duration
}

// StartOptions describe one terminal start request.
type StartOptions struct {
	SessionID        string
	WorkingDirectory string
	// Host selects the transport; "" is the local PTY.
	Host string
	Cols int
	Rows int
}

// SessionInfo is the engine's status view of one session.
type SessionInfo struct {
	SessionID        string `json:"sessionId"`
	Handle           string `json:"handle,omitempty"`
	Host             string `json:"host,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	State            string `json:"state"`
	Connecting       bool   `json:"connecting"`
	BufferLength     int    `json:"bufferLength"`
}

// session is the engine's live controller for one sessionID: start
// serialization, the currently attached surface with its reconciler
// and scheduler, geometry negotiation state, and the lifecycle state
// the supervisor reports.
type session struct {
	id string

	startMu sync.Mutex // serializes Start/Close cycles

	mu        sync.Mutex // guards everything below
	host      string
	transport Transport
	sub       Subscription
	state     State

	surface Surface
	rec     *Reconciler
	sched   *Scheduler
	geo     Negotiator
}

// Engine owns the registry, the transports and every live session.
// It is the single entry point both binaries' surfaces talk to.
type Engine struct {
	registry *Registry
	opts     Options
	log      *zap.Logger

	mu         sync.Mutex
	transports map[string]Transport
	sessions   map[string]*session
}

// NewEngine creates an engine around an injected registry. Transports
// are registered separately; at minimum the local one ("").
func NewEngine(registry *Registry, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		registry:   registry,
		opts:       opts,
		log:        log,
		transports: make(map[string]Transport),
		sessions:   make(map[string]*session),
	}
}

// Registry exposes the injected store, mainly to status surfaces.
func (e *Engine) Registry() *Registry { return e.registry }

// RegisterTransport makes a transport selectable by host name. The
// empty name is the local transport.
func (e *Engine) RegisterTransport(host string, t Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transports[host] = t
}

func (e *Engine) transportFor(host string) (Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transports[host]
	if !ok {
		return nil, fmt.Errorf("no transport for host %q", host)
	}
	return t, nil
}

func (e *Engine) session(sessionID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID, state: StateIdle}
		e.sessions[sessionID] = s
	}
	return s
}

func (e *Engine) lookup(sessionID string) (*session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	return s, ok
}

// Start creates (or reuses) the session's terminal. Idempotent for a
// live handle in the same working directory. A live handle in a
// different directory is closed and replaced by a fresh one.
func (e *Engine) Start(ctx context.Context, opts StartOptions) error {
	if opts.SessionID == "" {
		return errors.New("session id required")
	}
	s := e.session(opts.SessionID)
	s.startMu.Lock()
	defer s.startMu.Unlock()

	log := e.log.With(zap.String("session", opts.SessionID), zap.String("host", opts.Host))

	if rec, ok := e.registry.Get(opts.SessionID); ok {
		if rec.Connecting {
			return nil // Creation already in flight
		}
		if rec.Handle != "" {
			if rec.WorkingDirectory == opts.WorkingDirectory && rec.Host == opts.Host {
				return nil // Already running where requested
			}
			// Directory (or host) changed: never reuse the handle.
			// The record goes first so the old supervisor sees a
			// stale handle instead of a torn stream.
			log.Info("terminal directory changed, replacing handle",
				zap.String("old_dir", rec.WorkingDirectory),
				zap.String("new_dir", opts.WorkingDirectory))
			e.registry.Remove(opts.SessionID)
			e.teardown(s, rec.Handle)
		}
	}

	tr, err := e.transportFor(opts.Host)
	if err != nil {
		return err
	}

	e.registry.Put(opts.SessionID, SessionRecord{
		Host:             opts.Host,
		WorkingDirectory: opts.WorkingDirectory,
		Connecting:       true,
	})
	e.setState(opts.SessionID, StateConnecting)

	handle, err := tr.CreateSession(ctx, CreateOptions{
		Cols:             opts.Cols,
		Rows:             opts.Rows,
		WorkingDirectory: opts.WorkingDirectory,
	})
	if err != nil {
		// Session stays idle and retryable; the record keeps the
		// requested directory so a retry needs no arguments.
		e.registry.SetConnecting(opts.SessionID, false)
		e.setState(opts.SessionID, StateIdle)
		e.status(opts.SessionID, fmt.Sprintf("failed to start terminal: %v", err))
		log.Error("terminal spawn failed", zap.Error(err))
		return err
	}

	sub, err := tr.Subscribe(ctx, handle)
	if err != nil {
		_ = tr.Close(handle)
		e.registry.Remove(opts.SessionID)
		e.setState(opts.SessionID, StateIdle)
		e.status(opts.SessionID, fmt.Sprintf("failed to open terminal stream: %v", err))
		log.Error("terminal subscribe failed", zap.Error(err))
		return &TransportError{Handle: handle, Fatal: true, Err: err}
	}

	e.registry.SetHandle(opts.SessionID, handle)

	s.mu.Lock()
	s.host = opts.Host
	s.transport = tr
	s.sub = sub
	s.geo.Seed(Geometry{Cols: opts.Cols, Rows: opts.Rows})
	s.mu.Unlock()

	sv := &supervisor{
		sessionID: opts.SessionID,
		handle:    handle,
		eng:       e,
		sub:       sub,
		log:       log.With(zap.String("handle", handle)),
	}
	go sv.run()

	log.Info("terminal started",
		zap.String("handle", handle),
		zap.String("dir", opts.WorkingDirectory),
		zap.Int("cols", opts.Cols),
		zap.Int("rows", opts.Rows))
	return nil
}

// Attach mounts a rendering surface for the session and replays the
// full buffered history onto it once. Any previously attached surface
// is detached first.
func (e *Engine) Attach(sessionID string, surface Surface) {
	s := e.session(sessionID)

	s.mu.Lock()
	if s.sched != nil {
		s.sched.Stop()
	}
	s.surface = surface
	s.rec = &Reconciler{}
	s.sched = NewScheduler(surface, e.opts.ChunkSize, e.opts.FlushInterval)
	s.mu.Unlock()

	e.render(sessionID)
}

// Detach unmounts the session's surface. Buffered history stays in the
// registry; a future Attach replays it.
func (e *Engine) Detach(sessionID string) {
	s, ok := e.lookup(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.sched != nil {
		s.sched.Stop()
	}
	s.surface = nil
	s.rec = nil
	s.sched = nil
	s.mu.Unlock()
}

// Input forwards keystrokes to the session's process.
func (e *Engine) Input(sessionID string, data []byte) error {
	handle := e.registry.Handle(sessionID)
	if handle == "" {
		return &WriteError{Handle: sessionID, Err: errors.New("no live terminal")}
	}
	s, ok := e.lookup(sessionID)
	if !ok {
		return &WriteError{Handle: handle, Err: errors.New("session not started")}
	}
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil {
		return &WriteError{Handle: handle, Err: errors.New("session not started")}
	}
	if err := tr.SendInput(handle, data); err != nil {
		// Transient: the handle stays live and the next stream event
		// moves the session out of the error state.
		e.setState(sessionID, StateError)
		e.status(sessionID, "input failed, terminal may be reconnecting")
		e.log.Warn("terminal input failed",
			zap.String("session", sessionID), zap.Error(err))
		return err
	}
	return nil
}

// ObserveSize feeds one surface measurement to the session's geometry
// negotiator and, only when the grid actually changed, resizes the
// process.
func (e *Engine) ObserveSize(sessionID string, size SurfaceSize) {
	s, ok := e.lookup(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	g, changed := s.geo.Fit(size)
	tr := s.transport
	s.mu.Unlock()
	if !changed || tr == nil {
		return
	}
	handle := e.registry.Handle(sessionID)
	if handle == "" {
		return
	}
	if err := tr.Resize(handle, g.Cols, g.Rows); err != nil {
		e.log.Debug("terminal resize failed",
			zap.String("session", sessionID), zap.Error(err))
	}
}

// Clear wipes the session's buffered history and its surface. Queued
// writes are dropped so stale output cannot land after the wipe.
func (e *Engine) Clear(sessionID string) {
	e.registry.Clear(sessionID)
	s, ok := e.lookup(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.sched != nil {
		s.sched.Reset()
	}
	if s.rec != nil {
		*s.rec = Reconciler{}
	}
	if s.surface != nil {
		s.surface.Clear()
	}
	s.mu.Unlock()
}

// CloseSession tears the session down. The record is removed before
// the subscription closes, so anything still in flight turns stale
// instead of being misread as a torn stream.
func (e *Engine) CloseSession(sessionID string) error {
	s, ok := e.lookup(sessionID)
	if !ok {
		e.registry.Remove(sessionID)
		return nil
	}
	s.startMu.Lock()
	defer s.startMu.Unlock()

	handle := e.registry.Handle(sessionID)
	e.registry.Remove(sessionID)
	e.teardown(s, handle)

	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()

	e.log.Info("terminal session closed", zap.String("session", sessionID))
	return nil
}

// CloseAll closes every live session, joining the failures.
func (e *Engine) CloseAll() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := e.CloseSession(id); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Sessions reports every registered session for status surfaces.
func (e *Engine) Sessions() []SessionInfo {
	recs := e.registry.List()
	out := make([]SessionInfo, 0, len(recs))
	for _, rec := range recs {
		info := SessionInfo{
			SessionID:        rec.SessionID,
			Handle:           rec.Handle,
			Host:             rec.Host,
			WorkingDirectory: rec.WorkingDirectory,
			State:            StateIdle.String(),
			Connecting:       rec.Connecting,
			BufferLength:     rec.BufferLength,
		}
		if s, ok := e.lookup(rec.SessionID); ok {
			s.mu.Lock()
			info.State = s.state.String()
			s.mu.Unlock()
		}
		out = append(out, info)
	}
	return out
}

// State returns the session's lifecycle state.
func (e *Engine) State(sessionID string) State {
	s, ok := e.lookup(sessionID)
	if !ok {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// render runs one reconcile pass against the current history and
// queues the resulting diff. The pass holds the session mutex and only
// reads history inside it, so it is atomic with respect to attach,
// detach and clear; a remount replay can never interleave with an
// append or diff against a buffer that was wiped mid-pass.
func (e *Engine) render(sessionID string) {
	s, found := e.lookup(sessionID)
	if !found {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil || s.sched == nil {
		return
	}
	history, ok := e.registry.History(sessionID)
	if !ok {
		return
	}
	d := s.rec.Reconcile(history)
	if d.Zero() {
		return
	}
	s.sched.Enqueue(d)
}

// teardown cancels the subscription and closes the handle, swallowing
// close failures: the remote side reclaims process resources on exit
// regardless.
func (e *Engine) teardown(s *session, handle string) {
	s.mu.Lock()
	sub := s.sub
	tr := s.transport
	s.sub = nil
	s.state = StateIdle
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	if tr != nil && handle != "" {
		if err := tr.Close(handle); err != nil {
			e.log.Debug("terminal close failed",
				zap.String("handle", handle), zap.Error(err))
		}
	}
}

func (e *Engine) closeHandle(sessionID, handle string) error {
	s, ok := e.lookup(sessionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil {
		return nil
	}
	return tr.Close(handle)
}

func (e *Engine) setState(sessionID string, st State) {
	s, ok := e.lookup(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// status pushes transient status text to the attached surface, if any.
func (e *Engine) status(sessionID, text string) {
	e.withSurface(sessionID, func(s Surface) { s.Status(text) })
}

func (e *Engine) withSurface(sessionID string, fn func(Surface)) {
	s, ok := e.lookup(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	surface := s.surface
	s.mu.Unlock()
	if surface != nil {
		fn(surface)
	}
}
