package term

import (
	"strings"
	"sync"
)

// DefaultScrollbackLimit caps one session's buffered history.
const DefaultScrollbackLimit = 2 * 1024 * 1024

// SessionRecord is a read-only copy of one session's registry state.
type SessionRecord struct {
	SessionID        string
	Handle           string
	Host             string
	WorkingDirectory string
	Connecting       bool
	BufferLength     int
	Generation       uint64
}

// record is the registry-owned mutable form. The buffer is an ordered
// chunk sequence; bufferLength is maintained incrementally so appends
// never re-join history.
type record struct {
	sessionID        string
	handle           string
	host             string
	workingDirectory string
	connecting       bool

	bufferChunks []string
	bufferLength int

	// generation increments whenever the buffer stops being a pure
	// extension of what it was: clear, handle replacement, or a
	// scrollback trim.
	generation uint64
}

// Registry is the single shared store of session terminal state. All
// components read and mutate records through it; nothing else holds a
// reference to a record.
type Registry struct {
	mu       sync.RWMutex
	limit    int
	sessions map[string]*record
}

// NewRegistry creates a registry whose sessions keep at most limit
// bytes of history each. A limit of 0 disables trimming; a negative
// limit selects the default.
func NewRegistry(limit int) *Registry {
	if limit < 0 {
		limit = DefaultScrollbackLimit
	}
	return &Registry{
		limit:    limit,
		sessions: make(map[string]*record),
	}
}

// Get returns a copy of the session's record.
func (r *Registry) Get(sessionID string) (SessionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return SessionRecord{}, false
	}
	return rec.snapshot(), true
}

// Put registers a fresh record for the session, replacing any existing
// one. The buffer starts empty; if a record is being replaced its
// generation carries forward so stale readers notice the swap.
func (r *Registry) Put(sessionID string, s SessionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := uint64(0)
	if prev, ok := r.sessions[sessionID]; ok {
		gen = prev.generation + 1
	}
	r.sessions[sessionID] = &record{
		sessionID:        sessionID,
		handle:           s.Handle,
		host:             s.Host,
		workingDirectory: s.WorkingDirectory,
		connecting:       s.Connecting,
		generation:       gen,
	}
}

// AppendOutput appends one output fragment to the session's buffer.
// It is the only buffer mutator besides Clear. Returns false if the
// session is unknown.
func (r *Registry) AppendOutput(sessionID string, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	rec.bufferChunks = append(rec.bufferChunks, string(data))
	rec.bufferLength += len(data)
	rec.trim(r.limit)
	return true
}

// History returns the session's full buffered output, the
// concatenation of every chunk appended since the last reset.
func (r *Registry) History(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	var b strings.Builder
	b.Grow(rec.bufferLength)
	for _, c := range rec.bufferChunks {
		b.WriteString(c)
	}
	return b.String(), true
}

// Clear empties the session's buffer. Must be called whenever the
// handle is replaced or the user requests a manual clear, so renderers
// never diff against history belonging to a dead process.
func (r *Registry) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	rec.bufferChunks = nil
	rec.bufferLength = 0
	rec.generation++
}

// Remove deletes the session's record entirely.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// SetConnecting flips the in-flight creation flag.
func (r *Registry) SetConnecting(sessionID string, connecting bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sessions[sessionID]; ok {
		rec.connecting = connecting
	}
}

// SetHandle installs (or, with "", clears) the session's handle.
func (r *Registry) SetHandle(sessionID, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sessions[sessionID]; ok {
		rec.handle = handle
	}
}

// Handle returns the session's current handle, or "" when there is
// none. Supervisors check this before applying any event so work from
// a replaced handle is dropped.
func (r *Registry) Handle(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.sessions[sessionID]; ok {
		return rec.handle
	}
	return ""
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a copy of every record, for status surfaces.
func (r *Registry) List() []SessionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionRecord, 0, len(r.sessions))
	for _, rec := range r.sessions {
		out = append(out, rec.snapshot())
	}
	return out
}

func (rec *record) snapshot() SessionRecord {
	return SessionRecord{
		SessionID:        rec.sessionID,
		Handle:           rec.handle,
		Host:             rec.host,
		WorkingDirectory: rec.workingDirectory,
		Connecting:       rec.connecting,
		BufferLength:     rec.bufferLength,
		Generation:       rec.generation,
	}
}

// trim drops oldest chunks once the buffer exceeds the limit, down to
// half the limit so trims stay rare. Chunks are dropped whole; a trim
// is a history reset from a renderer's point of view, so the
// generation is bumped. The newest chunk always survives even if it
// alone exceeds the limit.
func (rec *record) trim(limit int) {
	if limit <= 0 || rec.bufferLength <= limit {
		return
	}
	target := limit / 2
	dropped := false
	for len(rec.bufferChunks) > 1 && rec.bufferLength > target {
		rec.bufferLength -= len(rec.bufferChunks[0])
		rec.bufferChunks = rec.bufferChunks[1:]
		dropped = true
	}
	if dropped {
		rec.generation++
	}
}
