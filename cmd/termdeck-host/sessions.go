package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/remote"
	"github.com/termdeck/termdeck/internal/term"
)

// errResumeExpired means an attach asked for an offset outside the
// retained replay window.
var errResumeExpired = errors.New("resume window expired")

// tapBuffer is the consumer event backlog. A stream consumer that
// falls this far behind is cut off; it comes back with an offset and
// catches up from the ring instead.
const tapBuffer = 256

// Reasons a tap's channel closed without an exit event.
type cutReason int

const (
	cutNone cutReason = iota
	// cutLagging: the consumer fell behind; it should resume by offset.
	cutLagging
	// cutReplaced: a newer attach owns the stream now; the old consumer
	// must not come back.
	cutReplaced
)

// tap is one attached stream consumer. reason is written before ch is
// closed and read only after the close is observed.
type tap struct {
	ch     chan term.Event
	reason cutReason
}

func (t *tap) cut(reason cutReason) {
	t.reason = reason
	close(t.ch)
}

// sessionPool owns every terminal this host has spawned. Each session
// runs one pump goroutine that drains the transport subscription into
// the replay ring and mirrors live events to the attached consumer.
type sessionPool struct {
	tr     term.Transport
	window int
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*hostSession
}

func newSessionPool(tr term.Transport, window int, log *zap.Logger) *sessionPool {
	if log == nil {
		log = zap.NewNop()
	}
	return &sessionPool{
		tr:       tr,
		window:   window,
		log:      log,
		sessions: make(map[string]*hostSession),
	}
}

// hostSession is one spawned terminal plus its replay ring and the
// currently attached stream consumers. At most one consumer is live at
// a time; a new attach displaces the previous one.
type hostSession struct {
	handle    string
	startedAt time.Time

	mu     sync.Mutex
	ring   *replayRing
	taps   map[int]*tap
	nextID int
	alive  bool
	exited bool
	exit   term.Exit
}

func (p *sessionPool) create(ctx context.Context, opts term.CreateOptions) (string, error) {
	handle, err := p.tr.CreateSession(ctx, opts)
	if err != nil {
		return "", err
	}
	sub, err := p.tr.Subscribe(ctx, handle)
	if err != nil {
		_ = p.tr.Close(handle)
		return "", err
	}

	s := &hostSession{
		handle:    handle,
		startedAt: time.Now(),
		ring:      newReplayRing(p.window),
		taps:      make(map[int]*tap),
		alive:     true,
	}
	p.mu.Lock()
	p.sessions[handle] = s
	p.mu.Unlock()

	go p.pump(s, sub)
	return handle, nil
}

func (p *sessionPool) get(handle string) *hostSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[handle]
}

func (p *sessionPool) input(handle string, data []byte) error {
	return p.tr.SendInput(handle, data)
}

func (p *sessionPool) resize(handle string, cols, rows int) error {
	return p.tr.Resize(handle, cols, rows)
}

// close removes the session and kills its process. Closing an unknown
// handle reports false and does nothing.
func (p *sessionPool) close(handle string) bool {
	p.mu.Lock()
	_, known := p.sessions[handle]
	delete(p.sessions, handle)
	p.mu.Unlock()
	if !known {
		return false
	}
	// The kill lands as an Exit on the pump, which closes any taps.
	if err := p.tr.Close(handle); err != nil {
		p.log.Warn("session close failed", zap.String("handle", handle), zap.Error(err))
	}
	return true
}

func (p *sessionPool) closeAll() {
	p.mu.Lock()
	handles := make([]string, 0, len(p.sessions))
	for h := range p.sessions {
		handles = append(handles, h)
	}
	p.sessions = make(map[string]*hostSession)
	p.mu.Unlock()
	for _, h := range handles {
		_ = p.tr.Close(h)
	}
}

func (p *sessionPool) list() []remote.SessionSummary {
	p.mu.Lock()
	all := make([]*hostSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		all = append(all, s)
	}
	p.mu.Unlock()

	out := make([]remote.SessionSummary, 0, len(all))
	for _, s := range all {
		out = append(out, s.summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		return out[i].HandleID < out[j].HandleID
	})
	return out
}

func (p *sessionPool) pump(s *hostSession, sub term.Subscription) {
	for ev := range sub.Events() {
		switch e := ev.(type) {
		case term.Data:
			s.publishData(e)
		case term.Exit:
			p.log.Info("session exited",
				zap.String("handle", s.handle),
				zap.Intp("exit_code", e.ExitCode),
				zap.Stringp("signal", e.Signal))
			s.publishExit(e)
		}
	}
	if err := sub.Err(); err != nil {
		p.log.Warn("session stream ended", zap.String("handle", s.handle), zap.Error(err))
	}
	s.end()
}

func (s *hostSession) publishData(e term.Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.append(e.Bytes)
	for id, t := range s.taps {
		select {
		case t.ch <- e:
		default:
			// Lagging consumer: cut it loose, it resumes by offset.
			t.cut(cutLagging)
			delete(s.taps, id)
		}
	}
}

func (s *hostSession) publishExit(e term.Exit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited = true
	s.exit = e
	s.alive = false
	for id, t := range s.taps {
		select {
		case t.ch <- term.Event(e):
		default:
		}
		t.cut(cutNone)
		delete(s.taps, id)
	}
}

// end marks a session dead after its event stream closed. Normally the
// stream ends via Exit and this is a no-op.
func (s *hostSession) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return
	}
	s.alive = false
	for id, t := range s.taps {
		t.cut(cutNone)
		delete(s.taps, id)
	}
}

// attach snapshots the replay for offset and registers the live tap in
// one step, so no output can land between the two. Any previously
// attached consumer is displaced. For a session that already exited it
// returns the terminal Exit instead of a tap; detach is nil then.
func (s *hostSession) attach(offset int64) (replay []byte, live *tap, done *term.Exit, detach func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replay, ok := s.ring.from(offset)
	if !ok {
		return nil, nil, nil, nil, errResumeExpired
	}
	if s.exited {
		exit := s.exit
		return replay, nil, &exit, nil, nil
	}
	if !s.alive {
		return nil, nil, nil, nil, errors.New("session is no longer live")
	}

	for id, old := range s.taps {
		old.cut(cutReplaced)
		delete(s.taps, id)
	}

	t := &tap{ch: make(chan term.Event, tapBuffer)}
	id := s.nextID
	s.nextID++
	s.taps[id] = t
	detach = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.taps, id)
	}
	return replay, t, nil, detach, nil
}

func (s *hostSession) summary() remote.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, end := s.ring.window()
	sum := remote.SessionSummary{
		HandleID:  s.handle,
		Alive:     s.alive,
		StartedAt: s.startedAt.UTC().Format(time.RFC3339),
		Offset:    end,
	}
	if s.exited {
		sum.ExitCode = s.exit.ExitCode
		sum.Signal = s.exit.Signal
	}
	return sum
}
