package term

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// State is a session's position in the stream lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateError
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// supervisor consumes one subscription's event stream and applies it,
// in arrival order, to the registry and the attached surface. One
// supervisor goroutine exists per live handle; when the session's
// current handle no longer matches its own, every remaining event is
// stale and the loop stops without touching anything.
type supervisor struct {
	sessionID string
	handle    string
	eng       *Engine
	sub       Subscription
	log       *zap.Logger
}

func (sv *supervisor) run() {
	for ev := range sv.sub.Events() {
		if sv.eng.registry.Handle(sv.sessionID) != sv.handle {
			sv.log.Debug("dropping events for replaced handle")
			sv.sub.Close()
			return
		}
		switch e := ev.(type) {
		case Connected:
			sv.onConnected()
		case Reconnecting:
			sv.onReconnecting(e)
		case Data:
			sv.onData(e)
		case Exit:
			sv.onExit(e)
			return
		}
	}
	sv.onStreamEnded(sv.sub.Err())
}

func (sv *supervisor) onConnected() {
	sv.eng.registry.SetConnecting(sv.sessionID, false)
	sv.eng.setState(sv.sessionID, StateStreaming)
	sv.eng.withSurface(sv.sessionID, func(s Surface) {
		s.Status("")
		s.Focus()
	})
	sv.log.Info("terminal stream connected")
}

func (sv *supervisor) onReconnecting(e Reconnecting) {
	sv.eng.setState(sv.sessionID, StateReconnecting)
	sv.eng.status(sv.sessionID, fmt.Sprintf("reconnecting (%d/%d)", e.Attempt, e.MaxAttempts))
	sv.log.Warn("terminal stream reconnecting",
		zap.Int("attempt", e.Attempt),
		zap.Int("max_attempts", e.MaxAttempts))
}

func (sv *supervisor) onData(e Data) {
	// First output also counts as proof of connection.
	sv.eng.registry.SetConnecting(sv.sessionID, false)
	sv.eng.setState(sv.sessionID, StateStreaming)
	sv.eng.registry.AppendOutput(sv.sessionID, e.Bytes)
	sv.eng.render(sv.sessionID)
}

func (sv *supervisor) onExit(e Exit) {
	reg := sv.eng.registry
	reg.AppendOutput(sv.sessionID, []byte(exitLine(sv.sessionID, reg, e)))
	reg.SetHandle(sv.sessionID, "")
	reg.SetConnecting(sv.sessionID, false)
	sv.eng.setState(sv.sessionID, StateExited)
	sv.eng.render(sv.sessionID)
	sv.eng.status(sv.sessionID, "session ended")
	sv.log.Info("terminal process exited",
		zap.Intp("exit_code", e.ExitCode),
		zap.Stringp("signal", e.Signal))

	// Best effort; the remote side reclaims the process either way.
	_ = sv.eng.closeHandle(sv.sessionID, sv.handle)
}

// onStreamEnded handles the subscription closing without an Exit
// event: the transport gave up. The record is removed so the session
// needs an explicit fresh start.
func (sv *supervisor) onStreamEnded(err error) {
	if sv.eng.registry.Handle(sv.sessionID) != sv.handle {
		return
	}
	if err == nil {
		err = errors.New("event stream ended unexpectedly")
	}
	sv.log.Error("terminal stream failed", zap.Error(err))
	sv.eng.registry.Remove(sv.sessionID)
	sv.eng.setState(sv.sessionID, StateIdle)
	sv.eng.status(sv.sessionID, fmt.Sprintf("terminal connection lost: %v", err))
	_ = sv.eng.closeHandle(sv.sessionID, sv.handle)
}

// exitLine renders the synthetic trailer appended when a process ends,
// so history stays self-explanatory after remounts. The line lands on
// its own row and leaves the cursor on a fresh one.
func exitLine(sessionID string, reg *Registry, e Exit) string {
	var text string
	switch {
	case e.ExitCode != nil:
		text = fmt.Sprintf("[Process exited with code %d]", *e.ExitCode)
	case e.Signal != nil:
		text = fmt.Sprintf("[Process exited with signal %s]", *e.Signal)
	default:
		text = "[Process exited]"
	}
	if rec, ok := reg.Get(sessionID); ok && rec.BufferLength > 0 {
		if h, _ := reg.History(sessionID); !endsWithNewline(h) {
			return "\r\n" + text + "\r\n"
		}
	}
	return text + "\r\n"
}

func endsWithNewline(s string) bool {
	return len(s) > 0 && s[len(s)-1] == '\n'
}
