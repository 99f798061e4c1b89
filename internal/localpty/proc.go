package localpty

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/termdeck/termdeck/internal/term"
)

const readBufferSize = 32 * 1024

// proc is one spawned shell: the command, its terminal, and the
// single-subscription guard.
type proc struct {
	handle string
	cmd    *exec.Cmd
	ptmx   *os.File

	mu         sync.Mutex
	subscribed bool
	closed     bool
	waitOnce   sync.Once
}

func (p *proc) attach() (*subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("handle closed")
	}
	if p.subscribed {
		return nil, errors.New("handle already subscribed")
	}
	p.subscribed = true
	return newSubscription(), nil
}

func (p *proc) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	err := p.ptmx.Close()
	go p.wait() // collect the child even if the pump bailed early
	return err
}

// wait reaps the child once; every path funnels through it so Wait is
// never called concurrently.
func (p *proc) wait() *os.ProcessState {
	p.waitOnce.Do(func() { _ = p.cmd.Wait() })
	return p.cmd.ProcessState
}

// pump reads terminal output and turns it into the event stream:
// Connected, then Data fragments, then exactly one Exit when the
// process ends. Reads land on UTF-8 boundaries; bytes of a rune split
// across reads carry over to the next fragment.
func (p *proc) pump(sub *subscription) {
	defer sub.finish()

	if !sub.deliver(term.Connected{}) {
		return
	}

	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			var payload []byte
			payload, carry = splitCompleteUTF8(carry, buf[:n])
			if len(payload) > 0 && !sub.deliver(term.Data{Bytes: payload}) {
				return
			}
		}
		if err != nil {
			// The terminal errors when the process side goes away;
			// that is the normal end of stream, not a failure.
			if len(carry) > 0 {
				if !sub.deliver(term.Data{Bytes: carry}) {
					return
				}
			}
			sub.deliver(exitEvent(p.wait()))
			return
		}
	}
}

// subscription is the channel-backed event stream for one handle.
// The pump is its only sender and closes it on exit; Close just tells
// the pump to stop.
type subscription struct {
	events chan term.Event
	done   chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once
}

func newSubscription() *subscription {
	return &subscription{
		events: make(chan term.Event, 64),
		done:   make(chan struct{}),
	}
}

func (s *subscription) Events() <-chan term.Event { return s.events }

// Err is always nil for local sessions: process death is reported as
// an Exit event, never as a stream failure.
func (s *subscription) Err() error { return nil }

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *subscription) deliver(ev term.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *subscription) finish() {
	s.finishOnce.Do(func() { close(s.events) })
}

// splitCompleteUTF8 joins the carried bytes with a fresh read and cuts
// the result at the last complete rune. The remainder becomes the next
// carry.
func splitCompleteUTF8(carry, chunk []byte) (payload, rest []byte) {
	data := make([]byte, 0, len(carry)+len(chunk))
	data = append(data, carry...)
	data = append(data, chunk...)

	cut := completeUTF8Prefix(data)
	return data[:cut], append([]byte(nil), data[cut:]...)
}

// completeUTF8Prefix returns the length of the longest prefix that does
// not end mid-rune. Only the final rune can be truncated, so at most
// utf8.UTFMax trailing bytes are inspected; if no rune start is found
// there the data is not UTF-8 at all and passes through whole.
func completeUTF8Prefix(data []byte) int {
	n := len(data)
	for i := 1; i <= utf8.UTFMax && i <= n; i++ {
		if !utf8.RuneStart(data[n-i]) {
			continue
		}
		r, size := utf8.DecodeRune(data[n-i:])
		if size == i && (r != utf8.RuneError || size > 1) {
			return n // trailing rune is complete
		}
		return n - i // trailing rune is truncated; cut before it
	}
	return n
}

// exitEvent translates a reaped process state into the Exit event:
// the exit code normally, the signal name when the process was killed.
func exitEvent(state *os.ProcessState) term.Exit {
	if state == nil {
		return term.Exit{}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		name := signalName(ws.Signal())
		return term.Exit{Signal: &name}
	}
	code := state.ExitCode()
	return term.Exit{ExitCode: &code}
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGHUP:  "HUP",
	syscall.SIGINT:  "INT",
	syscall.SIGQUIT: "QUIT",
	syscall.SIGILL:  "ILL",
	syscall.SIGABRT: "ABRT",
	syscall.SIGBUS:  "BUS",
	syscall.SIGFPE:  "FPE",
	syscall.SIGKILL: "KILL",
	syscall.SIGSEGV: "SEGV",
	syscall.SIGPIPE: "PIPE",
	syscall.SIGALRM: "ALRM",
	syscall.SIGTERM: "TERM",
}

func signalName(sig syscall.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return strconv.Itoa(int(sig))
}
