// Package localpty runs terminal sessions as local pseudo-terminal
// processes. It is the transport behind the desktop's local sessions
// and the process pool inside the host daemon.
package localpty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/term"
)

const (
	defaultShell = "/bin/bash"
	defaultCols  = 80
	defaultRows  = 24
)

// Transport spawns login shells on pseudo-terminals and exposes them
// through opaque handles. It implements term.Transport.
type Transport struct {
	shell string
	log   *zap.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

// New creates a local transport. shell overrides the spawned program;
// "" resolves $SHELL at spawn time, falling back to /bin/bash.
func New(shell string, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		shell: shell,
		log:   log,
		procs: make(map[string]*proc),
	}
}

// CreateSession spawns a login shell in the requested directory and
// returns its handle. The process starts immediately; output sits in
// the kernel buffer until Subscribe drains it.
func (t *Transport) CreateSession(_ context.Context, opts term.CreateOptions) (string, error) {
	shell := t.shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = defaultShell
	}

	if opts.WorkingDirectory != "" {
		info, err := os.Stat(opts.WorkingDirectory)
		if err != nil {
			return "", &term.SpawnError{Dir: opts.WorkingDirectory, Err: err}
		}
		if !info.IsDir() {
			return "", &term.SpawnError{Dir: opts.WorkingDirectory, Err: errors.New("not a directory")}
		}
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	cmd := exec.Command(shell, "-l")
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return "", &term.SpawnError{Dir: opts.WorkingDirectory, Err: err}
	}

	handle := uuid.NewString()
	t.mu.Lock()
	t.procs[handle] = &proc{handle: handle, cmd: cmd, ptmx: ptmx}
	t.mu.Unlock()

	t.log.Info("pty spawned",
		zap.String("handle", handle),
		zap.String("shell", shell),
		zap.String("dir", opts.WorkingDirectory),
		zap.Int("cols", cols),
		zap.Int("rows", rows))
	return handle, nil
}

// Subscribe starts the read pump for the handle. Each handle supports
// exactly one subscription for its lifetime.
func (t *Transport) Subscribe(_ context.Context, handle string) (term.Subscription, error) {
	p, ok := t.proc(handle)
	if !ok {
		return nil, fmt.Errorf("unknown handle %q", handle)
	}
	sub, err := p.attach()
	if err != nil {
		return nil, err
	}
	go p.pump(sub)
	return sub, nil
}

// SendInput writes keystrokes to the process's terminal.
func (t *Transport) SendInput(handle string, data []byte) error {
	p, ok := t.proc(handle)
	if !ok {
		return &term.WriteError{Handle: handle, Err: errors.New("unknown handle")}
	}
	if _, err := p.ptmx.Write(data); err != nil {
		return &term.WriteError{Handle: handle, Err: err}
	}
	return nil
}

// Resize changes the terminal's window size. Resizing a handle that
// already went away is a no-op.
func (t *Transport) Resize(handle string, cols, rows int) error {
	p, ok := t.proc(handle)
	if !ok {
		return nil
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// Close kills the process and releases the handle. Closing an unknown
// handle is a no-op.
func (t *Transport) Close(handle string) error {
	t.mu.Lock()
	p, ok := t.procs[handle]
	delete(t.procs, handle)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	t.log.Debug("pty closed", zap.String("handle", handle))
	return p.close()
}

func (t *Transport) proc(handle string) (*proc, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[handle]
	return p, ok
}
