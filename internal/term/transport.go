package term

import "context"

// CreateOptions are the spawn parameters for a new terminal process.
type CreateOptions struct {
	Cols             int
	Rows             int
	WorkingDirectory string
}

// Subscription delivers the ordered event stream for one handle.
// Events() closes when the stream ends for any reason; Err() then
// reports the terminal failure, or nil after a clean Exit.
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Transport creates and drives terminal processes. The engine never
// cares whether the process is an in-process PTY or lives behind a
// daemon on another machine; both sides of that split implement this.
type Transport interface {
	// CreateSession spawns a terminal process and returns its handle.
	// Fails with a *SpawnError when the process cannot start.
	CreateSession(ctx context.Context, opts CreateOptions) (string, error)

	// Subscribe opens the event stream for a handle. At most one live
	// subscription per handle: subscribing again tears down the
	// previous one first.
	Subscribe(ctx context.Context, handle string) (Subscription, error)

	// SendInput forwards bytes to the process. Returns a *WriteError
	// if the handle is gone.
	SendInput(handle string, data []byte) error

	// Resize propagates new grid dimensions. Silently ignored if the
	// handle is gone.
	Resize(handle string, cols, rows int) error

	// Close releases the handle's resources. Idempotent; tolerates
	// handles that already went away.
	Close(handle string) error
}
