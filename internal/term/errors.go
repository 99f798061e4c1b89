package term

import "fmt"

// SpawnError reports that a terminal process could not be created.
// The session stays idle and the caller may simply retry.
type SpawnError struct {
	Dir string
	Err error
}

func (e *SpawnError) Error() string {
	if e.Dir != "" {
		return fmt.Sprintf("spawn terminal in %s: %v", e.Dir, e.Err)
	}
	return fmt.Sprintf("spawn terminal: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TransportError reports a subscription or command failure. Non-fatal
// errors self-heal through the transport's own retry; a fatal error
// ends the handle and the session record with it.
type TransportError struct {
	Handle string
	Fatal  bool
	Err    error
}

func (e *TransportError) Error() string {
	kind := "transport error"
	if e.Fatal {
		kind = "fatal transport error"
	}
	if e.Handle != "" {
		return fmt.Sprintf("%s on handle %s: %v", kind, e.Handle, e.Err)
	}
	return fmt.Sprintf("%s: %v", kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// WriteError reports an input forwarding failure. Transient: session
// state is untouched and later writes may succeed.
type WriteError struct {
	Handle string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to terminal %s: %v", e.Handle, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
