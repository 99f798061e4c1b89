// Package term implements the terminal session engine: a registry of
// per-session terminal state, a transport abstraction over local and
// remote pseudo-terminals, and the supervisor/reconciler/scheduler
// pipeline that turns raw process output into bounded, ordered writes
// against a rendering surface.
package term
