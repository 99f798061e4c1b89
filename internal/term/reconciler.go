package term

import "strings"

// Diff is one reconcile result. Reset tells the surface to wipe its
// visible state before writing Payload.
type Diff struct {
	Payload string
	Reset   bool
}

// Zero reports a no-op diff: nothing to write and no reset.
func (d Diff) Zero() bool { return !d.Reset && d.Payload == "" }

// Reconciler tracks exactly what one rendering surface has been sent
// and computes the minimal write that brings it up to date. One
// reconciler exists per attached surface; it is discarded on detach,
// so a remount starts from empty and replays the full history once.
type Reconciler struct {
	lastRendered string
}

// Reconcile compares the current buffered history against what was
// last rendered. Equal histories produce a zero diff. A pure append,
// the common case, produces just the new suffix. Anything else (manual
// clear, handle replacement, trimmed scrollback) resets the surface
// and replays the whole history.
func (r *Reconciler) Reconcile(current string) Diff {
	last := r.lastRendered
	if current == last {
		return Diff{}
	}
	r.lastRendered = current
	if strings.HasPrefix(current, last) {
		return Diff{Payload: current[len(last):]}
	}
	return Diff{Payload: current, Reset: true}
}

// Rendered returns the history the surface has been brought up to.
func (r *Reconciler) Rendered() string { return r.lastRendered }
