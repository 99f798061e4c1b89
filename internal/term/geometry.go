package term

import "math"

// Geometry is a terminal grid size.
type Geometry struct {
	Cols int
	Rows int
}

// SurfaceSize is one rendering surface measurement: the pixel box
// available to the grid plus the cell metrics of the current font.
type SurfaceSize struct {
	Width      float64
	Height     float64
	CellWidth  float64
	CellHeight float64
}

// Negotiator turns surface measurements into grid sizes, suppressing
// everything that should not reach the process: zero-sized or
// unmeasured surfaces (transient during mount/unmount) and
// measurements that land on the grid already in effect.
type Negotiator struct {
	last Geometry
}

// Seed primes the negotiator with the grid the process was created at,
// so the first measurement matching it is a no-op.
func (n *Negotiator) Seed(g Geometry) { n.last = g }

// Last returns the most recently negotiated grid.
func (n *Negotiator) Last() Geometry { return n.last }

// Fit computes the integral grid that fits the measured surface.
// ok is false when the measurement is unusable or the grid did not
// change.
func (n *Negotiator) Fit(size SurfaceSize) (Geometry, bool) {
	if !usable(size.Width) || !usable(size.Height) ||
		!usable(size.CellWidth) || !usable(size.CellHeight) {
		return Geometry{}, false
	}
	g := Geometry{
		Cols: int(size.Width / size.CellWidth),
		Rows: int(size.Height / size.CellHeight),
	}
	if g.Cols < 1 {
		g.Cols = 1
	}
	if g.Rows < 1 {
		g.Rows = 1
	}
	if g == n.last {
		return Geometry{}, false
	}
	n.last = g
	return g, true
}

// usable rejects non-positive, NaN and infinite measurements. NaN
// fails the > 0 comparison on its own.
func usable(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}
