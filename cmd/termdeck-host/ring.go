package main

import "unicode/utf8"

// defaultReplayWindow is how much recent output a session retains for
// offset-based resume.
const defaultReplayWindow = 2 << 20

// replayRing holds the most recent window of session output addressed
// by absolute byte offsets, so a reconnecting client can ask for
// "everything after offset N". Offset 0 is the first byte the process
// ever wrote; the window slides forward as old output is trimmed.
//
// Not safe for concurrent use; callers hold the owning session's lock.
type replayRing struct {
	limit int
	buf   []byte
	start int64
}

func newReplayRing(limit int) *replayRing {
	if limit <= 0 {
		limit = defaultReplayWindow
	}
	return &replayRing{limit: limit}
}

func (r *replayRing) append(p []byte) {
	r.buf = append(r.buf, p...)
	if len(r.buf) <= r.limit {
		return
	}
	drop := len(r.buf) - r.limit
	// Do not leave a dangling partial rune at the window start; a
	// resume from there would replay invalid UTF-8.
	for steps := 0; steps < utf8.UTFMax-1 && drop < len(r.buf) && !utf8.RuneStart(r.buf[drop]); steps++ {
		drop++
	}
	r.start += int64(drop)
	r.buf = append(r.buf[:0], r.buf[drop:]...)
}

// window reports the absolute offsets currently held: [start, end).
// end is also the offset the next appended byte will get.
func (r *replayRing) window() (start, end int64) {
	return r.start, r.start + int64(len(r.buf))
}

// from returns a copy of all buffered bytes at or after offset. ok is
// false when the offset lies outside the retained window, either
// because it was trimmed away or because it is past the end.
func (r *replayRing) from(offset int64) ([]byte, bool) {
	start, end := r.window()
	if offset < start || offset > end {
		return nil, false
	}
	out := make([]byte, end-offset)
	copy(out, r.buf[offset-start:])
	return out, true
}
