package term

import (
	"runtime"
	"sync"
	"time"
	"unicode/utf8"
)

// Write scheduling defaults. The chunk size bounds how much a surface
// is asked to render in one pass; the interval is the cooperative
// yield between chunks.
const (
	DefaultChunkSize     = 4 * 1024
	DefaultFlushInterval = 4 * time.Millisecond
)

// writeChunk is one queued surface write.
type writeChunk struct {
	payload string
	reset   bool
}

// Scheduler drains render writes to a surface one bounded chunk at a
// time, yielding between chunks, so a burst of terminal output never
// stalls whatever else the surface's thread is doing. At most one
// flush goroutine runs; enqueues while it is draining just extend the
// queue.
type Scheduler struct {
	surface   Surface
	chunkSize int
	interval  time.Duration

	mu       sync.Mutex
	queue    []writeChunk
	flushing bool
	stopped  bool
}

// NewScheduler creates a scheduler writing to surface. chunkSize <= 0
// and interval < 0 select the defaults; interval 0 yields the
// processor between chunks without sleeping.
func NewScheduler(surface Surface, chunkSize int, interval time.Duration) *Scheduler {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if interval < 0 {
		interval = DefaultFlushInterval
	}
	return &Scheduler{
		surface:   surface,
		chunkSize: chunkSize,
		interval:  interval,
	}
}

// Enqueue splits the diff into chunks and queues them in FIFO order,
// starting the flush loop if idle. A reset diff first drops everything
// queued: those writes belong to the history that was just replaced.
// The reset flag rides on the first chunk so the surface wipes before
// the replacement payload lands.
func (s *Scheduler) Enqueue(d Diff) {
	if d.Zero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if d.Reset {
		s.queue = s.queue[:0]
	}

	payload := d.Payload
	reset := d.Reset
	for {
		chunk := payload
		if len(chunk) > s.chunkSize {
			chunk = payload[:splitPoint(payload, s.chunkSize)]
		}
		s.queue = append(s.queue, writeChunk{payload: chunk, reset: reset})
		reset = false
		payload = payload[len(chunk):]
		if payload == "" {
			break
		}
	}

	if !s.flushing {
		s.flushing = true
		go s.flush()
	}
}

// Reset drops everything queued so stale output cannot land on a
// freshly cleared surface. A chunk already handed to the surface is
// unaffected.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// Stop ends the scheduler permanently. Used on surface detach.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
}

func (s *Scheduler) flush() {
	for {
		s.mu.Lock()
		if s.stopped || len(s.queue) == 0 {
			s.queue = nil
			s.flushing = false
			s.mu.Unlock()
			return
		}
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.surface.WriteChunk(chunk.payload, chunk.reset)

		if s.interval > 0 {
			time.Sleep(s.interval)
		} else {
			runtime.Gosched()
		}
	}
}

// splitPoint returns the largest cut at or just under max that does
// not split a UTF-8 sequence. Invalid UTF-8 near the cut falls back to
// cutting at max; bounded chunks matter more than preserving bytes
// that were never a valid rune.
func splitPoint(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	cut := max
	for back := 0; back < utf8.UTFMax && cut > 0; back++ {
		if utf8.RuneStart(s[cut]) {
			return cut
		}
		cut--
	}
	return max
}
