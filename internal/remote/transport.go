package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/term"
)

// Reconnect defaults. The first retry waits BackoffBase; each further
// retry doubles the wait up to BackoffCap.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffCap  = 8 * time.Second
)

// Config locates a termdeck-host and tunes reconnect behavior.
type Config struct {
	// BaseURL is the host's control endpoint, e.g. "http://devbox:7070".
	BaseURL string
	// MaxAttempts bounds reconnects per outage. <= 0 selects the default.
	MaxAttempts int
	// BackoffBase is the first retry delay. <= 0 selects the default.
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay. <= 0 selects the default.
	BackoffCap time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	return c
}

// errConsumerGone marks a stream that stopped because its subscriber
// closed, not because the host failed.
var errConsumerGone = errors.New("subscription closed")

// Transport runs sessions on a remote termdeck-host: spawns over HTTP,
// streams over WebSocket with byte-offset resume across outages. It
// implements term.Transport.
type Transport struct {
	cfg Config
	hc  *http.Client
	log *zap.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// New creates a transport for one host.
func New(cfg Config, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		cfg:     cfg.withDefaults(),
		hc:      &http.Client{Timeout: 30 * time.Second},
		log:     log,
		streams: make(map[string]*stream),
	}
}

// CreateSession asks the host to spawn a shell. Creation never
// auto-retries: a failed spawn surfaces immediately.
func (t *Transport) CreateSession(ctx context.Context, opts term.CreateOptions) (string, error) {
	body, err := json.Marshal(CreateSessionRequest{
		Cols:             opts.Cols,
		Rows:             opts.Rows,
		WorkingDirectory: opts.WorkingDirectory,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("/api/sessions"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.hc.Do(req)
	if err != nil {
		return "", &term.SpawnError{Dir: opts.WorkingDirectory, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", &term.SpawnError{Dir: opts.WorkingDirectory, Err: errors.New(hostError(resp))}
	}

	var out CreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &term.SpawnError{Dir: opts.WorkingDirectory, Err: fmt.Errorf("bad create response: %w", err)}
	}
	if out.HandleID == "" {
		return "", &term.SpawnError{Dir: opts.WorkingDirectory, Err: errors.New("host returned an empty handle")}
	}

	t.log.Info("remote session created",
		zap.String("handle", out.HandleID),
		zap.String("dir", opts.WorkingDirectory))
	return out.HandleID, nil
}

// Subscribe opens the session's event stream. The initial dial failing
// fails the subscription outright; once streaming, outages are retried
// with backoff and the stream resumes from the last delivered byte.
func (t *Transport) Subscribe(ctx context.Context, handle string) (term.Subscription, error) {
	conn, err := t.dial(ctx, handle, 0)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	st := &stream{
		handle: handle,
		t:      t,
		sub:    newSubscription(),
		log:    t.log.With(zap.String("handle", handle)),
		ws:     conn,
	}
	t.mu.Lock()
	t.streams[handle] = st
	t.mu.Unlock()

	go st.run()
	return st.sub, nil
}

// SendInput forwards keystrokes over the session's stream. While the
// stream is between reconnect attempts this fails fast; input is never
// queued for a terminal that may not come back.
func (t *Transport) SendInput(handle string, data []byte) error {
	st := t.stream(handle)
	if st == nil {
		return &term.WriteError{Handle: handle, Err: errors.New("no open stream")}
	}
	if err := st.writeFrame(ClientFrame{Type: TypeInput, Data: string(data)}); err != nil {
		return &term.WriteError{Handle: handle, Err: err}
	}
	return nil
}

// Resize forwards the terminal grid size over the session's stream.
func (t *Transport) Resize(handle string, cols, rows int) error {
	st := t.stream(handle)
	if st == nil {
		return fmt.Errorf("no open stream for %q", handle)
	}
	return st.writeFrame(ClientFrame{Type: TypeResize, Cols: cols, Rows: rows})
}

// Close stops the stream and asks the host to kill the session. An
// already-gone session is not an error.
func (t *Transport) Close(handle string) error {
	t.mu.Lock()
	st := t.streams[handle]
	delete(t.streams, handle)
	t.mu.Unlock()
	if st != nil {
		st.stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint("/api/sessions/"+handle), nil)
	if err != nil {
		return err
	}
	resp, err := t.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return errors.New(hostError(resp))
	}
}

func (t *Transport) stream(handle string) *stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[handle]
}

func (t *Transport) endpoint(path string) string {
	return strings.TrimRight(t.cfg.BaseURL, "/") + path
}

// dial opens the session's WebSocket, asking the host to replay output
// from the given absolute byte offset.
func (t *Transport) dial(ctx context.Context, handle string, offset int64) (*websocket.Conn, error) {
	u, err := url.Parse(t.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("bad host url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/sessions/" + handle + "/stream"
	u.RawQuery = "offset=" + strconv.FormatInt(offset, 10)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}

func hostError(resp *http.Response) string {
	var e ErrorResponse
	if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e) == nil && e.Error != "" {
		return fmt.Sprintf("host: %s (%s)", e.Error, resp.Status)
	}
	return "host: " + resp.Status
}

// stream is one handle's WebSocket lifecycle: the live connection, the
// resume offset, and the reconnect loop that bridges outages.
type stream struct {
	handle string
	t      *Transport
	sub    *subscription
	log    *zap.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	offset int64
}

func (st *stream) run() {
	defer st.sub.finish()
	defer st.clearConn()

	for {
		err := st.readLoop()
		if err == nil || errors.Is(err, errConsumerGone) {
			return
		}
		if isFatalClose(err) {
			st.log.Error("terminal stream closed by host", zap.Error(err))
			st.sub.fail(&term.TransportError{Handle: st.handle, Fatal: true, Err: err})
			return
		}

		st.log.Warn("terminal stream interrupted", zap.Error(err))
		if !st.redial() {
			st.sub.fail(&term.TransportError{
				Handle: st.handle,
				Fatal:  true,
				Err:    fmt.Errorf("reconnect attempts exhausted: %w", err),
			})
			return
		}
	}
}

// readLoop pumps host frames into the subscription until the stream
// errors or the session exits. Invalid frames are rejected and logged;
// they never reach the engine.
func (st *stream) readLoop() error {
	conn := st.current()
	if conn == nil {
		return errors.New("no connection")
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if st.sub.isClosed() {
				return errConsumerGone
			}
			return err
		}

		ev, err := ParseHostFrame(raw)
		if err != nil {
			st.log.Warn("rejecting host frame", zap.Error(err))
			continue
		}

		if d, ok := ev.(term.Data); ok {
			st.advance(int64(len(d.Bytes)))
		}
		if !st.sub.deliver(ev) {
			return errConsumerGone
		}
		if _, ok := ev.(term.Exit); ok {
			return nil
		}
	}
}

// redial restores the connection after an outage, resuming from the
// last delivered byte. Each attempt is announced so the session can
// show progress.
func (st *stream) redial() bool {
	st.clearConn()

	attempts := st.t.cfg.MaxAttempts
	backoff := st.t.cfg.BackoffBase
	for attempt := 1; attempt <= attempts; attempt++ {
		if !st.sub.deliver(term.Reconnecting{Attempt: attempt, MaxAttempts: attempts}) {
			return false
		}
		select {
		case <-time.After(backoff):
		case <-st.sub.done:
			return false
		}
		backoff *= 2
		if backoff > st.t.cfg.BackoffCap {
			backoff = st.t.cfg.BackoffCap
		}

		conn, err := st.t.dial(context.Background(), st.handle, st.currentOffset())
		if err == nil {
			st.setConn(conn)
			st.log.Info("terminal stream reconnected",
				zap.Int("attempt", attempt),
				zap.Int64("offset", st.currentOffset()))
			return true
		}
		st.log.Warn("terminal reconnect failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
	}
	return false
}

func (st *stream) stop() {
	st.sub.Close()
	st.clearConn()
}

func (st *stream) writeFrame(f ClientFrame) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ws == nil {
		return errors.New("stream reconnecting")
	}
	return st.ws.WriteJSON(f)
}

func (st *stream) current() *websocket.Conn {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ws
}

func (st *stream) setConn(conn *websocket.Conn) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.ws = conn
}

func (st *stream) clearConn() {
	st.mu.Lock()
	conn := st.ws
	st.ws = nil
	st.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (st *stream) advance(n int64) {
	st.mu.Lock()
	st.offset += n
	st.mu.Unlock()
}

func (st *stream) currentOffset() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.offset
}

// isFatalClose reports close conditions no reconnect can fix: the
// resume window expired, or the host deliberately ended the stream.
func isFatalClose(err error) bool {
	return websocket.IsCloseError(err,
		CloseResumeExpired,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}

// subscription is the channel-backed event stream handed to the
// engine. The stream goroutine is its only sender and closes it; Close
// just tells the stream to stop.
type subscription struct {
	events chan term.Event
	done   chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once

	mu  sync.Mutex
	err error
}

func newSubscription() *subscription {
	return &subscription{
		events: make(chan term.Event, 64),
		done:   make(chan struct{}),
	}
}

func (s *subscription) Events() <-chan term.Event { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

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

func (s *subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *subscription) finish() {
	s.finishOnce.Do(func() { close(s.events) })
}

func (s *subscription) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
