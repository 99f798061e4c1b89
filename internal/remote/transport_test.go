package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/term"
)

var testUpgrader = websocket.Upgrader{}

func writeHost(conn *websocket.Conn, f HostFrame) error {
	return conn.WriteJSON(f)
}

// collect drains the subscription until it closes, failing the test if
// the stream never ends.
func collect(t *testing.T, sub term.Subscription) []term.Event {
	t.Helper()
	var events []term.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("stream did not end; events so far: %#v", events)
		}
	}
}

func next(t *testing.T, sub term.Subscription) term.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "stream ended early")
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// ============================================================================
// Control Plane
// ============================================================================

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sessions", r.URL.Path)

		var req CreateSessionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 80, req.Cols)
		assert.Equal(t, 24, req.Rows)
		assert.Equal(t, "/work", req.WorkingDirectory)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(CreateSessionResponse{HandleID: "rh-1"})
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL}, zap.NewNop())
	handle, err := tr.CreateSession(context.Background(), term.CreateOptions{
		Cols: 80, Rows: 24, WorkingDirectory: "/work",
	})
	require.NoError(t, err)
	assert.Equal(t, "rh-1", handle)
}

func TestCreateSessionSpawnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "spawn failed: no such directory"})
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL}, zap.NewNop())
	_, err := tr.CreateSession(context.Background(), term.CreateOptions{WorkingDirectory: "/missing"})
	require.Error(t, err)

	var spawnErr *term.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/missing", spawnErr.Dir)
	assert.Contains(t, err.Error(), "spawn failed")
}

func TestCloseTreatsGoneSessionAsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/sessions/rh-9", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL}, zap.NewNop())
	assert.NoError(t, tr.Close("rh-9"))
}

// ============================================================================
// Streaming
// ============================================================================

func TestSubscribeStreamsSessionEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/rh-1/stream", r.URL.Path)
		assert.Equal(t, "0", r.URL.Query().Get("offset"))

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		_ = writeHost(conn, HostFrame{Type: TypeConnected})
		_ = writeHost(conn, DataFrame([]byte("hello")))
		// Garbage between valid frames is rejected at the boundary and
		// must not disturb the stream.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"telemetry","v":1}`))
		_ = writeHost(conn, DataFrame([]byte(" world")))
		code := 0
		_ = writeHost(conn, HostFrame{Type: TypeExit, ExitCode: &code})
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL}, zap.NewNop())
	sub, err := tr.Subscribe(context.Background(), "rh-1")
	require.NoError(t, err)

	events := collect(t, sub)
	require.Len(t, events, 4)
	assert.Equal(t, term.Connected{}, events[0])
	assert.Equal(t, term.Data{Bytes: []byte("hello")}, events[1])
	assert.Equal(t, term.Data{Bytes: []byte(" world")}, events[2])
	exit, ok := events[3].(term.Exit)
	require.True(t, ok)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 0, *exit.ExitCode)
	assert.NoError(t, sub.Err())
}

func TestSubscribeResumesFromLastDeliveredByte(t *testing.T) {
	var mu sync.Mutex
	var offsets []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		offsets = append(offsets, r.URL.Query().Get("offset"))
		n := len(offsets)
		mu.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}

		if n == 1 {
			_ = writeHost(conn, HostFrame{Type: TypeConnected})
			_ = writeHost(conn, DataFrame([]byte("abcde")))
			conn.Close() // abrupt outage, no close handshake
			return
		}

		defer conn.Close()
		_ = writeHost(conn, HostFrame{Type: TypeConnected})
		_ = writeHost(conn, DataFrame([]byte("fgh")))
		code := 0
		_ = writeHost(conn, HostFrame{Type: TypeExit, ExitCode: &code})
	}))
	defer srv.Close()

	tr := New(Config{
		BaseURL:     srv.URL,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	}, zap.NewNop())

	sub, err := tr.Subscribe(context.Background(), "rh-1")
	require.NoError(t, err)
	events := collect(t, sub)

	var payload strings.Builder
	var connects, reconnects int
	for _, ev := range events {
		switch e := ev.(type) {
		case term.Data:
			payload.Write(e.Bytes)
		case term.Connected:
			connects++
		case term.Reconnecting:
			reconnects++
			assert.Equal(t, 3, e.MaxAttempts)
		}
	}

	assert.Equal(t, "abcdefgh", payload.String(), "no bytes lost or repeated across the outage")
	assert.Equal(t, 2, connects)
	assert.GreaterOrEqual(t, reconnects, 1)
	assert.NoError(t, sub.Err())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, offsets, 2)
	assert.Equal(t, "0", offsets[0])
	assert.Equal(t, "5", offsets[1], "resume asks for the first byte after 'abcde'")
}

func TestResumeWindowExpiredClosesFatally(t *testing.T) {
	var mu sync.Mutex
	conns := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		mu.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(CloseResumeExpired, "resume window expired")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL, BackoffBase: time.Millisecond}, zap.NewNop())
	sub, err := tr.Subscribe(context.Background(), "rh-1")
	require.NoError(t, err)

	collect(t, sub)

	var tErr *term.TransportError
	require.ErrorAs(t, sub.Err(), &tErr)
	assert.True(t, tErr.Fatal)
	assert.True(t, websocket.IsCloseError(tErr.Err, CloseResumeExpired))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, conns, "an expired resume window is never retried")
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	conns := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		if n > 1 {
			http.Error(w, "gone", http.StatusBadGateway)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		_ = writeHost(conn, HostFrame{Type: TypeConnected})
		conn.Close()
	}))
	defer srv.Close()

	tr := New(Config{
		BaseURL:     srv.URL,
		MaxAttempts: 2,
		BackoffBase: 2 * time.Millisecond,
	}, zap.NewNop())

	sub, err := tr.Subscribe(context.Background(), "rh-1")
	require.NoError(t, err)
	events := collect(t, sub)

	require.Len(t, events, 3)
	assert.Equal(t, term.Connected{}, events[0])
	assert.Equal(t, term.Reconnecting{Attempt: 1, MaxAttempts: 2}, events[1])
	assert.Equal(t, term.Reconnecting{Attempt: 2, MaxAttempts: 2}, events[2])

	var tErr *term.TransportError
	require.ErrorAs(t, sub.Err(), &tErr)
	assert.True(t, tErr.Fatal)
	assert.Contains(t, tErr.Error(), "reconnect attempts exhausted")
}

// ============================================================================
// Input / Resize
// ============================================================================

func TestInputAndResizeFramesReachHost(t *testing.T) {
	frames := make(chan ClientFrame, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		_ = writeHost(conn, HostFrame{Type: TypeConnected})

		for i := 0; i < 2; i++ {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := ParseClientFrame(raw)
			if !assert.NoError(t, err) {
				return
			}
			frames <- f
		}
		code := 0
		_ = writeHost(conn, HostFrame{Type: TypeExit, ExitCode: &code})
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL}, zap.NewNop())
	sub, err := tr.Subscribe(context.Background(), "rh-1")
	require.NoError(t, err)

	require.Equal(t, term.Connected{}, next(t, sub))

	require.NoError(t, tr.SendInput("rh-1", []byte("ls\n")))
	require.NoError(t, tr.Resize("rh-1", 120, 40))

	assert.Equal(t, ClientFrame{Type: TypeInput, Data: "ls\n"}, <-frames)
	assert.Equal(t, ClientFrame{Type: TypeResize, Cols: 120, Rows: 40}, <-frames)

	collect(t, sub) // drain through the exit
}

func TestSendInputFailsWhileReconnecting(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions/rh-1/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		_ = writeHost(conn, HostFrame{Type: TypeConnected})
		conn.Close()
	})
	mux.HandleFunc("/api/sessions/rh-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// A very long backoff holds the stream in its reconnecting state.
	tr := New(Config{BaseURL: srv.URL, MaxAttempts: 2, BackoffBase: time.Minute}, zap.NewNop())
	sub, err := tr.Subscribe(context.Background(), "rh-1")
	require.NoError(t, err)

	require.Equal(t, term.Connected{}, next(t, sub))
	require.Equal(t, term.Reconnecting{Attempt: 1, MaxAttempts: 2}, next(t, sub))

	// The connection is down; input must fail fast, not queue.
	err = tr.SendInput("rh-1", []byte("x"))
	var writeErr *term.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Contains(t, err.Error(), "reconnecting")

	require.NoError(t, tr.Close("rh-1"))
	collect(t, sub)

	// After Close the handle is unusable.
	err = tr.SendInput("rh-1", []byte("x"))
	require.ErrorAs(t, err, &writeErr)
}
