package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/remote"
	"github.com/termdeck/termdeck/internal/term"
)

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *fakeTransport, *Server) {
	t.Helper()
	tr := newFakeTransport()
	srv := NewServer(cfg, tr, nil)
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)
	return ts, tr, srv
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	body, err := json.Marshal(remote.CreateSessionRequest{Cols: 80, Rows: 24, WorkingDirectory: "/tmp"})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out remote.CreateSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.HandleID)
	return out.HandleID
}

func streamURL(ts *httptest.Server, handle string, offset int64) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/api/sessions/" + handle + "/stream?offset=" + fmt.Sprint(offset)
}

func dialStream(t *testing.T, ts *httptest.Server, handle string, offset int64) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(streamURL(ts, handle, offset), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readHostFrame(t *testing.T, conn *websocket.Conn) (remote.HostFrame, error) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return remote.HostFrame{}, err
	}
	var f remote.HostFrame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f, nil
}

func requireDataFrame(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	f, err := readHostFrame(t, conn)
	require.NoError(t, err)
	require.Equal(t, remote.TypeData, f.Type)
	require.Equal(t, want, f.Data)
}

// ============================================================
// Control plane
// ============================================================

func TestServerHealth(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServerCreateRejectsBadBody(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{})

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerCreateReportsSpawnFailure(t *testing.T) {
	ts, tr, _ := newTestServer(t, Config{})
	tr.spawnErr = &term.SpawnError{Dir: "/missing", Err: fmt.Errorf("no such directory")}

	body, err := json.Marshal(remote.CreateSessionRequest{Cols: 80, Rows: 24, WorkingDirectory: "/missing"})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var e remote.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Contains(t, e.Error, "/missing")
}

func TestServerListAndClose(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{})
	handle := createSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sums []remote.SessionSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sums))
	require.Len(t, sums, 1)
	assert.Equal(t, handle, sums[0].HandleID)
	assert.True(t, sums[0].Alive)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+handle, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	again, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	again.Body.Close()
	assert.Equal(t, http.StatusNotFound, again.StatusCode, "closing twice reports the session gone")
}

// ============================================================
// Stream
// ============================================================

func TestServerStreamLifecycle(t *testing.T) {
	ts, tr, srv := newTestServer(t, Config{})
	handle := createSession(t, ts)
	sub := tr.sub(handle)
	require.NotNil(t, sub)

	sub.emit(term.Data{Bytes: []byte("replayed ")})
	waitOffset(t, srv.sessions, handle, int64(len("replayed ")))

	conn := dialStream(t, ts, handle, 0)

	f, err := readHostFrame(t, conn)
	require.NoError(t, err)
	require.Equal(t, remote.TypeConnected, f.Type)
	requireDataFrame(t, conn, "replayed ")

	sub.emit(term.Data{Bytes: []byte("live")})
	requireDataFrame(t, conn, "live")

	require.NoError(t, conn.WriteJSON(remote.ClientFrame{Type: remote.TypeInput, Data: "ls\n"}))
	require.NoError(t, conn.WriteJSON(remote.ClientFrame{Type: remote.TypeResize, Cols: 120, Rows: 40}))
	require.Eventually(t, func() bool {
		return len(tr.inputsFor(handle)) == 1 && len(tr.resizesFor(handle)) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"ls\n"}, tr.inputsFor(handle))
	assert.Equal(t, [][2]int{{120, 40}}, tr.resizesFor(handle))

	// A malformed client frame is dropped, not fatal.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))

	sub.emit(term.Exit{ExitCode: intPtr(0)})
	sub.finish(nil)

	f, err = readHostFrame(t, conn)
	require.NoError(t, err)
	require.Equal(t, remote.TypeExit, f.Type)
	require.NotNil(t, f.ExitCode)
	assert.Equal(t, 0, *f.ExitCode)

	_, err = readHostFrame(t, conn)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestServerStreamResumesFromOffset(t *testing.T) {
	ts, tr, srv := newTestServer(t, Config{})
	handle := createSession(t, ts)

	tr.sub(handle).emit(term.Data{Bytes: []byte("0123456789")})
	waitOffset(t, srv.sessions, handle, 10)

	conn := dialStream(t, ts, handle, 4)

	f, err := readHostFrame(t, conn)
	require.NoError(t, err)
	require.Equal(t, remote.TypeConnected, f.Type)
	requireDataFrame(t, conn, "456789")
}

func TestServerStreamExpiredOffsetCloses4410(t *testing.T) {
	ts, tr, srv := newTestServer(t, Config{ReplayWindow: 8})
	handle := createSession(t, ts)

	tr.sub(handle).emit(term.Data{Bytes: []byte("abcdefghijklmnop")})
	waitOffset(t, srv.sessions, handle, 16)

	conn := dialStream(t, ts, handle, 0)

	_, err := readHostFrame(t, conn)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, remote.CloseResumeExpired),
		"want close %d, got %v", remote.CloseResumeExpired, err)
}

func TestServerStreamAfterExitReplaysAndCloses(t *testing.T) {
	ts, tr, srv := newTestServer(t, Config{})
	handle := createSession(t, ts)
	sub := tr.sub(handle)

	sub.emit(term.Data{Bytes: []byte("done")})
	sub.emit(term.Exit{ExitCode: intPtr(7)})
	sub.finish(nil)
	require.Eventually(t, func() bool {
		return !srv.sessions.get(handle).summary().Alive
	}, time.Second, time.Millisecond)

	conn := dialStream(t, ts, handle, 0)

	f, err := readHostFrame(t, conn)
	require.NoError(t, err)
	require.Equal(t, remote.TypeConnected, f.Type)
	requireDataFrame(t, conn, "done")

	f, err = readHostFrame(t, conn)
	require.NoError(t, err)
	require.Equal(t, remote.TypeExit, f.Type)
	require.NotNil(t, f.ExitCode)
	assert.Equal(t, 7, *f.ExitCode)

	_, err = readHostFrame(t, conn)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestServerStreamSecondAttachDisplacesFirst(t *testing.T) {
	ts, tr, _ := newTestServer(t, Config{})
	handle := createSession(t, ts)

	first := dialStream(t, ts, handle, 0)
	f, err := readHostFrame(t, first)
	require.NoError(t, err)
	require.Equal(t, remote.TypeConnected, f.Type)

	second := dialStream(t, ts, handle, 0)
	f, err = readHostFrame(t, second)
	require.NoError(t, err)
	require.Equal(t, remote.TypeConnected, f.Type)

	_, err = readHostFrame(t, first)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway),
		"displaced consumer should be told not to come back, got %v", err)

	// The new consumer still gets live output.
	tr.sub(handle).emit(term.Data{Bytes: []byte("for the taker")})
	requireDataFrame(t, second, "for the taker")
}

func TestServerStreamUnknownSession(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{})

	conn, resp, err := websocket.DefaultDialer.Dial(streamURL(ts, "nope", 0), nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerStreamRejectsBadOffset(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{})
	handle := createSession(t, ts)

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + handle + "/stream?offset=-1"
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckStreamOrigin(t *testing.T) {
	mk := func(origin, host string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://"+host+"/api/sessions/x/stream", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		r.Host = host
		return r
	}

	assert.True(t, checkStreamOrigin(mk("", "deck.local:7070")), "non-browser clients send no origin")
	assert.True(t, checkStreamOrigin(mk("http://localhost:5173", "deck.local:7070")))
	assert.True(t, checkStreamOrigin(mk("http://127.0.0.1", "deck.local:7070")))
	assert.True(t, checkStreamOrigin(mk("http://[::1]:8080", "deck.local:7070")))
	assert.True(t, checkStreamOrigin(mk("https://deck.local:7070", "deck.local:7070")))
	assert.False(t, checkStreamOrigin(mk("https://evil.test", "deck.local:7070")))
	assert.False(t, checkStreamOrigin(mk("::bad::", "deck.local:7070")))
}
