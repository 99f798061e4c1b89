package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/remote"
	"github.com/termdeck/termdeck/internal/term"
)

// Config holds the host daemon's listen and retention settings.
type Config struct {
	Addr         string
	ReplayWindow int
}

// Server exposes the session pool over HTTP: a small JSON control
// plane plus a websocket stream per session.
type Server struct {
	cfg      Config
	log      *zap.Logger
	sessions *sessionPool
	router   *gin.Engine
	http     *http.Server
}

// NewServer wires a server around a local PTY transport.
func NewServer(cfg Config, tr term.Transport, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		log:      log,
		sessions: newSessionPool(tr, cfg.ReplayWindow, log.Named("sessions")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", s.handleHealth)
	api := router.Group("/api")
	{
		api.POST("/sessions", s.handleCreate)
		api.GET("/sessions", s.handleList)
		api.DELETE("/sessions/:id", s.handleClose)
		api.GET("/sessions/:id/stream", s.handleStream)
	}

	s.router = router
	s.http = &http.Server{Addr: cfg.Addr, Handler: router}
	return s
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("listening", zap.String("addr", s.cfg.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and kills every session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.sessions.closeAll()
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(s.sessions.list()),
	})
}

func (s *Server) handleCreate(c *gin.Context) {
	var req remote.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid request body"})
		return
	}

	handle, err := s.sessions.create(c.Request.Context(), term.CreateOptions{
		Cols:             req.Cols,
		Rows:             req.Rows,
		WorkingDirectory: req.WorkingDirectory,
	})
	if err != nil {
		s.log.Warn("spawn failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, remote.ErrorResponse{Error: err.Error()})
		return
	}

	s.log.Info("session created", zap.String("handle", handle), zap.String("dir", req.WorkingDirectory))
	c.JSON(http.StatusCreated, remote.CreateSessionResponse{HandleID: handle})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.list())
}

func (s *Server) handleClose(c *gin.Context) {
	handle := c.Param("id")
	if !s.sessions.close(handle) {
		c.JSON(http.StatusNotFound, remote.ErrorResponse{Error: "no such session"})
		return
	}
	s.log.Info("session closed", zap.String("handle", handle))
	c.Status(http.StatusNoContent)
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkStreamOrigin,
}

// checkStreamOrigin admits non-browser clients (no Origin header),
// localhost pages, and same-host pages.
func checkStreamOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleStream(c *gin.Context) {
	handle := c.Param("id")
	offset, err := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid offset"})
		return
	}
	sess := s.sessions.get(handle)
	if sess == nil {
		c.JSON(http.StatusNotFound, remote.ErrorResponse{Error: "no such session"})
		return
	}

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()
	s.streamSession(conn, sess, offset)
}

// streamSession runs one attached websocket: replay, then live events,
// with client input/resize frames read on the side.
func (s *Server) streamSession(conn *websocket.Conn, sess *hostSession, offset int64) {
	log := s.log.With(zap.String("handle", sess.handle))

	replay, live, done, detach, err := sess.attach(offset)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, errResumeExpired) {
			code = remote.CloseResumeExpired
			log.Info("rejecting stale resume", zap.Int64("offset", offset))
		}
		s.closeWith(conn, code, err.Error())
		return
	}
	if detach != nil {
		defer detach()
	}

	if err := conn.WriteJSON(remote.ConnectedFrame()); err != nil {
		return
	}
	if len(replay) > 0 {
		if err := conn.WriteJSON(remote.DataFrame(replay)); err != nil {
			return
		}
	}
	if done != nil {
		_ = conn.WriteJSON(remote.ExitFrame(*done))
		s.closeWith(conn, websocket.CloseNormalClosure, "")
		return
	}

	readerDone := make(chan struct{})
	go s.readClientFrames(conn, sess.handle, readerDone)

	for {
		select {
		case ev, ok := <-live.ch:
			if !ok {
				switch live.reason {
				case cutReplaced:
					// A newer attach owns the stream; this consumer
					// must not retry.
					s.closeWith(conn, websocket.CloseGoingAway, "session attached elsewhere")
				default:
					// Lagging, or the session died without an exit. An
					// abnormal close makes the client resume by offset.
				}
				return
			}
			switch e := ev.(type) {
			case term.Data:
				if err := conn.WriteJSON(remote.DataFrame(e.Bytes)); err != nil {
					return
				}
			case term.Exit:
				_ = conn.WriteJSON(remote.ExitFrame(e))
				s.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
		case <-readerDone:
			return
		}
	}
}

// readClientFrames pumps input and resize frames from the client until
// the connection drops. Malformed frames are logged and skipped.
func (s *Server) readClientFrames(conn *websocket.Conn, handle string, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := remote.ParseClientFrame(raw)
		if err != nil {
			s.log.Warn("rejecting client frame", zap.String("handle", handle), zap.Error(err))
			continue
		}
		switch frame.Type {
		case remote.TypeInput:
			if err := s.sessions.input(handle, []byte(frame.Data)); err != nil {
				s.log.Debug("input dropped", zap.String("handle", handle), zap.Error(err))
			}
		case remote.TypeResize:
			if err := s.sessions.resize(handle, frame.Cols, frame.Rows); err != nil {
				s.log.Debug("resize dropped", zap.String("handle", handle), zap.Error(err))
			}
		}
	}
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
