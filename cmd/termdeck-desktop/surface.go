package main

import (
	"context"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// dataPayload is the body of a terminal:data event.
type dataPayload struct {
	Payload string `json:"payload"`
	Reset   bool   `json:"reset"`
}

// eventSurface renders one session onto its frontend pane by emitting
// runtime events scoped to the session ID. The frontend listens on
// terminal:<kind>:<sessionID> and drives its xterm instance from them.
type eventSurface struct {
	ctx       context.Context
	sessionID string
}

func newEventSurface(ctx context.Context, sessionID string) *eventSurface {
	return &eventSurface{ctx: ctx, sessionID: sessionID}
}

func (s *eventSurface) WriteChunk(payload string, reset bool) {
	runtime.EventsEmit(s.ctx, "terminal:data:"+s.sessionID, dataPayload{Payload: payload, Reset: reset})
}

func (s *eventSurface) Focus() {
	runtime.EventsEmit(s.ctx, "terminal:focus:"+s.sessionID)
}

func (s *eventSurface) Clear() {
	runtime.EventsEmit(s.ctx, "terminal:clear:"+s.sessionID)
}

func (s *eventSurface) Fit() {
	runtime.EventsEmit(s.ctx, "terminal:fit:"+s.sessionID)
}

func (s *eventSurface) Status(text string) {
	runtime.EventsEmit(s.ctx, "terminal:status:"+s.sessionID, text)
}
