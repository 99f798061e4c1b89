// Package remote connects the desktop to a termdeck-host daemon. It
// defines the wire protocol both sides speak and implements the
// client-side transport with offset-resumed streaming.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/termdeck/termdeck/internal/term"
)

// Frame type discriminators. Clients send input and resize; the host
// sends connected, data and exit.
const (
	TypeInput     = "input"
	TypeResize    = "resize"
	TypeConnected = "connected"
	TypeData      = "data"
	TypeExit      = "exit"
)

// CloseResumeExpired is the WebSocket close code the host sends when a
// requested resume offset has already left its replay window. The
// session cannot be resumed; the client must start over.
const CloseResumeExpired = 4410

// ClientFrame is one message from the desktop to the host.
type ClientFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// HostFrame is one message from the host to the desktop.
type HostFrame struct {
	Type     string  `json:"type"`
	Data     string  `json:"data,omitempty"`
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// ParseHostFrame validates one raw host message and converts it to an
// engine event. Anything outside the three known variants is rejected
// here, at the boundary, so nothing downstream ever sees it.
func ParseHostFrame(raw []byte) (term.Event, error) {
	var f HostFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Type {
	case TypeConnected:
		return term.Connected{}, nil
	case TypeData:
		if !utf8.ValidString(f.Data) {
			return nil, errors.New("data frame is not valid UTF-8")
		}
		return term.Data{Bytes: []byte(f.Data)}, nil
	case TypeExit:
		return term.Exit{ExitCode: f.ExitCode, Signal: f.Signal}, nil
	case "":
		return nil, errors.New("frame missing type")
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

// ParseClientFrame validates one raw client message on the host side.
func ParseClientFrame(raw []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Type {
	case TypeInput:
		return f, nil
	case TypeResize:
		if f.Cols <= 0 || f.Rows <= 0 {
			return ClientFrame{}, fmt.Errorf("invalid resize %dx%d", f.Cols, f.Rows)
		}
		return f, nil
	case "":
		return ClientFrame{}, errors.New("frame missing type")
	default:
		return ClientFrame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

// ConnectedFrame builds the frame a host sends once a stream attach
// succeeds.
func ConnectedFrame() HostFrame {
	return HostFrame{Type: TypeConnected}
}

// DataFrame builds a host data frame.
func DataFrame(payload []byte) HostFrame {
	return HostFrame{Type: TypeData, Data: string(payload)}
}

// ExitFrame builds a host exit frame from the engine event.
func ExitFrame(e term.Exit) HostFrame {
	return HostFrame{Type: TypeExit, ExitCode: e.ExitCode, Signal: e.Signal}
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Cols             int    `json:"cols"`
	Rows             int    `json:"rows"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

// CreateSessionResponse carries the handle of a freshly spawned
// session.
type CreateSessionResponse struct {
	HandleID string `json:"handleId"`
}

// SessionSummary describes one host session in list responses. Exited
// sessions stay listed, carrying their exit status, until deleted.
type SessionSummary struct {
	HandleID  string  `json:"handleId"`
	Alive     bool    `json:"alive"`
	StartedAt string  `json:"startedAt"`
	Offset    int64   `json:"offset"`
	ExitCode  *int    `json:"exitCode,omitempty"`
	Signal    *string `json:"signal,omitempty"`
}

// ErrorResponse is the host's JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
