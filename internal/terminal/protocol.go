// ABOUTME: Wire protocol for the terminal relay: close codes and JSON control frames
// ABOUTME: Binary frames carry raw PTY bytes; each text frame is one control envelope

package terminal

import (
	"encoding/json"
	"fmt"
)

// Close codes sent on the browser leg. 1xxx codes are standard WebSocket
// codes; 4xxx codes are specific to the relay. The browser treats 4409 and
// 4500 as non-retryable.
const (
	CloseNormal           = 1000 // clean close, including agent exit
	ClosePolicyViolation  = 1008 // malformed client frame
	CloseInternalError    = 1011 // unexpected server failure
	CloseBadAgentState    = 4000 // agent in a status with no terminal
	CloseUnauthorized     = 4001 // missing or invalid session token
	CloseForbidden        = 4003 // caller is neither owner nor shared-with
	CloseAgentNotFound    = 4004 // no such agent
	CloseTakenOver        = 4409 // displaced by a session takeover
	CloseVMUnreachable    = 4500 // VM leg lost and reconnection gave up
	CloseTerminalNotReady = 4503 // VM terminal endpoint not up, or resume failed
)

// ControlFrame is one JSON text frame on either relay leg. Each frame kind
// is its own type so receivers dispatch with an exhaustive type switch
// instead of comparing type strings at every call site.
type ControlFrame interface {
	frameType() string
}

// ResizeFrame reports new terminal dimensions (browser to relay to VM).
type ResizeFrame struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// TakeoverFrame asks the relay to displace the active session.
type TakeoverFrame struct{}

// ConnectedFrame tells a browser it is now the active session.
type ConnectedFrame struct {
	SessionID string `json:"sessionId"`
}

// SessionActiveFrame tells a waiting browser which session holds the
// terminal. The waiter may answer with a takeover.
type SessionActiveFrame struct {
	SessionID string `json:"sessionId"`
}

// SessionTakenOverFrame tells the displaced session why it is being closed.
type SessionTakenOverFrame struct{}

// VMReconnectingFrame tells the browser the VM leg dropped and is being
// redialed. Attempt counts retry cycles within the current outage.
type VMReconnectingFrame struct {
	Attempt int `json:"attempt"`
}

// RestoreFrame carries a snapshot of recent terminal output so a freshly
// promoted session can repaint the screen. Data is base64 on the wire.
type RestoreFrame struct {
	Data []byte `json:"data"`
}

// ErrorFrame carries a human-readable failure notice, usually ahead of a
// coded close.
type ErrorFrame struct {
	Message string `json:"message"`
}

// ExitFrame reports the agent process exit code (VM to relay to browser).
type ExitFrame struct {
	Code int `json:"code"`
}

// UnknownFrame is any control frame with an unrecognized type. Receivers
// ignore it so protocol additions don't break older peers.
type UnknownFrame struct {
	Type string
}

func (ResizeFrame) frameType() string           { return "resize" }
func (TakeoverFrame) frameType() string         { return "takeover" }
func (ConnectedFrame) frameType() string        { return "connected" }
func (SessionActiveFrame) frameType() string    { return "session_active" }
func (SessionTakenOverFrame) frameType() string { return "session_taken_over" }
func (VMReconnectingFrame) frameType() string   { return "vm_reconnecting" }
func (RestoreFrame) frameType() string          { return "restore" }
func (ErrorFrame) frameType() string            { return "error" }
func (ExitFrame) frameType() string             { return "exit" }
func (f UnknownFrame) frameType() string        { return f.Type }

// MarshalFrame encodes a control frame as one JSON text payload with its
// type tag injected.
func MarshalFrame(f ControlFrame) ([]byte, error) {
	type tagged struct {
		Type string `json:"type"`
	}
	switch v := f.(type) {
	case ResizeFrame:
		return json.Marshal(struct {
			tagged
			ResizeFrame
		}{tagged{v.frameType()}, v})
	case TakeoverFrame:
		return json.Marshal(tagged{v.frameType()})
	case ConnectedFrame:
		return json.Marshal(struct {
			tagged
			ConnectedFrame
		}{tagged{v.frameType()}, v})
	case SessionActiveFrame:
		return json.Marshal(struct {
			tagged
			SessionActiveFrame
		}{tagged{v.frameType()}, v})
	case SessionTakenOverFrame:
		return json.Marshal(tagged{v.frameType()})
	case VMReconnectingFrame:
		return json.Marshal(struct {
			tagged
			VMReconnectingFrame
		}{tagged{v.frameType()}, v})
	case RestoreFrame:
		return json.Marshal(struct {
			tagged
			RestoreFrame
		}{tagged{v.frameType()}, v})
	case ErrorFrame:
		return json.Marshal(struct {
			tagged
			ErrorFrame
		}{tagged{v.frameType()}, v})
	case ExitFrame:
		return json.Marshal(struct {
			tagged
			ExitFrame
		}{tagged{v.frameType()}, v})
	default:
		return nil, fmt.Errorf("unmarshalable control frame %T", f)
	}
}

// ParseFrame decodes one JSON control frame. Unrecognized types decode to
// UnknownFrame; malformed JSON or a missing type tag is an error.
func ParseFrame(data []byte) (ControlFrame, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parsing control frame: %w", err)
	}
	if probe.Type == "" {
		return nil, fmt.Errorf("control frame has no type")
	}

	switch probe.Type {
	case "resize":
		var f ResizeFrame
		return f, json.Unmarshal(data, &f)
	case "takeover":
		return TakeoverFrame{}, nil
	case "connected":
		var f ConnectedFrame
		return f, json.Unmarshal(data, &f)
	case "session_active":
		var f SessionActiveFrame
		return f, json.Unmarshal(data, &f)
	case "session_taken_over":
		return SessionTakenOverFrame{}, nil
	case "vm_reconnecting":
		var f VMReconnectingFrame
		return f, json.Unmarshal(data, &f)
	case "restore":
		var f RestoreFrame
		return f, json.Unmarshal(data, &f)
	case "error":
		var f ErrorFrame
		return f, json.Unmarshal(data, &f)
	case "exit":
		var f ExitFrame
		return f, json.Unmarshal(data, &f)
	default:
		return UnknownFrame{Type: probe.Type}, nil
	}
}
