// Package protocol defines the JSON frames exchanged with session feed
// clients over websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vango-go/vai-duplex/pkg/core"
	"github.com/vango-go/vai-duplex/pkg/core/live"
	"github.com/vango-go/vai-duplex/pkg/core/wire"
)

const (
	ProtocolVersion1 = "1"

	OpStart  = "start"
	OpStop   = "stop"
	OpReset  = "reset"
	OpMode   = "mode"
	OpStatus = "status"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientControl asks the session to change its lifecycle.
type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
	Mode string `json:"mode,omitempty"`
}

// DecodeClientMessage decodes one client frame. Only "control" frames are
// accepted.
func DecodeClientMessage(data []byte) (ClientControl, error) {
	var msg ClientControl
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientControl{}, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(msg.Type)
	if typ == "" {
		return ClientControl{}, badRequest("missing type", "type")
	}
	if typ != "control" {
		return ClientControl{}, badRequest("unsupported message type", "type")
	}
	msg.Type = typ

	op := strings.TrimSpace(msg.Op)
	if op == "" {
		return ClientControl{}, badRequest("control.op is required", "op")
	}
	switch op {
	case OpStart, OpStop, OpReset, OpStatus:
	case OpMode:
		if _, err := live.ParseMode(msg.Mode); err != nil {
			return ClientControl{}, badRequest("control.mode must be audio, video or both", "mode")
		}
	default:
		return ClientControl{}, unsupported("unsupported control operation", "op")
	}
	msg.Op = op
	return msg, nil
}

// ServerHello is the first frame sent to every client.
type ServerHello struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id,omitempty"`
	State           string `json:"state"`
	Mode            string `json:"mode"`
	Status          string `json:"status"`
}

type ServerState struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

type ServerStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type ServerLevel struct {
	Type   string  `json:"type"`
	Source string  `json:"source"`
	RMS    float64 `json:"rms"`
	Peak   float64 `json:"peak"`
}

type ServerTranscript struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}

type ServerVideoFrame struct {
	Type     string `json:"type"`
	MIMEType string `json:"mime_type"`
	DataB64  string `json:"data_b64"`
}

type ServerError struct {
	Type      string         `json:"type"`
	Scope     string         `json:"scope,omitempty"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Close     bool           `json:"close,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// FromEvent converts a session event into its server frame. It reports
// false for events that have no feed representation.
func FromEvent(ev live.Event) (any, bool) {
	switch e := ev.(type) {
	case *live.StateChangedEvent:
		return ServerState{Type: "state", From: e.From.String(), To: e.To.String()}, true
	case *live.StatusEvent:
		return ServerStatus{Type: "status", Status: e.Status}, true
	case *live.LevelEvent:
		return ServerLevel{Type: "level", Source: e.Source, RMS: e.Level.RMS, Peak: e.Level.Peak}, true
	case *live.TranscriptEvent:
		return ServerTranscript{Type: "transcript", Role: e.Role, Text: e.Text}, true
	case *live.VideoFrameEvent:
		if len(e.Frame.Data) == 0 {
			return nil, false
		}
		return ServerVideoFrame{
			Type:     "video_frame",
			MIMEType: e.Frame.MIMEType,
			DataB64:  wire.EncodeBase64(e.Frame.Data),
		}, true
	case *live.ErrorEvent:
		return ServerError{Type: "error", Scope: "session", Code: e.Code, Message: e.Message}, true
	default:
		return nil, false
	}
}

// ErrorFrame converts a control failure into an error frame.
func ErrorFrame(scope string, err error) ServerError {
	out := ServerError{Type: "error", Scope: scope, Code: "internal_error", Message: err.Error()}
	var decErr *DecodeError
	var coreErr *core.Error
	switch {
	case errors.As(err, &decErr):
		out.Code = decErr.Code
		out.Message = decErr.Message
		if decErr.Param != "" {
			out.Details = map[string]any{"param": decErr.Param}
		}
	case errors.As(err, &coreErr):
		out.Code = string(coreErr.Type)
		out.Retryable = coreErr.Type == core.ErrSessionInit || coreErr.Type == core.ErrTransportSend
	}
	return out
}
