// Package wsgateway speaks a small JSON-over-WebSocket protocol to a
// self-hosted tutoring relay. The relay owns the model connection; this
// package only frames session traffic.
//
// Client frames: hello, audio_frame, text, image, tool_result.
// Server frames: hello_ack, error, tool_call, tool_cancel, transcript,
// audio (or a raw binary PCM frame), interrupted, turn_complete, go_away.
package wsgateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
	"github.com/yuhaousa/voice2learn/pkg/tutor/tools"
)

const ProtocolVersion = "1"

type ClientHello struct {
	Type              string              `json:"type"`
	ProtocolVersion   string              `json:"protocol_version"`
	Session           live.SessionConfig  `json:"session"`
	SystemInstruction string              `json:"system_instruction"`
	Tools             []tools.Declaration `json:"tools"`
	AudioIn           AudioFormat         `json:"audio_in"`
	AudioOut          AudioFormat         `json:"audio_out"`
}

type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type ClientAudioFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq"`
	DataB64 string `json:"data_b64"`
}

type ClientText struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	TurnComplete bool   `json:"turn_complete"`
}

type ClientImage struct {
	Type     string `json:"type"`
	MIMEType string `json:"mime_type"`
	DataB64  string `json:"data_b64"`
}

type ClientToolResult struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
	IsError  bool           `json:"is_error,omitempty"`
}

type ServerHelloAck struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// serverFrame is the union of every server frame body.
type serverFrame struct {
	Type string `json:"type"`

	// tool_call
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name,omitempty"`
	Args map[string]any `json:"args,omitempty"`
	// tool_cancel
	IDs []string `json:"ids,omitempty"`
	// transcript
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`
	// audio
	DataB64      string `json:"data_b64,omitempty"`
	SampleRateHz int    `json:"sample_rate_hz,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	// go_away / error
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServerRejectedError is a server error frame.
type ServerRejectedError struct {
	Code    string
	Message string
}

func (e *ServerRejectedError) Error() string {
	if e.Code == "" {
		return "gateway error: " + e.Message
	}
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// decodeTextFrame turns a JSON server frame into a session event. Frames that
// carry nothing for the session (hello_ack after the handshake, unknown
// types) yield a nil event.
func decodeTextFrame(data []byte) (live.Event, error) {
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode gateway frame: %w", err)
	}
	switch strings.TrimSpace(f.Type) {
	case "":
		return nil, fmt.Errorf("gateway frame missing type")
	case "tool_call":
		if f.Name == "" {
			return nil, fmt.Errorf("tool_call missing name")
		}
		return live.ToolCallEvent{ID: f.ID, Name: f.Name, Args: f.Args}, nil
	case "tool_cancel":
		return live.ToolCancelEvent{IDs: f.IDs}, nil
	case "transcript":
		role := live.RoleModel
		if strings.EqualFold(f.Role, string(live.RoleUser)) {
			role = live.RoleUser
		}
		return live.TranscriptionEvent{Role: role, Text: f.Text}, nil
	case "audio":
		pcm, err := base64.StdEncoding.DecodeString(f.DataB64)
		if err != nil {
			return nil, fmt.Errorf("decode audio frame: %w", err)
		}
		return live.AudioEvent{Data: pcm, SampleRate: f.SampleRateHz, Channels: f.Channels}, nil
	case "interrupted":
		return live.InterruptedEvent{}, nil
	case "turn_complete":
		return live.TurnCompleteEvent{}, nil
	case "go_away":
		return live.GoAwayEvent{Reason: f.Reason}, nil
	case "error":
		return nil, &ServerRejectedError{Code: f.Code, Message: f.Message}
	default:
		return nil, nil
	}
}
