package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Browser transport framing: binary websocket frames carry raw little-endian
// PCM16 audio; text frames carry the JSON messages below.

// MessageType identifies browser websocket payload variants.
type MessageType string

const (
	TypeClientControl   MessageType = "client_control"
	TypeTranscript      MessageType = "transcript"
	TypeAgentChanged    MessageType = "agent_changed"
	TypeStopAudio       MessageType = "stop_audio"
	TypeSessionRejected MessageType = "session_rejected"
	TypeErrorEvent      MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl is sent by the browser client. Actions: start (carries the
// negotiated sample rate and, for authenticated clients, a stable caller id),
// stop (force-commit the current utterance), end.
type ClientControl struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	CallerID   string      `json:"caller_id,omitempty"`
	Action     string      `json:"action"`
	SampleRate int         `json:"sample_rate,omitempty"`
}

// Transcript reports a recognition hypothesis or commit to the client.
type Transcript struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Final      bool        `json:"final"`
	Confidence float64     `json:"confidence,omitempty"`
	TSMs       int64       `json:"ts_ms,omitempty"`
}

// AgentChanged notifies the client that a handoff switched the active agent.
type AgentChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Agent     string      `json:"agent"`
}

// StopAudio tells the client to flush any buffered playback immediately.
type StopAudio struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

// SessionRejected is the distinguishable admission-rejection signal: it is the
// only message a rejected caller receives before the connection closes.
type SessionRejected struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail,omitempty"`
}

// ParseBrowserControl decodes a browser text frame.
func ParseBrowserControl(raw []byte) (ClientControl, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientControl{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type != TypeClientControl {
		return ClientControl{}, ErrUnsupportedType
	}
	var msg ClientControl
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientControl{}, err
	}
	switch msg.Action {
	case "start", "stop", "end":
	default:
		return ClientControl{}, fmt.Errorf("invalid client_control action %q", msg.Action)
	}
	return msg, nil
}
