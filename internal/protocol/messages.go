package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStartSession MessageType = "start_session"
	TypeStopSession  MessageType = "stop_session"
	TypeAudioChunk   MessageType = "audio_chunk"

	TypeSessionState     MessageType = "session_state"
	TypeConversationTurn MessageType = "conversation_turn"
	TypeTurnTruncated    MessageType = "turn_truncated"
	TypeLogEvent         MessageType = "log_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Audio sources a client may request.
const (
	AudioSourceBrowser = "browser"
	AudioSourceDevice  = "device"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type SessionConfig struct {
	ModelID       string `json:"model_id,omitempty"`
	VoiceID       string `json:"voice_id,omitempty"`
	AudioSource   string `json:"audio_source,omitempty"`
	InputDeviceID string `json:"input_device_id,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	SampleWidth   int    `json:"sample_width,omitempty"`
}

type StartSession struct {
	Type   MessageType   `json:"type"`
	Config SessionConfig `json:"config"`
}

type StopSession struct {
	Type MessageType `json:"type"`
}

// AudioChunk is client audio sent as JSON. Binary websocket frames carry
// the same audio without the envelope.
type AudioChunk struct {
	Type        MessageType `json:"type"`
	PCMBase64   string      `json:"pcm_base64"`
	SampleRate  int         `json:"sample_rate,omitempty"`
	Channels    int         `json:"channels,omitempty"`
	SampleWidth int         `json:"sample_width,omitempty"`
}

// PCM decodes the audio payload.
func (c AudioChunk) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.PCMBase64)
}

type SessionState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Detail    string      `json:"detail,omitempty"`
}

type OutboundAudio struct {
	Type        MessageType `json:"type"`
	AudioBase64 string      `json:"audio_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type ConversationTurn struct {
	Type      MessageType `json:"type"`
	Seq       int         `json:"seq"`
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Truncated bool        `json:"truncated"`
}

type TurnTruncated struct {
	Type MessageType `json:"type"`
	Seq  int         `json:"seq"`
}

type LogEvent struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	Level     string      `json:"level"`
	Timestamp time.Time   `json:"timestamp"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStartSession:
		var msg StartSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := validateConfig(msg.Config); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStopSession:
		return StopSession{Type: TypeStopSession}, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCMBase64 == "" || msg.SampleRate < 0 || msg.Channels < 0 || msg.SampleWidth < 0 {
			return nil, errors.New("invalid audio_chunk")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func validateConfig(c SessionConfig) error {
	switch strings.TrimSpace(c.AudioSource) {
	case "", AudioSourceBrowser:
	case AudioSourceDevice:
		if strings.TrimSpace(c.InputDeviceID) == "" {
			return errors.New("invalid start_session: input_device_id is required for device audio")
		}
	default:
		return fmt.Errorf("invalid start_session: unknown audio_source %q", c.AudioSource)
	}
	if c.SampleRate < 0 || c.Channels < 0 || c.SampleWidth < 0 {
		return errors.New("invalid start_session: negative audio format")
	}
	if c.SampleWidth != 0 && c.SampleWidth != 2 && c.SampleWidth != 4 {
		return fmt.Errorf("invalid start_session: unsupported sample_width %d", c.SampleWidth)
	}
	return nil
}
