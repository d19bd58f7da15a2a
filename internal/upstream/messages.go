// Package upstream speaks the voice agent service protocol: a settings
// handshake followed by interleaved binary audio and JSON control messages.
package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Control message types.
const (
	TypeWelcome              = "Welcome"
	TypeSettings             = "Settings"
	TypeSettingsApplied      = "SettingsApplied"
	TypeConversationText     = "ConversationText"
	TypeUserStartedSpeaking  = "UserStartedSpeaking"
	TypeAgentThinking        = "AgentThinking"
	TypeAgentStartedSpeaking = "AgentStartedSpeaking"
	TypeAgentAudioDone       = "AgentAudioDone"
	TypeFunctionCallRequest  = "FunctionCallRequest"
	TypeFunctionCallResponse = "FunctionCallResponse"
	TypeInjectAgentMessage   = "InjectAgentMessage"
	TypeKeepAlive            = "KeepAlive"
	TypeError                = "Error"
	TypeWarning              = "Warning"
)

type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentSettings struct {
	Language string         `json:"language"`
	Listen   ListenSettings `json:"listen"`
	Think    ThinkSettings  `json:"think"`
	Speak    SpeakSettings  `json:"speak"`
	Greeting string         `json:"greeting,omitempty"`
}

type ListenSettings struct {
	Provider Provider `json:"provider"`
}

type ThinkSettings struct {
	Provider  Provider             `json:"provider"`
	Prompt    string               `json:"prompt"`
	Functions []FunctionDefinition `json:"functions,omitempty"`
}

type SpeakSettings struct {
	Provider Provider `json:"provider"`
}

type Provider struct {
	Type        string   `json:"type"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SettingsParams are the knobs a session chooses for its handshake.
type SettingsParams struct {
	SampleRate       int
	Language         string
	ListenModel      string
	ThinkProvider    string
	ThinkModel       string
	ThinkTemperature float64
	Prompt           string
	Functions        []FunctionDefinition
	SpeakModel       string
	Greeting         string
}

// NewSettings builds the handshake message. Audio is linear16 mono at the
// same rate in both directions.
func NewSettings(p SettingsParams) Settings {
	temp := p.ThinkTemperature
	return Settings{
		Type: TypeSettings,
		Audio: AudioSettings{
			Input:  AudioFormat{Encoding: "linear16", SampleRate: p.SampleRate},
			Output: AudioFormat{Encoding: "linear16", SampleRate: p.SampleRate, Container: "none"},
		},
		Agent: AgentSettings{
			Language: p.Language,
			Listen:   ListenSettings{Provider: Provider{Type: "deepgram", Model: p.ListenModel}},
			Think: ThinkSettings{
				Provider:  Provider{Type: p.ThinkProvider, Model: p.ThinkModel, Temperature: &temp},
				Prompt:    p.Prompt,
				Functions: p.Functions,
			},
			Speak:    SpeakSettings{Provider: Provider{Type: "deepgram", Model: p.SpeakModel}},
			Greeting: p.Greeting,
		},
	}
}

// FunctionCall is one entry of a FunctionCallRequest. Arguments is the
// JSON-encoded argument object.
type FunctionCall struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ClientSide bool   `json:"client_side"`
}

// Control is a decoded JSON control message. Only the fields relevant to
// Type are populated.
type Control struct {
	Type string `json:"type"`

	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	Functions []FunctionCall `json:"functions,omitempty"`

	// Seconds, as sent by AgentStartedSpeaking.
	TotalLatency float64 `json:"total_latency,omitempty"`
	TTSLatency   float64 `json:"tts_latency,omitempty"`
	TTTLatency   float64 `json:"ttt_latency,omitempty"`

	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// DecodeControl parses a JSON control message. A message without a type is
// an error.
func DecodeControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("decode control message: %w", err)
	}
	if strings.TrimSpace(c.Type) == "" {
		return Control{}, fmt.Errorf("decode control message: missing type")
	}
	return c, nil
}

// ErrorText returns the best human readable detail of an Error or Warning.
func (c Control) ErrorText() string {
	switch {
	case c.Description != "":
		return c.Description
	case c.Message != "":
		return c.Message
	default:
		return c.Code
	}
}

type FunctionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

func NewFunctionCallResponse(id, name, content string) FunctionCallResponse {
	return FunctionCallResponse{Type: TypeFunctionCallResponse, ID: id, Name: name, Content: content}
}

type InjectAgentMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewInjectAgentMessage(msg string) InjectAgentMessage {
	return InjectAgentMessage{Type: TypeInjectAgentMessage, Message: msg}
}

type KeepAlive struct {
	Type string `json:"type"`
}

// MessageKind tells audio from control frames.
type MessageKind int

const (
	KindAudio MessageKind = iota + 1
	KindControl
	KindInvalid
)

// Message is one inbound frame. For KindInvalid, DecodeErr explains why the
// frame could not be understood and Raw holds it.
type Message struct {
	Kind      MessageKind
	Audio     []byte
	Control   Control
	Raw       []byte
	DecodeErr error
}

func messageFromText(data []byte) Message {
	c, err := DecodeControl(data)
	if err != nil {
		return Message{Kind: KindInvalid, Raw: data, DecodeErr: err}
	}
	return Message{Kind: KindControl, Control: c, Raw: data}
}
