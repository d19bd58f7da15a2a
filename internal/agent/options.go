package agent

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/antoniostano/agentbridge/internal/audio"
	"github.com/antoniostano/agentbridge/internal/persona"
	"github.com/antoniostano/agentbridge/internal/protocol"
)

// Options are the process-wide settings every session starts from.
type Options struct {
	ClientSampleRate int
	AgentSampleRate  int

	Language         string
	ListenModel      string
	ThinkProvider    string
	ThinkModel       string
	ThinkTemperature float64
	// Prompt and Greeting override the persona's when set.
	Prompt   string
	Greeting string

	PersonaKey    string
	VoiceName     string
	DefaultVoice  string
	AllowedVoices []string

	KeepAliveInterval   time.Duration
	DrainTimeout        time.Duration
	RelayGrace          time.Duration
	EndCallGrace        time.Duration
	PlaybackLead        time.Duration
	CriticalSendTimeout time.Duration

	OutboundQueue     int
	MaxDecodeFailures int

	AudioDebugDir string
}

func (o Options) withDefaults() Options {
	if o.ClientSampleRate <= 0 {
		o.ClientSampleRate = 48000
	}
	if o.AgentSampleRate <= 0 {
		o.AgentSampleRate = 16000
	}
	if o.Language == "" {
		o.Language = "en"
	}
	if o.ListenModel == "" {
		o.ListenModel = "nova-3"
	}
	if o.ThinkProvider == "" {
		o.ThinkProvider = "open_ai"
	}
	if o.ThinkModel == "" {
		o.ThinkModel = "gpt-4o-mini"
	}
	if o.PersonaKey == "" {
		o.PersonaKey = persona.DefaultKey
	}
	if o.DefaultVoice == "" {
		o.DefaultVoice = persona.DefaultVoiceModel
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = 5 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 3 * time.Second
	}
	if o.RelayGrace <= 0 {
		o.RelayGrace = 200 * time.Millisecond
	}
	if o.EndCallGrace <= 0 {
		o.EndCallGrace = 8 * time.Second
	}
	if o.PlaybackLead <= 0 {
		o.PlaybackLead = 300 * time.Millisecond
	}
	if o.CriticalSendTimeout <= 0 {
		o.CriticalSendTimeout = 600 * time.Millisecond
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 512
	}
	if o.MaxDecodeFailures <= 0 {
		o.MaxDecodeFailures = 5
	}
	return o
}

// Config is the per-session request from the client.
type Config struct {
	ModelID       string
	VoiceID       string
	AudioSource   string
	InputDeviceID string
	SampleRate    int
	Channels      int
	SampleWidth   int
}

// ConfigFromProtocol copies a start_session request.
func ConfigFromProtocol(c protocol.SessionConfig) Config {
	return Config{
		ModelID:       c.ModelID,
		VoiceID:       c.VoiceID,
		AudioSource:   c.AudioSource,
		InputDeviceID: c.InputDeviceID,
		SampleRate:    c.SampleRate,
		Channels:      c.Channels,
		SampleWidth:   c.SampleWidth,
	}
}

var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]*$`)

// resolve fills defaults and validates the request. It never dials.
func (o Options) resolve(c Config, capture CaptureSource) (Config, error) {
	c.ModelID = strings.TrimSpace(c.ModelID)
	c.VoiceID = strings.TrimSpace(c.VoiceID)
	c.AudioSource = strings.ToLower(strings.TrimSpace(c.AudioSource))
	c.InputDeviceID = strings.TrimSpace(c.InputDeviceID)

	if c.ModelID == "" {
		c.ModelID = o.ThinkModel
	}
	if !identPattern.MatchString(c.ModelID) {
		return c, &ConfigurationError{Field: "model_id", Reason: "malformed identifier"}
	}
	if c.VoiceID == "" {
		c.VoiceID = o.DefaultVoice
	}
	if !identPattern.MatchString(c.VoiceID) {
		return c, &ConfigurationError{Field: "voice_id", Reason: "malformed identifier"}
	}
	if len(o.AllowedVoices) > 0 && !slices.Contains(o.AllowedVoices, c.VoiceID) {
		return c, &ConfigurationError{Field: "voice_id", Reason: "voice " + c.VoiceID + " is not available"}
	}

	switch c.AudioSource {
	case "":
		c.AudioSource = protocol.AudioSourceBrowser
	case protocol.AudioSourceBrowser:
	case protocol.AudioSourceDevice:
		if c.InputDeviceID == "" {
			return c, &ConfigurationError{Field: "input_device_id", Reason: "required for device audio"}
		}
		if capture == nil {
			return c, &ConfigurationError{Field: "audio_source", Reason: "server-side capture is not available"}
		}
		if !capture.HasDevice(c.InputDeviceID) {
			return c, &ConfigurationError{Field: "input_device_id", Reason: "unknown device " + c.InputDeviceID}
		}
	default:
		return c, &ConfigurationError{Field: "audio_source", Reason: "unknown mode " + c.AudioSource}
	}

	if c.SampleRate == 0 {
		c.SampleRate = o.ClientSampleRate
	}
	if c.SampleRate < o.AgentSampleRate {
		return c, &ConfigurationError{Field: "sample_rate", Reason: "below the agent sample rate"}
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.Channels < 1 || c.Channels > 2 {
		return c, &ConfigurationError{Field: "channels", Reason: "must be 1 or 2"}
	}
	if c.SampleWidth == 0 {
		c.SampleWidth = audio.WidthInt16
	}
	if c.SampleWidth != audio.WidthInt16 && c.SampleWidth != audio.WidthFloat32 {
		return c, &ConfigurationError{Field: "sample_width", Reason: "must be 2 or 4"}
	}
	return c, nil
}
