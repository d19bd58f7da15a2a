package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Upstream modes.
const (
	UpstreamLive = "live"
	UpstreamMock = "mock"
)

// Config contains all runtime settings for the voice bridge.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	UpstreamMode     string
	UpstreamURL      string
	APIKey           string
	HandshakeTimeout time.Duration
	DialAttempts     int

	DefaultVoice     string
	DefaultModel     string
	ListenModel      string
	ThinkProvider    string
	ThinkTemperature float64
	Language         string
	PersonaKey       string
	VoiceName        string
	Greeting         string
	Prompt           string
	AllowedVoices    []string

	ClientSampleRate  int
	AgentSampleRate   int
	KeepAliveInterval time.Duration
	FunctionTimeout   time.Duration
	DrainTimeout      time.Duration
	RelayGrace        time.Duration
	EndCallGrace      time.Duration
	PlaybackLead      time.Duration
	OutboundQueue     int
	MaxDecodeFailures int
	AudioDebugDir     string
	ToneDevices       map[string]float64

	DatabaseURL      string
	MockDataPath     string
	MockCustomers    int
	MockAppointments int
	MockOrders       int
	KnowledgeDir     string
}

// Load reads agentbridge.yaml (from path, or the search paths when path is
// empty), applies AGENTBRIDGE_* environment overrides and validates.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/agentbridge")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		BindAddr:                 v.GetString("server.bind_addr"),
		ShutdownTimeout:          v.GetDuration("server.shutdown_timeout"),
		SessionInactivityTimeout: v.GetDuration("session.inactivity_timeout"),
		MetricsNamespace:         v.GetString("server.metrics_namespace"),
		AllowAnyOrigin:           v.GetBool("server.allow_any_origin"),
		LogLevel:                 strings.ToLower(v.GetString("log.level")),
		LogFormat:                strings.ToLower(v.GetString("log.format")),
		UpstreamMode:             strings.ToLower(strings.TrimSpace(v.GetString("upstream.mode"))),
		UpstreamURL:              strings.TrimSpace(v.GetString("upstream.url")),
		APIKey:                   strings.TrimSpace(v.GetString("upstream.api_key")),
		HandshakeTimeout:         v.GetDuration("upstream.handshake_timeout"),
		DialAttempts:             v.GetInt("upstream.dial_attempts"),
		DefaultVoice:             v.GetString("agent.default_voice"),
		DefaultModel:             v.GetString("agent.think_model"),
		ListenModel:              v.GetString("agent.listen_model"),
		ThinkProvider:            v.GetString("agent.think_provider"),
		ThinkTemperature:         v.GetFloat64("agent.think_temperature"),
		Language:                 v.GetString("agent.language"),
		PersonaKey:               v.GetString("agent.persona"),
		VoiceName:                v.GetString("agent.voice_name"),
		Greeting:                 v.GetString("agent.greeting"),
		Prompt:                   v.GetString("agent.prompt"),
		AllowedVoices:            cleanList(v.GetStringSlice("agent.allowed_voices")),
		ClientSampleRate:         v.GetInt("session.client_sample_rate"),
		AgentSampleRate:          v.GetInt("session.agent_sample_rate"),
		KeepAliveInterval:        v.GetDuration("session.keepalive_interval"),
		FunctionTimeout:          v.GetDuration("session.function_timeout"),
		DrainTimeout:             v.GetDuration("session.drain_timeout"),
		RelayGrace:               v.GetDuration("session.relay_grace"),
		EndCallGrace:             v.GetDuration("session.end_call_grace"),
		PlaybackLead:             v.GetDuration("session.playback_lead"),
		OutboundQueue:            v.GetInt("session.outbound_queue"),
		MaxDecodeFailures:        v.GetInt("session.max_decode_failures"),
		AudioDebugDir:            strings.TrimSpace(v.GetString("session.audio_debug_dir")),
		DatabaseURL:              strings.TrimSpace(v.GetString("data.database_url")),
		MockDataPath:             v.GetString("data.mock_path"),
		MockCustomers:            v.GetInt("data.customers"),
		MockAppointments:         v.GetInt("data.appointments"),
		MockOrders:               v.GetInt("data.orders"),
		KnowledgeDir:             v.GetString("knowledge.dir"),
	}

	tones, err := toneDevices(v.GetStringMap("capture.tones"))
	if err != nil {
		return Config{}, err
	}
	cfg.ToneDevices = tones

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("AGENTBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.bind_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.metrics_namespace", "agentbridge")
	v.SetDefault("server.allow_any_origin", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("upstream.mode", UpstreamLive)
	v.SetDefault("upstream.url", "wss://agent.deepgram.com/v1/agent/converse")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.handshake_timeout", 10*time.Second)
	v.SetDefault("upstream.dial_attempts", 3)
	_ = v.BindEnv("upstream.api_key", "AGENTBRIDGE_UPSTREAM_API_KEY", "DEEPGRAM_API_KEY")

	v.SetDefault("agent.default_voice", "aura-2-thalia-en")
	v.SetDefault("agent.think_model", "gpt-4o-mini")
	v.SetDefault("agent.listen_model", "nova-3")
	v.SetDefault("agent.think_provider", "open_ai")
	v.SetDefault("agent.think_temperature", 0.7)
	v.SetDefault("agent.language", "en")
	v.SetDefault("agent.persona", "")
	v.SetDefault("agent.voice_name", "")
	v.SetDefault("agent.greeting", "")
	v.SetDefault("agent.prompt", "")
	v.SetDefault("agent.allowed_voices", []string{})

	v.SetDefault("session.inactivity_timeout", 2*time.Minute)
	v.SetDefault("session.client_sample_rate", 48000)
	v.SetDefault("session.agent_sample_rate", 16000)
	v.SetDefault("session.keepalive_interval", 5*time.Second)
	v.SetDefault("session.function_timeout", 5*time.Second)
	v.SetDefault("session.drain_timeout", 3*time.Second)
	v.SetDefault("session.relay_grace", 200*time.Millisecond)
	v.SetDefault("session.end_call_grace", 8*time.Second)
	v.SetDefault("session.playback_lead", 300*time.Millisecond)
	v.SetDefault("session.outbound_queue", 512)
	v.SetDefault("session.max_decode_failures", 5)
	v.SetDefault("session.audio_debug_dir", "")
	v.SetDefault("capture.tones", map[string]any{"tone-a4": 440.0})

	v.SetDefault("data.database_url", "")
	_ = v.BindEnv("data.database_url", "AGENTBRIDGE_DATA_DATABASE_URL", "DATABASE_URL")
	v.SetDefault("data.mock_path", "data/mock_data.json")
	v.SetDefault("data.customers", 100)
	v.SetDefault("data.appointments", 50)
	v.SetDefault("data.orders", 200)
	v.SetDefault("knowledge.dir", "knowledgebase")
	return v
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("session.inactivity_timeout must be at least 5s")
	}
	positive := map[string]time.Duration{
		"server.shutdown_timeout":    c.ShutdownTimeout,
		"upstream.handshake_timeout": c.HandshakeTimeout,
		"session.keepalive_interval": c.KeepAliveInterval,
		"session.function_timeout":   c.FunctionTimeout,
		"session.drain_timeout":      c.DrainTimeout,
		"session.relay_grace":        c.RelayGrace,
		"session.end_call_grace":     c.EndCallGrace,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.PlaybackLead < 0 {
		return fmt.Errorf("session.playback_lead must be >= 0")
	}
	if c.ClientSampleRate <= 0 || c.AgentSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if c.AgentSampleRate > c.ClientSampleRate {
		return fmt.Errorf("session.agent_sample_rate (%d) must not exceed session.client_sample_rate (%d)", c.AgentSampleRate, c.ClientSampleRate)
	}
	if c.OutboundQueue <= 0 {
		return fmt.Errorf("session.outbound_queue must be positive")
	}
	if c.MaxDecodeFailures < 0 {
		return fmt.Errorf("session.max_decode_failures must be >= 0")
	}
	if c.DialAttempts <= 0 {
		return fmt.Errorf("upstream.dial_attempts must be positive")
	}
	switch c.UpstreamMode {
	case UpstreamLive, UpstreamMock:
	default:
		return fmt.Errorf("upstream.mode must be %q or %q, got %q", UpstreamLive, UpstreamMock, c.UpstreamMode)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.MockCustomers < 0 || c.MockAppointments < 0 || c.MockOrders < 0 {
		return fmt.Errorf("mock data sizes must be >= 0")
	}
	return nil
}

func toneDevices(raw map[string]any) (map[string]float64, error) {
	out := make(map[string]float64, len(raw))
	for name, v := range raw {
		var hz float64
		switch n := v.(type) {
		case float64:
			hz = n
		case int:
			hz = float64(n)
		case int64:
			hz = float64(n)
		default:
			return nil, fmt.Errorf("capture.tones.%s: expected a frequency, got %v", name, v)
		}
		if hz <= 0 {
			return nil, fmt.Errorf("capture.tones.%s must be positive", name)
		}
		out[name] = hz
	}
	return out, nil
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
