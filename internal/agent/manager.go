// Package agent runs voice sessions: one upstream agent connection per
// client, with audio relayed both ways and function calls dispatched
// locally.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/antoniostano/agentbridge/internal/dispatch"
	"github.com/antoniostano/agentbridge/internal/observability"
	"github.com/antoniostano/agentbridge/internal/persona"
	"github.com/antoniostano/agentbridge/internal/protocol"
	"github.com/antoniostano/agentbridge/internal/session"
	"github.com/antoniostano/agentbridge/internal/tracker"
	"github.com/antoniostano/agentbridge/internal/upstream"
)

type ManagerOption func(*Manager)

func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

func WithCapture(capture CaptureSource) ManagerOption {
	return func(m *Manager) { m.capture = capture }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// Manager starts sessions and registers them under their client key.
type Manager struct {
	opts       Options
	dialer     upstream.Dialer
	dispatcher *dispatch.Dispatcher
	registry   *session.Registry
	capture    CaptureSource
	logger     zerolog.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewManager(opts Options, dialer upstream.Dialer, dispatcher *dispatch.Dispatcher, registry *session.Registry, options ...ManagerOption) *Manager {
	m := &Manager{
		opts:       opts.withDefaults(),
		dialer:     dialer,
		dispatcher: dispatcher,
		registry:   registry,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "agent").Logger()
	return m
}

func (m *Manager) Options() Options {
	return m.opts
}

func (m *Manager) Registry() *session.Registry {
	return m.registry
}

// Lookup returns the live session registered under key.
func (m *Manager) Lookup(key string) (*Session, bool) {
	h, ok := m.registry.Lookup(key)
	if !ok {
		return nil, false
	}
	s, ok := h.(*Session)
	return s, ok
}

// LookupID returns the live session with the given id.
func (m *Manager) LookupID(id string) (*Session, bool) {
	h, ok := m.registry.LookupByID(id)
	if !ok {
		return nil, false
	}
	s, ok := h.(*Session)
	return s, ok
}

// Start validates cfg, replaces any session registered under key, connects
// to the agent and returns once the session is streaming. Messages for the
// client are delivered on outbound, which may be nil.
//
// Validation failures return a *ConfigurationError before any connection
// is attempted and are reported on outbound as an error event. A rejected
// handshake or missing credential is also a *ConfigurationError; connection
// failures are a *TransportError. In both cases the session ends in the
// errored state.
func (m *Manager) Start(ctx context.Context, key string, cfg Config, outbound chan<- any) (*Session, error) {
	resolved, err := m.opts.resolve(cfg, m.capture)
	if err != nil {
		m.metrics.SessionEvent("config_rejected")
		m.logger.Warn().Err(err).Str("key", key).Msg("session configuration rejected")
		if outbound != nil {
			select {
			case outbound <- protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: errorCode(err), Detail: err.Error()}:
			default:
			}
		}
		return nil, err
	}

	p := persona.New(m.opts.PersonaKey, resolved.VoiceID, m.opts.VoiceName)
	s := newSession(m, uuid.NewString(), key, resolved, p, outbound)
	s.send(s.stateMessage(""))

	if err := m.registry.Register(ctx, key, s); err != nil {
		s.finish(StateClosed, err)
		return nil, err
	}
	m.metrics.SessionEvent("created")

	initCtx, cancel := context.WithCancel(ctx)
	s.setInitCancel(cancel)
	defer cancel()

	dialStart := m.now()
	conn, err := m.dialer.Dial(initCtx, m.settingsFor(resolved, p))
	elapsed := m.now().Sub(dialStart)
	if err != nil {
		if s.current() != StateInitializing {
			s.finish(StateClosed, nil)
			return nil, ErrStopped
		}
		err = classifyDialError(err)
		s.fail(err)
		return nil, err
	}
	connectSample := tracker.LatencySample{Name: "upstream_connect", Duration: elapsed, Timestamp: dialStart}
	s.tracker.AppendLatency(connectSample)
	m.metrics.AppendLatency(connectSample)

	if err := s.begin(conn); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) settingsFor(cfg Config, p persona.Persona) upstream.Settings {
	defs := m.dispatcher.Definitions()
	functions := make([]upstream.FunctionDefinition, 0, len(defs))
	for _, d := range defs {
		functions = append(functions, upstream.FunctionDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	prompt := m.opts.Prompt
	if prompt == "" {
		prompt = p.Prompt(m.now())
	}
	greeting := m.opts.Greeting
	if greeting == "" {
		greeting = p.Greeting()
	}
	return upstream.NewSettings(upstream.SettingsParams{
		SampleRate:       m.opts.AgentSampleRate,
		Language:         m.opts.Language,
		ListenModel:      m.opts.ListenModel,
		ThinkProvider:    m.opts.ThinkProvider,
		ThinkModel:       cfg.ModelID,
		ThinkTemperature: m.opts.ThinkTemperature,
		Prompt:           prompt,
		Functions:        functions,
		SpeakModel:       cfg.VoiceID,
		Greeting:         greeting,
	})
}

func classifyDialError(err error) error {
	var hs *upstream.HandshakeError
	switch {
	case errors.Is(err, upstream.ErrMissingCredential):
		return &ConfigurationError{Field: "upstream", Reason: "credential missing", Err: err}
	case errors.As(err, &hs):
		return &ConfigurationError{Field: "upstream", Reason: "handshake rejected", Err: err}
	default:
		return &TransportError{Op: "dial upstream", Err: err}
	}
}
