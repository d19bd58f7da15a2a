package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/agentbridge/internal/agent"
	"github.com/antoniostano/agentbridge/internal/audio"
	"github.com/antoniostano/agentbridge/internal/observability"
	"github.com/antoniostano/agentbridge/internal/protocol"
)

const (
	wsReadLimit    = 2 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// bridge is the state of one client connection. A connection drives at
// most one live session at a time; a new start_session replaces it.
type bridge struct {
	agents   *agent.Manager
	metrics  *observability.Metrics
	logger   zerolog.Logger
	key      string
	outbound chan any
	starts   chan agent.Config

	current  atomic.Pointer[agent.Session]
	starting atomic.Bool
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice sessions not configured")
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if key == "" {
		key = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("ws_connected")
	opts := s.agents.Options()
	b := &bridge{
		agents:   s.agents,
		metrics:  s.metrics,
		logger:   s.logger.With().Str("key", key).Logger(),
		key:      key,
		outbound: make(chan any, opts.OutboundQueue),
		starts:   make(chan agent.Config, 4),
	}
	b.logger.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerStop := make(chan struct{})
	writerDone := make(chan struct{})
	go b.writeLoop(conn, writerStop, writerDone)

	startsDone := make(chan struct{})
	go b.startLoop(ctx, startsDone)

	b.readLoop(conn)

	// The client is gone: stop whatever it was running, then keep the
	// writer draining until the session has reported its final state.
	b.stop()
	cancel()
	close(b.starts)
	<-startsDone
	if sess := b.current.Load(); sess != nil {
		sess.Stop()
		bound := opts.DrainTimeout + 4*opts.RelayGrace + time.Second
		select {
		case <-sess.Done():
		case <-time.After(bound):
			b.logger.Error().Str("session_id", sess.ID()).Dur("waited", bound).Msg("session did not finish after disconnect")
		}
	}
	close(writerStop)
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
	b.logger.Info().Msg("client disconnected")
}

func (b *bridge) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warn().Err(err).Msg("client connection lost")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		switch msgType {
		case websocket.BinaryMessage:
			b.metrics.WSMessage("inbound", "audio_binary")
			b.submit(audio.Frame{Data: data})
		case websocket.TextMessage:
			b.handleText(data)
		}
	}
}

func (b *bridge) handleText(data []byte) {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		b.metrics.WSMessage("inbound", "invalid")
		b.logger.Warn().Err(err).Msg("invalid client message")
		b.offer(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "invalid_client_message", Detail: err.Error()})
		return
	}
	b.metrics.WSMessage("inbound", messageTypeOf(parsed))

	switch m := parsed.(type) {
	case protocol.StartSession:
		select {
		case b.starts <- agent.ConfigFromProtocol(m.Config):
		default:
			b.offer(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "busy", Detail: "too many pending start_session requests"})
		}
	case protocol.StopSession:
		b.stop()
	case protocol.AudioChunk:
		pcm, err := m.PCM()
		if err != nil {
			b.offer(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "invalid_client_message", Detail: "pcm_base64: " + err.Error()})
			return
		}
		b.submit(audio.Frame{Data: pcm, SampleRate: m.SampleRate, Channels: m.Channels, SampleWidth: m.SampleWidth})
	}
}

// submit feeds audio to the connection's session. While a start is in
// flight the session is streaming before Start returns, so it is looked up
// by key.
func (b *bridge) submit(f audio.Frame) {
	sess := b.current.Load()
	if b.starting.Load() {
		if pending, ok := b.agents.Lookup(b.key); ok {
			sess = pending
		}
	}
	if sess == nil {
		b.metrics.DroppedFrame("upstream", "no_session")
		return
	}
	sess.SubmitClientAudio(f)
}

// stop ends the connection's session, including one still connecting.
func (b *bridge) stop() {
	if sess := b.current.Load(); sess != nil {
		sess.Stop()
	}
	if b.starting.Load() {
		if sess, ok := b.agents.Lookup(b.key); ok {
			sess.Stop()
		}
	}
}

// startLoop runs start requests one at a time so a connection never races
// itself for its own key.
func (b *bridge) startLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for cfg := range b.starts {
		if ctx.Err() != nil {
			continue
		}
		b.starting.Store(true)
		sess, err := b.agents.Start(ctx, b.key, cfg, b.outbound)
		if err == nil {
			b.current.Store(sess)
		}
		b.starting.Store(false)
		if err != nil {
			b.logger.Warn().Err(err).Msg("session start failed")
		}
	}
}

// writeLoop is the only writer of the connection. After a write error it
// keeps consuming outbound so sessions never block on a dead client.
func (b *bridge) writeLoop(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	broken := false
	for {
		select {
		case msg := <-b.outbound:
			if broken {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				broken = true
				b.metrics.SessionEvent("ws_write_error")
				b.logger.Warn().Err(err).Msg("client write failed")
				_ = conn.Close()
				continue
			}
			b.metrics.WSMessage("outbound", messageTypeOf(msg))
		case <-ping.C:
			if broken {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				b.logger.Debug().Err(err).Msg("ping failed")
			}
		case <-stop:
			return
		}
	}
}

func (b *bridge) offer(msg any) {
	select {
	case b.outbound <- msg:
	default:
		b.metrics.SessionEvent("outbound_dropped")
	}
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.StartSession:
		return string(m.Type)
	case protocol.StopSession:
		return string(protocol.TypeStopSession)
	case protocol.AudioChunk:
		return string(m.Type)
	case protocol.SessionState:
		return string(m.Type)
	case protocol.OutboundAudio:
		return string(m.Type)
	case protocol.ConversationTurn:
		return string(m.Type)
	case protocol.TurnTruncated:
		return string(m.Type)
	case protocol.LogEvent:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}
