package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/agentbridge/internal/audio"
	"github.com/antoniostano/agentbridge/internal/dispatch"
	"github.com/antoniostano/agentbridge/internal/persona"
	"github.com/antoniostano/agentbridge/internal/policy"
	"github.com/antoniostano/agentbridge/internal/protocol"
	"github.com/antoniostano/agentbridge/internal/tracker"
	"github.com/antoniostano/agentbridge/internal/upstream"
)

type State string

const (
	StateInitializing State = "initializing"
	StateStreaming    State = "streaming"
	StateDraining     State = "draining"
	StateClosed       State = "closed"
	StateErrored      State = "errored"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// Stats counts frames moved and dropped by one session.
type Stats struct {
	ClientFrames        int64 `json:"client_frames"`
	UpstreamFrames      int64 `json:"upstream_frames"`
	AgentFrames         int64 `json:"agent_frames"`
	DeliveredFrames     int64 `json:"delivered_frames"`
	DroppedClientFrames int64 `json:"dropped_client_frames"`
	DroppedAgentFrames  int64 `json:"dropped_agent_frames"`
	FunctionCalls       int64 `json:"function_calls"`
	BargeIns            int64 `json:"barge_ins"`
}

type counters struct {
	clientFrames        atomic.Int64
	upstreamFrames      atomic.Int64
	agentFrames         atomic.Int64
	deliveredFrames     atomic.Int64
	droppedClientFrames atomic.Int64
	droppedAgentFrames  atomic.Int64
	functionCalls       atomic.Int64
	bargeIns            atomic.Int64
}

// Info is a point-in-time description of a session.
type Info struct {
	ID           string    `json:"session_id"`
	Key          string    `json:"key"`
	State        State     `json:"state"`
	ModelID      string    `json:"model_id"`
	VoiceID      string    `json:"voice_id"`
	VoiceName    string    `json:"voice_name"`
	AudioSource  string    `json:"audio_source"`
	SampleRate   int       `json:"sample_rate"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity_at"`
	Error        string    `json:"error,omitempty"`
	Stats        Stats     `json:"stats"`
}

type agentFrame struct {
	pcm   []byte
	epoch uint64
}

// Session is one live conversation. Its exported methods are safe for
// concurrent use.
type Session struct {
	id        string
	key       string
	cfg       Config
	persona   persona.Persona
	opts      Options
	m         *Manager
	logger    zerolog.Logger
	tracker   *tracker.Tracker
	createdAt time.Time
	outbound  chan<- any
	recorder  *audio.Recorder

	// mu guards state transitions and the fields set during them.
	mu         sync.Mutex
	state      atomic.Value
	conn       upstream.Conn
	failure    error
	initCancel context.CancelFunc

	relayCtx    context.Context
	relayCancel context.CancelFunc
	callCtx     context.Context
	callCancel  context.CancelFunc
	relays      sync.WaitGroup
	calls       sync.WaitGroup

	audioIn  chan audio.Frame
	audioOut chan agentFrame
	epoch    atomic.Uint64
	flush    chan struct{}
	holding  atomic.Bool
	playhead atomic.Int64
	speaking atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]string
	results   chan dispatch.Result

	writerStop   chan struct{}
	writerDone   chan struct{}
	upstreamDown atomic.Bool
	endRequested atomic.Bool
	endTimer     *time.Timer

	lastActivity atomic.Int64
	stats        counters

	finishOnce sync.Once
	done       chan struct{}
}

func newSession(m *Manager, id, key string, cfg Config, p persona.Persona, outbound chan<- any) *Session {
	relayCtx, relayCancel := context.WithCancel(context.Background())
	callCtx, callCancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		key:         key,
		cfg:         cfg,
		persona:     p,
		opts:        m.opts,
		m:           m,
		logger:      m.logger.With().Str("session_id", id).Str("key", key).Logger(),
		tracker:     tracker.New(),
		createdAt:   m.now(),
		outbound:    outbound,
		relayCtx:    relayCtx,
		relayCancel: relayCancel,
		callCtx:     callCtx,
		callCancel:  callCancel,
		audioIn:     make(chan audio.Frame, m.opts.OutboundQueue),
		audioOut:    make(chan agentFrame, m.opts.OutboundQueue),
		flush:       make(chan struct{}, 1),
		pending:     make(map[string]string),
		results:     make(chan dispatch.Result, 64),
		writerStop:  make(chan struct{}),
		writerDone:  make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.state.Store(StateInitializing)
	s.touch()
	if m.opts.AudioDebugDir != "" {
		s.recorder = audio.NewRecorder(m.opts.AgentSampleRate, 0)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Key() string { return s.key }

func (s *Session) Config() Config { return s.cfg }

func (s *Session) State() string { return string(s.current()) }

func (s *Session) current() State { return s.state.Load().(State) }

func (s *Session) Tracker() *tracker.Tracker { return s.tracker }

// Done is closed once the session reached closed or errored.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Session) Stats() Stats {
	return Stats{
		ClientFrames:        s.stats.clientFrames.Load(),
		UpstreamFrames:      s.stats.upstreamFrames.Load(),
		AgentFrames:         s.stats.agentFrames.Load(),
		DeliveredFrames:     s.stats.deliveredFrames.Load(),
		DroppedClientFrames: s.stats.droppedClientFrames.Load(),
		DroppedAgentFrames:  s.stats.droppedAgentFrames.Load(),
		FunctionCalls:       s.stats.functionCalls.Load(),
		BargeIns:            s.stats.bargeIns.Load(),
	}
}

func (s *Session) Info() Info {
	info := Info{
		ID:           s.id,
		Key:          s.key,
		State:        s.current(),
		ModelID:      s.cfg.ModelID,
		VoiceID:      s.cfg.VoiceID,
		VoiceName:    s.persona.VoiceName,
		AudioSource:  s.cfg.AudioSource,
		SampleRate:   s.cfg.SampleRate,
		CreatedAt:    s.createdAt,
		LastActivity: s.LastActivity(),
		Stats:        s.Stats(),
	}
	if err := s.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) setInitCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.initCancel = cancel
	s.mu.Unlock()
}

// begin moves an initializing session to streaming and starts its tasks.
func (s *Session) begin(conn upstream.Conn) error {
	var frames <-chan audio.Frame
	if s.cfg.AudioSource == protocol.AudioSourceDevice {
		var err error
		frames, err = s.m.capture.Capture(s.relayCtx, s.cfg.InputDeviceID)
		if err != nil {
			_ = conn.Close()
			err = &ConfigurationError{Field: "input_device_id", Reason: "capture failed", Err: err}
			s.fail(err)
			return err
		}
	}

	s.mu.Lock()
	if s.current() != StateInitializing {
		s.mu.Unlock()
		_ = conn.Close()
		s.finish(StateClosed, nil)
		return ErrStopped
	}
	s.conn = conn
	s.state.Store(StateStreaming)
	s.relays.Add(3)
	go s.relayClientAudio(s.relayCtx)
	go s.relayAgentAudio(s.relayCtx)
	go s.keepAlive(s.relayCtx)
	if frames != nil {
		s.relays.Add(1)
		go s.relayCapture(s.relayCtx, frames)
	}
	go s.readUpstream()
	go s.writeResults()
	s.mu.Unlock()

	s.m.metrics.SessionEvent("streaming")
	s.logger.Info().
		Str("model_id", s.cfg.ModelID).
		Str("voice_id", s.cfg.VoiceID).
		Str("audio_source", s.cfg.AudioSource).
		Int("sample_rate", s.cfg.SampleRate).
		Msg("session streaming")
	s.send(s.stateMessage(""))
	return nil
}

// Stop starts a graceful shutdown. Calling it again, or after the session
// ended, does nothing.
func (s *Session) Stop() {
	s.mu.Lock()
	switch s.current() {
	case StateInitializing:
		s.state.Store(StateDraining)
		cancel := s.initCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	case StateStreaming:
		s.state.Store(StateDraining)
		s.mu.Unlock()
		go s.drain()
	default:
		s.mu.Unlock()
	}
}

// SubmitClientAudio queues one frame of client audio for the agent. Zero
// format fields default to the session's declared format. It reports
// whether the frame was accepted; rejected frames are counted.
func (s *Session) SubmitClientAudio(f audio.Frame) bool {
	if s.current() != StateStreaming {
		s.dropClient("not_streaming")
		return false
	}
	if s.cfg.AudioSource == protocol.AudioSourceDevice {
		s.dropClient("device_source")
		return false
	}
	return s.enqueueClient(f)
}

func (s *Session) enqueueClient(f audio.Frame) bool {
	if f.SampleRate == 0 {
		f.SampleRate = s.cfg.SampleRate
	}
	if f.Channels == 0 {
		f.Channels = s.cfg.Channels
	}
	if f.SampleWidth == 0 {
		f.SampleWidth = s.cfg.SampleWidth
	}
	select {
	case s.audioIn <- f:
		s.stats.clientFrames.Add(1)
		s.touch()
		return true
	default:
		s.dropClient("queue_full")
		return false
	}
}

func (s *Session) dropClient(reason string) {
	s.stats.droppedClientFrames.Add(1)
	s.m.metrics.DroppedFrame("upstream", reason)
}

func (s *Session) dropAgent(reason string, n int) {
	if n <= 0 {
		return
	}
	s.stats.droppedAgentFrames.Add(int64(n))
	for i := 0; i < n; i++ {
		s.m.metrics.DroppedFrame("downstream", reason)
	}
}

func (s *Session) relayClientAudio(ctx context.Context) {
	defer s.relays.Done()
	var (
		rem  audio.Remainder
		last audio.Frame
	)
	for {
		var f audio.Frame
		select {
		case <-ctx.Done():
			return
		case f = <-s.audioIn:
		}
		// Pending samples belong to the previous format.
		if f.SampleRate != last.SampleRate || f.Channels != last.Channels || f.SampleWidth != last.SampleWidth {
			rem.Reset()
			last = audio.Frame{SampleRate: f.SampleRate, Channels: f.Channels, SampleWidth: f.SampleWidth}
		}
		out := audio.Resample(f, s.opts.AgentSampleRate, &rem)
		if out.Empty() {
			continue
		}
		s.recorder.Write(out)
		if err := s.conn.WriteAudio(out.Data); err != nil {
			if ctx.Err() == nil {
				s.fail(&TransportError{Op: "write upstream audio", Err: err})
			}
			return
		}
		s.stats.upstreamFrames.Add(1)
	}
}

func (s *Session) relayCapture(ctx context.Context, frames <-chan audio.Frame) {
	defer s.relays.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.enqueueClient(f)
		}
	}
}

func (s *Session) relayAgentAudio(ctx context.Context) {
	defer s.relays.Done()
	var (
		rem       audio.Remainder
		lastEpoch uint64
	)
	for {
		var f agentFrame
		select {
		case <-ctx.Done():
			return
		case f = <-s.audioOut:
		}
		s.holding.Store(true)
		if f.epoch != s.epoch.Load() {
			s.holding.Store(false)
			s.dropAgent("barge_in", 1)
			continue
		}
		if f.epoch != lastEpoch {
			rem.Reset()
			lastEpoch = f.epoch
		}
		out := audio.Upsample(audio.Mono16(f.pcm, s.opts.AgentSampleRate), s.cfg.SampleRate, &rem)
		if out.Empty() {
			s.holding.Store(false)
			continue
		}
		if !s.pace(ctx, f.epoch, out.Duration()) {
			s.holding.Store(false)
			if ctx.Err() != nil {
				return
			}
			s.dropAgent("barge_in", 1)
			continue
		}
		s.send(protocol.OutboundAudio{
			Type:        protocol.TypeAudioChunk,
			AudioBase64: base64.StdEncoding.EncodeToString(out.Data),
			SampleRate:  out.SampleRate,
		})
		s.holding.Store(false)
		s.stats.deliveredFrames.Add(1)
		s.touch()
	}
}

// pace holds a frame until the client is at most PlaybackLead ahead of
// real time, then advances the playhead by d. It returns false when the
// frame was superseded by a barge-in or ctx ended.
func (s *Session) pace(ctx context.Context, epoch uint64, d time.Duration) bool {
	for {
		now := time.Now()
		head := time.Unix(0, s.playhead.Load())
		wait := head.Sub(now) - s.opts.PlaybackLead
		if s.epoch.Load() != epoch {
			return false
		}
		if wait <= 0 {
			if head.Before(now) {
				head = now
			}
			s.playhead.Store(head.Add(d).UnixNano())
			return true
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.flush:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

func (s *Session) enqueueAgentAudio(pcm []byte) {
	s.stats.agentFrames.Add(1)
	s.touch()
	select {
	case s.audioOut <- agentFrame{pcm: pcm, epoch: s.epoch.Load()}:
	default:
		s.dropAgent("queue_full", 1)
	}
}

// agentAudible reports whether agent audio is queued, held or still
// playing on the client.
func (s *Session) agentAudible() bool {
	return len(s.audioOut) > 0 ||
		s.holding.Load() ||
		s.speaking.Load() ||
		time.Now().UnixNano() < s.playhead.Load()
}

// bargeIn discards agent audio the user talked over and marks the
// interrupted assistant turn truncated.
func (s *Session) bargeIn() {
	if !s.agentAudible() {
		return
	}
	s.epoch.Add(1)
	s.playhead.Store(time.Now().UnixNano())
	s.speaking.Store(false)
	select {
	case s.flush <- struct{}{}:
	default:
	}

	dropped := 0
drain:
	for {
		select {
		case <-s.audioOut:
			dropped++
		default:
			break drain
		}
	}
	s.dropAgent("barge_in", dropped)
	s.stats.bargeIns.Add(1)
	s.m.metrics.SessionEvent("barge_in")
	s.m.metrics.ObserveIndicator("barge_in")

	turn, ok := s.tracker.TruncateLastAssistant()
	s.logger.Info().Int("queued_dropped", dropped).Bool("turn_truncated", ok).Msg("barge-in")
	if ok {
		s.send(protocol.TurnTruncated{Type: protocol.TypeTurnTruncated, Seq: turn.Seq})
	}
}

func (s *Session) keepAlive(ctx context.Context) {
	defer s.relays.Done()
	ticker := time.NewTicker(s.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteJSON(upstream.KeepAlive{Type: upstream.TypeKeepAlive}); err != nil {
				if ctx.Err() == nil {
					s.fail(&TransportError{Op: "keepalive", Err: err})
				}
				return
			}
		}
	}
}

// drain finishes a stopped session: relays first, then in-flight calls up
// to DrainTimeout, then the result writer. Every wait is bounded.
func (s *Session) drain() {
	started := time.Now()
	s.m.metrics.SessionEvent("draining")
	s.logger.Info().Msg("session draining")
	s.send(s.stateMessage(""))

	s.relayCancel()
	if !waitTimeout(&s.relays, s.opts.RelayGrace) {
		s.logger.Warn().Dur("grace", s.opts.RelayGrace).Msg("audio relays still running after grace period")
	}

	if !waitTimeout(&s.calls, s.opts.DrainTimeout) {
		s.logger.Warn().
			Strs("call_ids", s.pendingIDs()).
			Dur("timeout", s.opts.DrainTimeout).
			Msg("cancelling in-flight function calls")
		s.callCancel()
		if !waitTimeout(&s.calls, s.opts.RelayGrace) {
			s.logger.Error().Msg("function calls ignored cancellation")
		}
	}

	close(s.writerStop)
	select {
	case <-s.writerDone:
	case <-time.After(s.opts.RelayGrace):
		s.logger.Error().
			Dur("elapsed", time.Since(started)).
			Msg("drain overran, forcing close")
	}
	s.finish(StateClosed, nil)
}

// fail ends the session in the errored state without waiting for calls.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.current().Terminal() {
		s.mu.Unlock()
		return
	}
	s.state.Store(StateErrored)
	s.failure = err
	cancel := s.initCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.m.metrics.SessionEvent("errored")
	s.logger.Error().Err(err).Msg("session failed")
	detail, _ := policy.RedactPII(err.Error())
	s.send(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: errorCode(err), Detail: detail})
	s.sendLog("error", "session terminated: "+detail)
	s.finish(StateErrored, err)
}

func (s *Session) finish(final State, err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		if !s.current().Terminal() {
			s.state.Store(final)
		}
		if err != nil && s.failure == nil {
			s.failure = err
		}
		final = s.current()
		conn := s.conn
		if s.endTimer != nil {
			s.endTimer.Stop()
		}
		s.mu.Unlock()

		s.relayCancel()
		s.callCancel()
		if conn != nil {
			s.upstreamDown.Store(true)
			_ = conn.Close()
		}
		s.saveRecording()
		s.m.registry.Remove(s.key, s)
		s.send(s.stateMessage(detailOf(err)))
		s.m.metrics.SessionEvent(string(final))

		stats := s.Stats()
		s.logger.Info().
			Str("state", string(final)).
			Dur("duration", time.Since(s.createdAt)).
			Int64("upstream_frames", stats.UpstreamFrames).
			Int64("delivered_frames", stats.DeliveredFrames).
			Int64("dropped_client_frames", stats.DroppedClientFrames).
			Int64("dropped_agent_frames", stats.DroppedAgentFrames).
			Int64("function_calls", stats.FunctionCalls).
			Msg("session ended")
		close(s.done)
	})
}

func (s *Session) saveRecording() {
	if s.recorder == nil || s.recorder.Len() == 0 {
		return
	}
	path, err := s.recorder.Save(s.opts.AudioDebugDir, s.id)
	if err != nil {
		s.logger.Warn().Err(err).Msg("saving debug audio failed")
		return
	}
	s.logger.Info().Str("path", path).Msg("debug audio saved")
}

func (s *Session) stateMessage(detail string) protocol.SessionState {
	return protocol.SessionState{
		Type:      protocol.TypeSessionState,
		SessionID: s.id,
		State:     string(s.current()),
		Detail:    detail,
	}
}

func (s *Session) sendLog(level, message string) {
	s.send(protocol.LogEvent{
		Type:      protocol.TypeLogEvent,
		Message:   message,
		Level:     level,
		Timestamp: time.Now().UTC(),
	})
}

// send delivers msg to the client. Control messages wait up to
// CriticalSendTimeout for room; audio is dropped when the queue is full.
func (s *Session) send(msg any) {
	if s.outbound == nil {
		return
	}
	msgType, critical := outboundMeta(msg)
	if critical {
		timer := time.NewTimer(s.opts.CriticalSendTimeout)
		defer timer.Stop()
		select {
		case s.outbound <- msg:
		case <-timer.C:
			s.m.metrics.SessionEvent("outbound_timeout_critical")
			s.logger.Warn().Str("type", msgType).Msg("client queue stalled, message dropped")
		}
		return
	}
	select {
	case s.outbound <- msg:
	default:
		s.stats.droppedAgentFrames.Add(1)
		s.m.metrics.DroppedFrame("downstream", "client_queue_full")
	}
}

func outboundMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.OutboundAudio:
		return string(m.Type), false
	case protocol.SessionState:
		return string(m.Type), true
	case protocol.ConversationTurn:
		return string(m.Type), true
	case protocol.TurnTruncated:
		return string(m.Type), true
	case protocol.LogEvent:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	default:
		return "unknown", false
	}
}

func detailOf(err error) string {
	if err == nil {
		return ""
	}
	out, _ := policy.RedactPII(err.Error())
	return out
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

var errAgentGone = errors.New("agent connection is closed")
