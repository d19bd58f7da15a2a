package agent

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/antoniostano/agentbridge/internal/dispatch"
	"github.com/antoniostano/agentbridge/internal/policy"
	"github.com/antoniostano/agentbridge/internal/protocol"
	"github.com/antoniostano/agentbridge/internal/reliability"
	"github.com/antoniostano/agentbridge/internal/tracker"
	"github.com/antoniostano/agentbridge/internal/upstream"
)

// readUpstream is the only reader of the agent connection. It exits once
// the connection is closed.
func (s *Session) readUpstream() {
	failures := 0
	for {
		msg, err := s.conn.Read()
		if err != nil {
			s.upstreamDown.Store(true)
			if s.current() != StateStreaming {
				return
			}
			if errors.Is(err, upstream.ErrAgentClosed) {
				s.logger.Info().Err(err).Msg("agent closed the connection")
				s.sendLog("info", "agent ended the conversation")
				s.Stop()
				return
			}
			s.fail(&TransportError{Op: "read upstream", Err: err})
			return
		}
		if s.current() != StateStreaming {
			continue
		}

		switch msg.Kind {
		case upstream.KindAudio:
			s.enqueueAgentAudio(msg.Audio)
		case upstream.KindControl:
			failures = 0
			s.handleControl(msg.Control)
		default:
			failures++
			s.m.metrics.UpstreamError("decode")
			s.logger.Warn().Err(msg.DecodeErr).Int("consecutive", failures).Msg("undecodable agent message")
			if failures > s.opts.MaxDecodeFailures {
				s.fail(&TransportError{
					Op:  "decode agent message",
					Err: fmt.Errorf("%d consecutive failures: %w", failures, msg.DecodeErr),
				})
				return
			}
		}
	}
}

func (s *Session) handleControl(c upstream.Control) {
	switch c.Type {
	case upstream.TypeConversationText:
		s.recordTurn(c.Role, c.Content)
	case upstream.TypeUserStartedSpeaking:
		s.touch()
		s.bargeIn()
	case upstream.TypeAgentThinking:
		s.logger.Debug().Str("content", c.Content).Msg("agent thinking")
	case upstream.TypeAgentStartedSpeaking:
		s.speaking.Store(true)
		s.recordAgentLatency("agent_total", c.TotalLatency)
		s.recordAgentLatency("agent_tts", c.TTSLatency)
		s.recordAgentLatency("agent_think", c.TTTLatency)
	case upstream.TypeAgentAudioDone:
		s.speaking.Store(false)
		if s.endRequested.Load() {
			go s.stopAfterPlayback()
		}
	case upstream.TypeFunctionCallRequest:
		for _, fn := range c.Functions {
			s.startCall(fn)
		}
	case upstream.TypeError:
		s.m.metrics.UpstreamError(c.Code)
		ev := s.logger.Error()
		if reliability.IsRetryableUpstreamCode(c.Code) {
			ev = s.logger.Warn()
		}
		ev.Str("code", c.Code).Str("detail", c.ErrorText()).Msg("agent reported an error")
		s.send(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "upstream_error", Detail: c.ErrorText()})
		s.sendLog("error", "agent error: "+c.ErrorText())
	case upstream.TypeWarning:
		s.logger.Warn().Str("code", c.Code).Str("detail", c.ErrorText()).Msg("agent warning")
		s.sendLog("warn", "agent warning: "+c.ErrorText())
	case upstream.TypeWelcome, upstream.TypeSettingsApplied:
		s.logger.Debug().Str("type", c.Type).Msg("agent handshake message")
	default:
		s.logger.Debug().Str("type", c.Type).Msg("ignoring unrecognized agent message")
	}
}

func (s *Session) recordTurn(role, content string) {
	turn, err := s.tracker.Append(tracker.Turn{Role: tracker.Role(role), Content: content})
	if err != nil {
		s.logger.Warn().Err(err).Str("role", role).Msg("turn rejected")
		s.sendLog("warn", "transcript rejected: "+err.Error())
		return
	}
	s.send(protocol.ConversationTurn{
		Type:      protocol.TypeConversationTurn,
		Seq:       turn.Seq,
		Role:      string(turn.Role),
		Content:   turn.Content,
		Timestamp: turn.Timestamp,
		Truncated: turn.Truncated,
	})
}

func (s *Session) recordAgentLatency(name string, seconds float64) {
	if seconds <= 0 {
		return
	}
	d := time.Duration(seconds * float64(time.Second))
	sample := tracker.LatencySample{Name: name, Duration: d, Timestamp: time.Now().UTC()}
	s.tracker.AppendLatency(sample)
	s.m.metrics.AppendLatency(sample)
}

// startCall dispatches one function call on its own goroutine. Calls are
// only accepted while streaming; a repeated call id is a protocol error.
func (s *Session) startCall(fn upstream.FunctionCall) {
	s.mu.Lock()
	if s.current() != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.pendingMu.Lock()
	_, dup := s.pending[fn.ID]
	if fn.ID == "" || dup {
		s.pendingMu.Unlock()
		s.mu.Unlock()
		s.m.metrics.SessionEvent("protocol_error")
		s.logger.Error().Str("call_id", fn.ID).Str("function", fn.Name).Msg("function call with missing or repeated id")
		s.sendLog("error", fmt.Sprintf("ignored function call %s with invalid id %q", fn.Name, fn.ID))
		return
	}
	s.pending[fn.ID] = fn.Name
	s.pendingMu.Unlock()
	s.calls.Add(1)
	s.mu.Unlock()

	s.stats.functionCalls.Add(1)
	call := dispatch.Call{ID: fn.ID, Name: fn.Name, RawArgs: fn.Arguments, SessionID: s.id}
	go func() {
		defer s.calls.Done()
		res := s.m.dispatcher.Dispatch(s.callCtx, call, s.tracker)
		select {
		case s.results <- res:
		case <-s.done:
		}
	}()
}

func (s *Session) pendingIDs() []string {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// writeResults sends function results upstream in completion order.
func (s *Session) writeResults() {
	defer close(s.writerDone)
	for {
		select {
		case res := <-s.results:
			s.deliver(res)
		case <-s.writerStop:
			for {
				select {
				case res := <-s.results:
					s.deliver(res)
				default:
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) deliver(res dispatch.Result) {
	s.pendingMu.Lock()
	_, ok := s.pending[res.CallID]
	delete(s.pending, res.CallID)
	s.pendingMu.Unlock()
	if !ok {
		s.m.metrics.SessionEvent("protocol_error")
		s.logger.Error().Str("call_id", res.CallID).Str("function", res.Name).Msg("function result without a matching call")
		return
	}

	if res.Err != nil {
		detail, _ := policy.RedactPII(res.Err.Error())
		s.sendLog("warn", fmt.Sprintf("function %s failed (%s): %s", res.Name, dispatch.OutcomeOf(res.Err), detail))
	}

	content, err := res.Content()
	if err != nil {
		s.logger.Error().Err(err).Str("call_id", res.CallID).Msg("encoding function result")
		content = `{"error":"Internal error while running the function","error_type":"error"}`
	}
	if s.upstreamDown.Load() {
		s.logger.Warn().
			Err(errAgentGone).
			Str("call_id", res.CallID).
			Str("function", res.Name).
			Msg("discarding function result")
		return
	}
	if err := s.conn.WriteJSON(upstream.NewFunctionCallResponse(res.CallID, res.Name, content)); err != nil {
		s.writeFailed("write function result", err)
		return
	}
	if res.Inject != "" {
		if err := s.conn.WriteJSON(upstream.NewInjectAgentMessage(res.Inject)); err != nil {
			s.writeFailed("inject agent message", err)
			return
		}
	}
	if res.EndCall {
		s.requestEnd()
	}
}

// writeFailed is fatal while streaming. During drain the agent may already
// be gone and the remaining results are dropped.
func (s *Session) writeFailed(op string, err error) {
	s.upstreamDown.Store(true)
	if s.current() == StateStreaming {
		s.fail(&TransportError{Op: op, Err: err})
		return
	}
	s.logger.Warn().Err(err).Str("op", op).Msg("agent write failed while draining")
}

// requestEnd stops the session once the farewell has played, or after
// EndCallGrace at the latest.
func (s *Session) requestEnd() {
	if s.endRequested.Swap(true) {
		return
	}
	s.logger.Info().Msg("end of call requested")
	s.m.metrics.ObserveIndicator("end_call")
	s.mu.Lock()
	if !s.current().Terminal() {
		s.endTimer = time.AfterFunc(s.opts.EndCallGrace, s.Stop)
	}
	s.mu.Unlock()
}

func (s *Session) stopAfterPlayback() {
	deadline := time.Now().Add(s.opts.EndCallGrace)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if len(s.audioOut) == 0 && !s.holding.Load() && time.Now().UnixNano() >= s.playhead.Load() {
			break
		}
		select {
		case <-ticker.C:
		case <-s.done:
			return
		}
	}
	s.Stop()
}
