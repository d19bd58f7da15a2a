package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/antoniostano/agentbridge/internal/audio"
	"github.com/antoniostano/agentbridge/internal/protocol"
)

type probeOptions struct {
	baseURL     string
	clientID    string
	voiceID     string
	modelID     string
	wavPath     string
	toneHz      float64
	toneMS      int
	sampleRate  int
	turns       int
	chunkMS     int
	realtime    float64
	quietGap    time.Duration
	turnTimeout time.Duration
	verbose     bool
}

// probeEvent is the subset of server messages the probe reacts to.
type probeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Code      string `json:"code,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`

	at time.Time
}

type turnResult struct {
	FirstAudio    time.Duration
	FirstTurnText time.Duration
	AudioChunks   int
}

type probeReport struct {
	SessionID string
	Turns     []turnResult
}

func newProbeCmd() *cobra.Command {
	var o probeOptions
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Replay audio against a running server and report response latency",
		Long: `probe opens a voice session on a running agentbridge server, streams an
utterance (a WAV file or a generated tone) in paced chunks once per turn and
measures how long the agent takes to start answering.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			clip, err := o.clip()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(o.turns+2)*(o.turnTimeout+clip.Duration()))
			defer cancel()

			report, err := runProbe(ctx, o, clip, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.baseURL, "base-url", "http://127.0.0.1:8080", "agentbridge base URL")
	f.StringVar(&o.clientID, "client-id", "", "client key for the session (default: random)")
	f.StringVar(&o.voiceID, "voice-id", "", "voice requested in start_session")
	f.StringVar(&o.modelID, "model-id", "", "think model requested in start_session")
	f.StringVar(&o.wavPath, "wav", "", "16-bit PCM WAV utterance (default: generated tone)")
	f.Float64Var(&o.toneHz, "tone-hz", 440, "generated tone frequency")
	f.IntVar(&o.toneMS, "tone-ms", 2000, "generated tone length in milliseconds")
	f.IntVar(&o.sampleRate, "sample-rate", 48000, "generated tone sample rate")
	f.IntVar(&o.turns, "turns", 3, "number of utterances to send")
	f.IntVar(&o.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	f.Float64Var(&o.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	f.DurationVar(&o.quietGap, "quiet-gap", 600*time.Millisecond, "agent silence that ends a turn")
	f.DurationVar(&o.turnTimeout, "turn-timeout", 15*time.Second, "maximum wait for the agent to answer")
	f.BoolVar(&o.verbose, "verbose", false, "print progress to stderr")
	return cmd
}

func (o *probeOptions) validate() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	if o.turns <= 0 {
		return fmt.Errorf("turns must be > 0")
	}
	if o.chunkMS < 10 || o.chunkMS > 2000 {
		return fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if o.realtime <= 0 {
		return fmt.Errorf("realtime must be > 0")
	}
	if o.turnTimeout < time.Second {
		o.turnTimeout = time.Second
	}
	if o.quietGap <= 0 {
		o.quietGap = 600 * time.Millisecond
	}
	if o.clientID == "" {
		o.clientID = "probe-" + uuid.NewString()
	}
	return nil
}

func (o *probeOptions) clip() (audio.Frame, error) {
	if o.wavPath == "" {
		if o.toneHz <= 0 || o.toneMS <= 0 || o.sampleRate <= 0 {
			return audio.Frame{}, fmt.Errorf("tone-hz, tone-ms and sample-rate must be positive")
		}
		return toneClip(o.toneHz, o.sampleRate, time.Duration(o.toneMS)*time.Millisecond), nil
	}
	raw, err := os.ReadFile(o.wavPath)
	if err != nil {
		return audio.Frame{}, err
	}
	clip, err := audio.DecodeWAV(raw)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("%s: %w", o.wavPath, err)
	}
	return clip, nil
}

func toneClip(hz float64, sampleRate int, d time.Duration) audio.Frame {
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*hz*float64(i)/float64(sampleRate)))
	}
	return audio.Mono16(audio.EncodeInt16(samples), sampleRate)
}

func wsURLForClient(baseURL, clientID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/ws"
	q := u.Query()
	if clientID != "" {
		q.Set("client_id", clientID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func runProbe(ctx context.Context, o probeOptions, clip audio.Frame, logw io.Writer) (probeReport, error) {
	logf := func(format string, args ...any) {
		if o.verbose {
			fmt.Fprintf(logw, "probe: "+format+"\n", args...)
		}
	}

	wsURL, err := wsURLForClient(o.baseURL, o.clientID)
	if err != nil {
		return probeReport{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return probeReport{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan probeEvent, 1024)
	readErr := make(chan error, 1)
	go probeReadLoop(conn, events, readErr)

	start := protocol.StartSession{
		Type: protocol.TypeStartSession,
		Config: protocol.SessionConfig{
			ModelID:     o.modelID,
			VoiceID:     o.voiceID,
			AudioSource: protocol.AudioSourceBrowser,
			SampleRate:  clip.SampleRate,
			Channels:    clip.Channels,
			SampleWidth: clip.SampleWidth,
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		return probeReport{}, fmt.Errorf("send start_session: %w", err)
	}
	sessionID, err := awaitState(ctx, events, readErr, "streaming", o.turnTimeout)
	if err != nil {
		return probeReport{}, fmt.Errorf("start session: %w", err)
	}
	logf("session=%s clip=%s chunk_ms=%d realtime=%.2f", sessionID, clip.Duration(), o.chunkMS, o.realtime)

	report := probeReport{SessionID: sessionID}
	for i := 0; i < o.turns; i++ {
		drainEvents(events)
		if err := sendClip(ctx, conn, clip, o.chunkMS, o.realtime); err != nil {
			return report, fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		res, err := awaitAnswer(ctx, events, readErr, time.Now(), o.quietGap, o.turnTimeout)
		if err != nil {
			return report, fmt.Errorf("turn %d: %w", i+1, err)
		}
		logf("turn %d/%d first_audio=%s chunks=%d", i+1, o.turns, res.FirstAudio, res.AudioChunks)
		report.Turns = append(report.Turns, res)
	}

	if err := conn.WriteJSON(protocol.StopSession{Type: protocol.TypeStopSession}); err != nil {
		return report, fmt.Errorf("send stop_session: %w", err)
	}
	if _, err := awaitState(ctx, events, readErr, "closed", o.turnTimeout); err != nil {
		return report, fmt.Errorf("stop session: %w", err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return report, nil
}

func probeReadLoop(conn *websocket.Conn, events chan<- probeEvent, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var ev probeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		ev.at = time.Now()
		select {
		case events <- ev:
		default:
			// Audio floods are fine to lose; only timing matters.
		}
	}
}

func drainEvents(events <-chan probeEvent) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

// awaitState waits for the session to reach want. Terminal states other
// than want and error events fail the wait.
func awaitState(ctx context.Context, events <-chan probeEvent, readErr <-chan error, want string, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case string(protocol.TypeErrorEvent):
				return "", fmt.Errorf("server error %s: %s", ev.Code, ev.Detail)
			case string(protocol.TypeSessionState):
				sid := ev.SessionID
				if ev.State == want {
					return sid, nil
				}
				if ev.State == "errored" || ev.State == "closed" {
					return "", fmt.Errorf("session %s ended in state %s: %s", sid, ev.State, ev.Detail)
				}
			}
		case err := <-readErr:
			return "", fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return "", fmt.Errorf("timeout after %s waiting for %s", timeout, want)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// awaitAnswer measures the agent's reply to one utterance. The turn ends
// after quiet passes with no agent audio.
func awaitAnswer(ctx context.Context, events <-chan probeEvent, readErr <-chan error, sentAt time.Time, quiet, timeout time.Duration) (turnResult, error) {
	var res turnResult
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	var quietC <-chan time.Time
	var quietTimer *time.Timer
	defer func() {
		if quietTimer != nil {
			quietTimer.Stop()
		}
	}()

	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case string(protocol.TypeAudioChunk):
				if res.AudioChunks == 0 {
					res.FirstAudio = max(ev.at.Sub(sentAt), 0)
				}
				res.AudioChunks++
				if quietTimer == nil {
					quietTimer = time.NewTimer(quiet)
				} else {
					quietTimer.Reset(quiet)
				}
				quietC = quietTimer.C
			case string(protocol.TypeConversationTurn):
				if ev.Role == "assistant" && res.FirstTurnText == 0 {
					res.FirstTurnText = max(ev.at.Sub(sentAt), time.Nanosecond)
				}
			case string(protocol.TypeSessionState):
				if ev.State == "errored" || ev.State == "closed" {
					return res, fmt.Errorf("session ended in state %s: %s", ev.State, ev.Detail)
				}
			}
		case <-quietC:
			return res, nil
		case err := <-readErr:
			return res, fmt.Errorf("ws read: %w", err)
		case <-deadline.C:
			if res.AudioChunks > 0 {
				return res, nil
			}
			return res, fmt.Errorf("no agent audio within %s", timeout)
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

// sendClip streams the clip as audio_chunk messages paced at realtime speed.
func sendClip(ctx context.Context, conn *websocket.Conn, clip audio.Frame, chunkMS int, realtime float64) error {
	group := clip.Channels * clip.SampleWidth
	if group <= 0 || clip.SampleRate <= 0 {
		return fmt.Errorf("invalid clip format")
	}
	per := clip.SampleRate * chunkMS / 1000 * group
	if per < group {
		per = group
	}

	for off := 0; off < len(clip.Data); off += per {
		end := min(off+per, len(clip.Data))
		chunk := audio.Frame{Data: clip.Data[off:end], SampleRate: clip.SampleRate, Channels: clip.Channels, SampleWidth: clip.SampleWidth}
		msg := protocol.AudioChunk{
			Type:        protocol.TypeAudioChunk,
			PCMBase64:   base64.StdEncoding.EncodeToString(chunk.Data),
			SampleRate:  chunk.SampleRate,
			Channels:    chunk.Channels,
			SampleWidth: chunk.SampleWidth,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}

		pause := time.Duration(float64(chunk.Duration()) / realtime)
		if pause <= 0 {
			pause = 10 * time.Millisecond
		}
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func printReport(w io.Writer, r probeReport) {
	fmt.Fprintf(w, "session %s: %d turns\n", r.SessionID, len(r.Turns))
	if len(r.Turns) == 0 {
		return
	}
	lat := make([]time.Duration, 0, len(r.Turns))
	for i, t := range r.Turns {
		fmt.Fprintf(w, "  turn %d: first_audio=%s assistant_text=%s chunks=%d\n", i+1, t.FirstAudio.Round(time.Millisecond), t.FirstTurnText.Round(time.Millisecond), t.AudioChunks)
		lat = append(lat, t.FirstAudio)
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	fmt.Fprintf(w, "first_audio p50=%s p95=%s max=%s\n",
		percentile(lat, 0.50).Round(time.Millisecond),
		percentile(lat, 0.95).Round(time.Millisecond),
		lat[len(lat)-1].Round(time.Millisecond))
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}
