package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/agentbridge/internal/agent"
	"github.com/antoniostano/agentbridge/internal/audio"
	"github.com/antoniostano/agentbridge/internal/business"
	"github.com/antoniostano/agentbridge/internal/config"
	"github.com/antoniostano/agentbridge/internal/dispatch"
	"github.com/antoniostano/agentbridge/internal/knowledge"
	"github.com/antoniostano/agentbridge/internal/observability"
	"github.com/antoniostano/agentbridge/internal/session"
	"github.com/antoniostano/agentbridge/internal/tracker"
	"github.com/antoniostano/agentbridge/internal/upstream"
)

var envSeq atomic.Int64

type testEnv struct {
	ts       *httptest.Server
	dialer   *upstream.MockDialer
	agents   *agent.Manager
	registry *session.Registry
	metrics  *observability.Metrics
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	if cfg.UpstreamMode == "" {
		cfg.UpstreamMode = config.UpstreamMock
	}
	metrics := observability.NewMetrics("test_httpapi_" + strconv.FormatInt(envSeq.Add(1), 10) + "_" + time.Now().Format("150405"))

	store := business.NewMemoryStore(business.Dataset{
		Customers: []business.Customer{{ID: "CUST0001", Name: "Ada Lovelace", Phone: "+15551234567"}},
	}, "", zerolog.Nop())
	kb, err := knowledge.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("knowledge.Open() error = %v", err)
	}
	if _, err := kb.Add("Return Policy", "policies", "Returns are accepted within 30 days of delivery.", []string{"returns"}); err != nil {
		t.Fatalf("kb.Add() error = %v", err)
	}

	d := dispatch.New(dispatch.WithMetrics(metrics))
	dispatch.RegisterDefaults(d, business.NewService(store), kb)

	dialer := upstream.NewMockDialer()
	registry := session.NewRegistry(time.Minute, zerolog.Nop(), metrics)
	agents := agent.NewManager(agent.Options{
		KeepAliveInterval: time.Hour,
		DrainTimeout:      500 * time.Millisecond,
		RelayGrace:        50 * time.Millisecond,
		PlaybackLead:      10 * time.Millisecond,
		AllowedVoices:     cfg.AllowedVoices,
	}, dialer, d, registry, agent.WithMetrics(metrics))

	srv := New(cfg, agents, d, kb, metrics, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = registry.StopAll(t.Context())
	})
	return &testEnv{ts: ts, dialer: dialer, agents: agents, registry: registry, metrics: metrics}
}

func (e *testEnv) dialWS(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/voice/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) getJSON(t *testing.T, path string, wantStatus int) map[string]any {
	t.Helper()
	res, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, wantStatus)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return payload
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for message: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func isState(state string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		return m["type"] == "session_state" && m["state"] == state
	}
}

func isType(msgType string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == msgType }
}

func startSession(t *testing.T, conn *websocket.Conn, config string) string {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start_session","config":`+config+`}`)); err != nil {
		t.Fatalf("write start_session: %v", err)
	}
	msg := readUntil(t, conn, isState("streaming"))
	id, _ := msg["session_id"].(string)
	if id == "" {
		t.Fatalf("session_state without session_id: %v", msg)
	}
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	if payload := env.getJSON(t, "/healthz", http.StatusOK); payload["status"] != "ok" {
		t.Fatalf("healthz status = %v, want ok", payload["status"])
	}
	payload := env.getJSON(t, "/readyz", http.StatusOK)
	if payload["status"] != "ready" || payload["functions"] != float64(14) {
		t.Fatalf("readyz = %v", payload)
	}

	live := newTestEnv(t, config.Config{UpstreamMode: config.UpstreamLive})
	if payload := live.getJSON(t, "/readyz", http.StatusServiceUnavailable); payload["upstream_ready"] != false {
		t.Fatalf("readyz without credential = %v", payload)
	}
}

func TestFunctionsAndVoices(t *testing.T) {
	env := newTestEnv(t, config.Config{AllowedVoices: []string{"aura-2-thalia-en", "aura-2-orion-en"}})

	fns, _ := env.getJSON(t, "/v1/functions", http.StatusOK)["functions"].([]any)
	if len(fns) != 14 {
		t.Fatalf("functions = %d, want 14", len(fns))
	}

	voices := env.getJSON(t, "/v1/voices", http.StatusOK)
	list, _ := voices["voices"].([]any)
	if len(list) != 2 {
		t.Fatalf("voices = %v", voices)
	}
	if name := list[1].(map[string]any)["name"]; name != "Orion" {
		t.Fatalf("voice name = %v, want Orion", name)
	}
	if voices["default_voice_id"] != "aura-2-thalia-en" {
		t.Fatalf("default voice = %v", voices["default_voice_id"])
	}
}

func TestKnowledgeEndpoints(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	results, _ := env.getJSON(t, "/v1/kb/search?q=returns", http.StatusOK)["results"].([]any)
	if len(results) != 1 || results[0].(map[string]any)["title"] != "Return Policy" {
		t.Fatalf("search results = %v", results)
	}
	env.getJSON(t, "/v1/kb/search", http.StatusBadRequest)

	topics, _ := env.getJSON(t, "/v1/kb/topics", http.StatusOK)["topics"].([]any)
	if len(topics) != 1 || topics[0] != "policies" {
		t.Fatalf("topics = %v", topics)
	}
}

func TestVoiceSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := env.dialWS(t, "?client_id=client-1")

	id := startSession(t, conn, `{"sample_rate":48000}`)
	upstreamConn := <-env.dialer.Dialed()

	sessions, _ := env.getJSON(t, "/v1/sessions", http.StatusOK)["sessions"].([]any)
	if len(sessions) != 1 || sessions[0].(map[string]any)["key"] != "client-1" {
		t.Fatalf("sessions = %v", sessions)
	}

	frame := make([]int16, 960)
	for i := range frame {
		frame[i] = 1000
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, audio.EncodeInt16(frame)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	waitFor(t, "upstream audio", func() bool { return len(upstreamConn.AudioFrames()) == 1 })
	if got := len(upstreamConn.AudioFrames()[0]); got != 640 {
		t.Fatalf("upstream frame = %d bytes, want 640", got)
	}

	upstreamConn.EmitControl(upstream.Control{Type: upstream.TypeConversationText, Role: "assistant", Content: "How can I help?"})
	turn := readUntil(t, conn, isType("conversation_turn"))
	if turn["content"] != "How can I help?" || turn["seq"] != float64(1) {
		t.Fatalf("turn = %v", turn)
	}

	detail := env.getJSON(t, "/v1/sessions/"+id, http.StatusOK)
	if events, _ := detail["events"].([]any); len(events) == 0 {
		t.Fatalf("session detail without events: %v", detail)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop_session"}`)); err != nil {
		t.Fatalf("write stop_session: %v", err)
	}
	readUntil(t, conn, isState("closed"))
	if n := env.registry.ActiveCount(); n != 0 {
		t.Fatalf("active sessions = %d, want 0", n)
	}
	env.getJSON(t, "/v1/sessions/"+id, http.StatusNotFound)
}

func TestInvalidClientMessage(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := env.dialWS(t, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, conn, isType("error_event"))
	if msg["code"] != "invalid_client_message" {
		t.Fatalf("error code = %v, want invalid_client_message", msg["code"])
	}
}

func TestConfigurationRejected(t *testing.T) {
	env := newTestEnv(t, config.Config{AllowedVoices: []string{"aura-2-thalia-en"}})
	conn := env.dialWS(t, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start_session","config":{"voice_id":"aura-2-orion-en"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, conn, isType("error_event"))
	if msg["code"] != "configuration_error" {
		t.Fatalf("error code = %v, want configuration_error", msg["code"])
	}
	if n := len(env.dialer.Conns()); n != 0 {
		t.Fatalf("dialed %d upstream connections, want 0", n)
	}
}

func TestDisconnectStopsSession(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := env.dialWS(t, "")
	startSession(t, conn, `{}`)
	upstreamConn := <-env.dialer.Dialed()

	_ = conn.Close()
	waitFor(t, "session removal", func() bool { return env.registry.ActiveCount() == 0 })
	select {
	case <-upstreamConn.Closed():
	case <-time.After(3 * time.Second):
		t.Fatalf("upstream connection left open after client disconnect")
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	first := env.dialWS(t, "?client_id=same")
	firstID := startSession(t, first, `{}`)

	second := env.dialWS(t, "?client_id=same")
	secondID := startSession(t, second, `{}`)
	if firstID == secondID {
		t.Fatalf("replacement reused session id %s", firstID)
	}
	readUntil(t, first, isState("closed"))

	sess, ok := env.agents.Lookup("same")
	if !ok || sess.ID() != secondID {
		t.Fatalf("lookup after replace = %v, %v", sess, ok)
	}
}

func TestStopSessionOverHTTP(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := env.dialWS(t, "")
	id := startSession(t, conn, `{}`)

	res, err := http.Post(env.ts.URL+"/v1/sessions/"+id+"/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("stop request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("stop status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	readUntil(t, conn, isState("closed"))

	res, err = http.Post(env.ts.URL+"/v1/sessions/nope/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("stop request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown stop status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestRejectsCrossOriginWebsocket(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/voice/ws"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("cross-origin websocket accepted")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin response = %v, want 403", res)
	}
}

func TestPerfLatency(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	env.metrics.AppendLatency(tracker.LatencySample{Name: "function:find_customer", Duration: 12 * time.Millisecond})

	stages, _ := env.getJSON(t, "/v1/perf/latency", http.StatusOK)["stages"].([]any)
	if len(stages) != 1 {
		t.Fatalf("stages = %v", stages)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/v1/perf/latency", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("reset request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	if stages, _ := env.getJSON(t, "/v1/perf/latency", http.StatusOK)["stages"].([]any); len(stages) != 0 {
		t.Fatalf("stages after reset = %v", stages)
	}
}
