package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/agentbridge/internal/config"
	"github.com/antoniostano/agentbridge/internal/upstream"
)

var buildSeq atomic.Int64

func testConfig(t *testing.T, mode string) config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("AGENTBRIDGE_UPSTREAM_MODE", mode)
	t.Setenv("AGENTBRIDGE_SERVER_METRICS_NAMESPACE", "test_app_"+strconv.FormatInt(buildSeq.Add(1), 10))
	t.Setenv("AGENTBRIDGE_DATA_CUSTOMERS", "5")
	t.Setenv("AGENTBRIDGE_DATA_APPOINTMENTS", "3")
	t.Setenv("AGENTBRIDGE_DATA_ORDERS", "4")
	t.Setenv("DEEPGRAM_API_KEY", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AGENTBRIDGE_UPSTREAM_API_KEY", "")
	t.Setenv("AGENTBRIDGE_DATA_DATABASE_URL", "")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func TestBuildMockUpstream(t *testing.T) {
	cfg := testConfig(t, config.UpstreamMock)

	res, err := Build(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.Upstream.Mode != config.UpstreamMock {
		t.Fatalf("Upstream.Mode = %q, want mock", res.Upstream.Mode)
	}
	if got := len(res.Dispatcher.Definitions()); got != 14 {
		t.Fatalf("registered functions = %d, want 14", got)
	}
	if _, err := os.Stat(filepath.Join("data", "mock_data.json")); err != nil {
		t.Fatalf("mock data snapshot not written: %v", err)
	}

	rec := httptest.NewRecorder()
	res.API.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/readyz status = %d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := res.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestBuildLiveWithoutKeyIsNotReady(t *testing.T) {
	cfg := testConfig(t, config.UpstreamLive)

	res, err := Build(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() { _ = res.Shutdown(context.Background()) }()

	rec := httptest.NewRecorder()
	res.API.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz status = %d, want 503", rec.Code)
	}
}

func TestResolveUpstream(t *testing.T) {
	setup, err := resolveUpstream(config.Config{UpstreamMode: config.UpstreamMock}, zerolog.Nop())
	if err != nil {
		t.Fatalf("resolveUpstream(mock) error = %v", err)
	}
	if _, ok := setup.dialer.(*upstream.MockDialer); !ok {
		t.Fatalf("mock dialer type = %T", setup.dialer)
	}

	setup, err = resolveUpstream(config.Config{UpstreamMode: config.UpstreamLive, UpstreamURL: upstream.DefaultURL, DialAttempts: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("resolveUpstream(live) error = %v", err)
	}
	if _, ok := setup.dialer.(*upstream.WSDialer); !ok {
		t.Fatalf("live dialer type = %T", setup.dialer)
	}

	if _, err := resolveUpstream(config.Config{UpstreamMode: "pigeon"}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestAgentOptionsCarryConfig(t *testing.T) {
	cfg := config.Config{
		ClientSampleRate: 44100,
		AgentSampleRate:  16000,
		DefaultModel:     "gpt-4o",
		DefaultVoice:     "aura-2-orion-en",
		AllowedVoices:    []string{"aura-2-orion-en"},
		PlaybackLead:     120 * time.Millisecond,
	}
	opts := AgentOptions(cfg)
	if opts.ThinkModel != "gpt-4o" || opts.DefaultVoice != "aura-2-orion-en" {
		t.Fatalf("agent options = %+v", opts)
	}
	if opts.ClientSampleRate != 44100 || opts.PlaybackLead != 120*time.Millisecond {
		t.Fatalf("agent options = %+v", opts)
	}
}
