package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/agentbridge/internal/app"
	"github.com/antoniostano/agentbridge/internal/business"
	"github.com/antoniostano/agentbridge/internal/config"
)

func writeTestConfig(t *testing.T) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	kbDir := filepath.Join(dir, "kb")
	if err := os.MkdirAll(kbDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	body := fmt.Sprintf(`
server:
  metrics_namespace: test_cli_%d
log:
  level: error
upstream:
  mode: mock
session:
  playback_lead: 20ms
data:
  mock_path: %s
  customers: 4
  appointments: 2
  orders: 3
knowledge:
  dir: %s
`, time.Now().UnixNano(), filepath.Join(dir, "data", "mock.json"), kbDir)
	path = filepath.Join(dir, "agentbridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dir
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestWSURLForClient(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/v1/voice/ws?client_id=probe-1"},
		{"https://bridge.example.com/api/", "wss://bridge.example.com/api/v1/voice/ws?client_id=probe-1"},
		{"ws://localhost:9000", "ws://localhost:9000/v1/voice/ws?client_id=probe-1"},
	}
	for _, tc := range cases {
		got, err := wsURLForClient(strings.TrimRight(tc.base, "/"), "probe-1")
		if err != nil {
			t.Fatalf("wsURLForClient(%q) error = %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("wsURLForClient(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}

	if _, err := wsURLForClient("ftp://host", "x"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := wsURLForClient("http://", "x"); err == nil {
		t.Fatalf("expected error for missing host")
	}
}

func TestToneClipLength(t *testing.T) {
	clip := toneClip(440, 16000, 250*time.Millisecond)
	if clip.Samples() != 4000 {
		t.Fatalf("samples = %d, want 4000", clip.Samples())
	}
	if clip.Duration() != 250*time.Millisecond {
		t.Fatalf("duration = %s, want 250ms", clip.Duration())
	}
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	if got := percentile(sorted, 0.5); got != 50 {
		t.Fatalf("p50 = %d, want 50", got)
	}
	if got := percentile(sorted, 0.95); got != 100 {
		t.Fatalf("p95 = %d, want 100", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("empty percentile = %d, want 0", got)
	}
}

func TestProbeOptionsValidate(t *testing.T) {
	o := probeOptions{baseURL: " http://x/ ", turns: 1, chunkMS: 40, realtime: 1}
	if err := o.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	if o.baseURL != "http://x" {
		t.Fatalf("baseURL = %q", o.baseURL)
	}
	if !strings.HasPrefix(o.clientID, "probe-") {
		t.Fatalf("clientID = %q, want generated probe id", o.clientID)
	}

	bad := []probeOptions{
		{baseURL: "", turns: 1, chunkMS: 40, realtime: 1},
		{baseURL: "http://x", turns: 0, chunkMS: 40, realtime: 1},
		{baseURL: "http://x", turns: 1, chunkMS: 5, realtime: 1},
		{baseURL: "http://x", turns: 1, chunkMS: 40, realtime: 0},
	}
	for i, b := range bad {
		if err := b.validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestKBAddThenSearch(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)

	out, err := runCLI(t, "Returns are accepted within 30 days of delivery.",
		"--config", cfgPath, "kb", "add", "--title", "Return Policy", "--topic", "policies", "--tags", "returns,refunds", "-")
	if err != nil {
		t.Fatalf("kb add error = %v (out=%s)", err, out)
	}
	if !strings.Contains(out, "added Return Policy") {
		t.Fatalf("kb add output = %q", out)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "kb"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("kb dir entries = %v, err = %v", entries, err)
	}

	out, err = runCLI(t, "", "--config", cfgPath, "kb", "search", "return", "policy")
	if err != nil {
		t.Fatalf("kb search error = %v", err)
	}
	if !strings.Contains(out, "policies\tReturn Policy\t[returns, refunds]") {
		t.Fatalf("kb search output = %q", out)
	}

	out, err = runCLI(t, "", "--config", cfgPath, "kb", "topics")
	if err != nil {
		t.Fatalf("kb topics error = %v", err)
	}
	var topics struct {
		Entries int      `json:"entries"`
		Topics  []string `json:"topics"`
	}
	if err := json.Unmarshal([]byte(out), &topics); err != nil {
		t.Fatalf("decode topics: %v (out=%s)", err, out)
	}
	if topics.Entries != 1 || len(topics.Topics) != 1 || topics.Topics[0] != "policies" {
		t.Fatalf("topics = %+v", topics)
	}
}

func TestKBUpdateThenDelete(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	_, err := runCLI(t, "Open weekdays.", "--config", cfgPath, "kb", "add", "--title", "Hours", "--topic", "policies", "-")
	if err != nil {
		t.Fatalf("kb add error = %v", err)
	}

	out, err := runCLI(t, "Open weekdays 9 to 5.", "--config", cfgPath, "kb", "update", "hours", "--title", "Opening Hours", "--content", "-")
	if err != nil {
		t.Fatalf("kb update error = %v (out=%s)", err, out)
	}
	if !strings.Contains(out, "updated Opening Hours (hours.mdx)") {
		t.Fatalf("kb update output = %q", out)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "kb", "hours.mdx"))
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if !strings.Contains(string(raw), "Open weekdays 9 to 5.") || !strings.Contains(string(raw), "title: Opening Hours") {
		t.Fatalf("entry file = %q", raw)
	}

	if _, err := runCLI(t, "", "--config", cfgPath, "kb", "update", "hours"); err == nil {
		t.Fatalf("expected error for update without changes")
	}

	out, err = runCLI(t, "", "--config", cfgPath, "kb", "delete", "hours")
	if err != nil || !strings.Contains(out, "deleted hours") {
		t.Fatalf("kb delete = %q, %v", out, err)
	}
	if _, err := runCLI(t, "", "--config", cfgPath, "kb", "delete", "hours"); err == nil {
		t.Fatalf("expected error deleting a missing entry")
	}
}

func TestKBAddRequiresTitle(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	if _, err := runCLI(t, "content", "--config", cfgPath, "kb", "add", "--topic", "policies", "-"); err == nil {
		t.Fatalf("expected error without --title")
	}
}

func TestFunctionsCommandListsDefinitions(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	out, err := runCLI(t, "", "--config", cfgPath, "functions")
	if err != nil {
		t.Fatalf("functions error = %v", err)
	}
	var resp struct {
		Functions []struct {
			Name string `json:"name"`
		} `json:"functions"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Functions) != 14 {
		t.Fatalf("functions = %d, want 14", len(resp.Functions))
	}
}

func TestSeedWritesSnapshotOnce(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	snapshot := filepath.Join(dir, "data", "mock.json")

	out, err := runCLI(t, "", "--config", cfgPath, "seed", "--seed", "7")
	if err != nil {
		t.Fatalf("seed error = %v", err)
	}
	if !strings.Contains(out, "wrote 4 customers, 2 appointments, 3 orders") {
		t.Fatalf("seed output = %q", out)
	}
	ds, err := business.LoadDataset(snapshot)
	if err != nil {
		t.Fatalf("LoadDataset() error = %v", err)
	}
	if len(ds.Customers) != 4 {
		t.Fatalf("customers = %d, want 4", len(ds.Customers))
	}

	if _, err := runCLI(t, "", "--config", cfgPath, "seed"); err == nil {
		t.Fatalf("expected refusal to overwrite without --force")
	}
	if _, err := runCLI(t, "", "--config", cfgPath, "seed", "--force"); err != nil {
		t.Fatalf("seed --force error = %v", err)
	}
}

func TestProbeAgainstEchoServer(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	res, err := app.Build(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("app.Build() error = %v", err)
	}
	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = res.Shutdown(ctx)
	}()

	o := probeOptions{
		baseURL:     ts.URL,
		turns:       1,
		chunkMS:     40,
		realtime:    20,
		quietGap:    300 * time.Millisecond,
		turnTimeout: 5 * time.Second,
	}
	if err := o.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	// 50 chunks of 40ms complete one echo turn.
	clip := toneClip(440, 48000, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	var logs bytes.Buffer
	report, err := runProbe(ctx, o, clip, &logs)
	if err != nil {
		t.Fatalf("runProbe() error = %v", err)
	}
	if report.SessionID == "" {
		t.Fatalf("missing session id")
	}
	if len(report.Turns) != 1 || report.Turns[0].AudioChunks == 0 {
		t.Fatalf("turns = %+v, want agent audio", report.Turns)
	}
	if report.Turns[0].FirstTurnText <= 0 {
		t.Fatalf("assistant text not observed: %+v", report.Turns[0])
	}

	var out bytes.Buffer
	printReport(&out, report)
	if !strings.Contains(out.String(), "first_audio p50=") {
		t.Fatalf("report = %q", out.String())
	}
}
