package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/agentbridge/internal/tracker"
)

type LatencyStats struct {
	Name        string    `json:"name"`
	Samples     int       `json:"samples"`
	OldestAt    time.Time `json:"oldest_at"`
	LastMS      float64   `json:"last_ms"`
	AvgMS       float64   `json:"avg_ms"`
	P50MS       float64   `json:"p50_ms"`
	P95MS       float64   `json:"p95_ms"`
	P99MS       float64   `json:"p99_ms"`
	TargetP95MS float64   `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []LatencyStats `json:"stages"`
	Indicators  []Indicator    `json:"indicators,omitempty"`
}

// p95 targets by sample name. The first matching prefix wins.
var stageTargets = []struct {
	prefix string
	ms     float64
}{
	{"upstream_connect", 1500},
	{"agent_total", 1400},
	{"agent_think", 900},
	{"agent_tts", 400},
	{"function:", 500},
}

func targetFor(name string) float64 {
	for _, t := range stageTargets {
		if strings.HasPrefix(name, t.prefix) {
			return t.ms
		}
	}
	return 0
}

// sampleWindow aggregates the latency samples every session records in its
// tracker, keeping the newest limit samples per name.
type sampleWindow struct {
	mu     sync.Mutex
	limit  int
	byName map[string][]tracker.LatencySample
	counts map[string]int
}

func newSampleWindow(limit int) *sampleWindow {
	if limit <= 0 {
		limit = 256
	}
	return &sampleWindow{
		limit:  limit,
		byName: make(map[string][]tracker.LatencySample),
		counts: make(map[string]int),
	}
}

func (w *sampleWindow) Append(s tracker.LatencySample) {
	if s.Name == "" || s.Duration < 0 {
		return
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := append(w.byName[s.Name], s)
	// Compact once the slice holds twice the limit so appends stay cheap.
	if len(kept) >= 2*w.limit {
		kept = kept[:copy(kept, kept[len(kept)-w.limit:])]
	}
	w.byName[s.Name] = kept
}

func (w *sampleWindow) Count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.counts[name]++
	w.mu.Unlock()
}

func (w *sampleWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.byName)
	clear(w.counts)
}

func (w *sampleWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.limit,
		Stages:      make([]LatencyStats, 0, len(w.byName)),
	}
	for _, name := range slices.Sorted(maps.Keys(w.byName)) {
		recent := w.byName[name]
		if len(recent) > w.limit {
			recent = recent[len(recent)-w.limit:]
		}
		if len(recent) == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(name, recent))
	}
	for _, name := range slices.Sorted(maps.Keys(w.counts)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.counts[name]})
	}
	return snap
}

// summarize reports recent, which is in arrival order and non-empty.
func summarize(name string, recent []tracker.LatencySample) LatencyStats {
	sorted := make([]time.Duration, len(recent))
	var total time.Duration
	oldest := recent[0].Timestamp
	for i, s := range recent {
		sorted[i] = s.Duration
		total += s.Duration
		if s.Timestamp.Before(oldest) {
			oldest = s.Timestamp
		}
	}
	slices.Sort(sorted)
	return LatencyStats{
		Name:        name,
		Samples:     len(recent),
		OldestAt:    oldest,
		LastMS:      millis(recent[len(recent)-1].Duration),
		AvgMS:       millis(total / time.Duration(len(recent))),
		P50MS:       millis(nearestRank(sorted, 50)),
		P95MS:       millis(nearestRank(sorted, 95)),
		P99MS:       millis(nearestRank(sorted, 99)),
		TargetP95MS: targetFor(name),
	}
}

// nearestRank is the smallest sample with at least pct percent of the
// samples at or below it.
func nearestRank(sorted []time.Duration, pct int) time.Duration {
	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}
