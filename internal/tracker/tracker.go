// Package tracker keeps the ordered conversation and latency log of one
// voice session.
package tracker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrOutOfOrder  = errors.New("turn timestamp precedes the last recorded turn")
	ErrInvalidTurn = errors.New("invalid turn")
	ErrUnknownTurn = errors.New("unknown turn")
)

type Turn struct {
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Truncated bool      `json:"truncated"`
}

type LatencySample struct {
	Name      string        `json:"name"`
	Duration  time.Duration `json:"duration_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

type EventKind string

const (
	EventTurn       EventKind = "turn"
	EventLatency    EventKind = "latency"
	EventTruncation EventKind = "truncation"
)

// Event is one entry of the append-only log. Exactly one of Turn, Latency
// or TruncatedSeq is meaningful, according to Kind.
type Event struct {
	Kind         EventKind      `json:"kind"`
	Turn         *Turn          `json:"turn,omitempty"`
	Latency      *LatencySample `json:"latency,omitempty"`
	TruncatedSeq int            `json:"truncated_seq,omitempty"`
	At           time.Time      `json:"at"`
}

type Tracker struct {
	mu       sync.RWMutex
	events   []Event
	turns    []Turn
	lastTurn time.Time
	now      func() time.Time
}

func New() *Tracker {
	return &Tracker{now: func() time.Time { return time.Now().UTC() }}
}

// Append records a finalized turn and returns it with its sequence number.
// A zero timestamp is stamped with the current time. A timestamp earlier
// than the previous turn is rejected with ErrOutOfOrder.
func (t *Tracker) Append(turn Turn) (Turn, error) {
	if turn.Role != RoleUser && turn.Role != RoleAssistant {
		return Turn{}, fmt.Errorf("%w: role %q", ErrInvalidTurn, turn.Role)
	}
	turn.Content = strings.TrimSpace(turn.Content)

	t.mu.Lock()
	defer t.mu.Unlock()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = t.now()
		if turn.Timestamp.Before(t.lastTurn) {
			turn.Timestamp = t.lastTurn
		}
	}
	if turn.Timestamp.Before(t.lastTurn) {
		return Turn{}, fmt.Errorf("%w: %s < %s", ErrOutOfOrder,
			turn.Timestamp.Format(time.RFC3339Nano), t.lastTurn.Format(time.RFC3339Nano))
	}
	turn.Seq = len(t.turns) + 1
	turn.Truncated = false
	t.turns = append(t.turns, turn)
	t.lastTurn = turn.Timestamp

	stored := turn
	t.events = append(t.events, Event{Kind: EventTurn, Turn: &stored, At: turn.Timestamp})
	return turn, nil
}

func (t *Tracker) AppendLatency(sample LatencySample) {
	if strings.TrimSpace(sample.Name) == "" || sample.Duration < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = t.now()
	}
	t.events = append(t.events, Event{Kind: EventLatency, Latency: &sample, At: sample.Timestamp})
}

// MarkTruncated flags a turn as cut short and logs a truncation event.
// Marking an already truncated turn is a no-op.
func (t *Tracker) MarkTruncated(seq int) (Turn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq <= 0 || seq > len(t.turns) {
		return Turn{}, fmt.Errorf("%w: seq %d", ErrUnknownTurn, seq)
	}
	return t.truncateLocked(seq - 1), nil
}

// TruncateLastAssistant marks the most recent assistant turn truncated,
// provided no user turn followed it.
func (t *Tracker) TruncateLastAssistant() (Turn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.turns) == 0 {
		return Turn{}, false
	}
	idx := len(t.turns) - 1
	if t.turns[idx].Role != RoleAssistant || t.turns[idx].Truncated {
		return Turn{}, false
	}
	return t.truncateLocked(idx), true
}

func (t *Tracker) truncateLocked(idx int) Turn {
	if t.turns[idx].Truncated {
		return t.turns[idx]
	}
	t.turns[idx].Truncated = true
	t.events = append(t.events, Event{Kind: EventTruncation, TruncatedSeq: t.turns[idx].Seq, At: t.now()})
	return t.turns[idx]
}

// Snapshot returns a copy of the log. Turn events reflect the current
// truncation flag of their turn.
func (t *Tracker) Snapshot() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Event, len(t.events))
	for i, ev := range t.events {
		out[i] = ev
		switch {
		case ev.Turn != nil:
			turn := t.turns[ev.Turn.Seq-1]
			out[i].Turn = &turn
		case ev.Latency != nil:
			sample := *ev.Latency
			out[i].Latency = &sample
		}
	}
	return out
}

func (t *Tracker) Turns() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Turn(nil), t.turns...)
}

func (t *Tracker) Latencies() []LatencySample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []LatencySample
	for _, ev := range t.events {
		if ev.Latency != nil {
			out = append(out, *ev.Latency)
		}
	}
	return out
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.events)
}
