// Package dispatch runs the local functions the upstream agent may call
// mid-conversation and turns their outcome into a result payload.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/antoniostano/agentbridge/internal/business"
	"github.com/antoniostano/agentbridge/internal/observability"
	"github.com/antoniostano/agentbridge/internal/policy"
	"github.com/antoniostano/agentbridge/internal/tracker"
	"github.com/rs/zerolog"
)

const DefaultTimeout = 5 * time.Second

// Call is one function invocation requested by the upstream agent. When
// Args is nil, RawArgs is decoded as the JSON argument object.
type Call struct {
	ID        string
	Name      string
	Args      Args
	RawArgs   string
	SessionID string
}

// Outcome is what a handler returns on success. Inject asks the session to
// have the agent speak a message after the result is delivered. EndCall asks
// the session to close gracefully once that message is out.
type Outcome struct {
	Payload any
	Inject  string
	EndCall bool
}

type Handler func(ctx context.Context, call Call) (Outcome, error)

type Function struct {
	Name        string
	Description string
	Schema      Schema
	Handler     Handler
}

// Definition is the advertised form of a function.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Result is the normalized outcome of one call. Err is nil on success; when
// set, Payload already carries the structured error.
type Result struct {
	CallID   string
	Name     string
	Payload  any
	Err      error
	Duration time.Duration
	Inject   string
	EndCall  bool
}

// Content encodes the payload the way the upstream expects it inside a
// function call response.
func (r Result) Content() (string, error) {
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		return "", fmt.Errorf("encode result for %s: %w", r.Name, err)
	}
	return string(raw), nil
}

// Outcome labels used for metrics and logs.
const (
	OutcomeOK               = "ok"
	OutcomeDomainError      = "domain_error"
	OutcomeUnknownFunction  = "unknown_function"
	OutcomeInvalidArguments = "invalid_arguments"
	OutcomeTimeout          = "timeout"
	OutcomeError            = "error"
)

// OutcomeOf classifies a result error.
func OutcomeOf(err error) string {
	var (
		unknown *UnknownFunctionError
		invalid *InvalidArgumentsError
		timeout *DispatchTimeoutError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &unknown):
		return OutcomeUnknownFunction
	case errors.As(err, &invalid):
		return OutcomeInvalidArguments
	case errors.As(err, &timeout):
		return OutcomeTimeout
	case business.IsDomainError(err):
		return OutcomeDomainError
	default:
		return OutcomeError
	}
}

// LatencyRecorder receives one sample per dispatched call.
// *tracker.Tracker satisfies it.
type LatencyRecorder interface {
	AppendLatency(sample tracker.LatencySample)
}

type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(dp *Dispatcher) { dp.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// Dispatcher maps function names to handlers. It is shared by all sessions.
type Dispatcher struct {
	mu        sync.RWMutex
	functions map[string]Function

	timeout time.Duration
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		functions: make(map[string]Function),
		timeout:   DefaultTimeout,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds or replaces a function.
func (d *Dispatcher) Register(fn Function) {
	if fn.Schema.Properties == nil {
		fn.Schema.Properties = map[string]Param{}
	}
	d.mu.Lock()
	d.functions[fn.Name] = fn
	d.mu.Unlock()
}

func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.functions[name]
	return ok
}

// Definitions returns the advertised functions ordered by name.
func (d *Dispatcher) Definitions() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Definition, 0, len(d.functions))
	for _, fn := range d.functions {
		out = append(out, Definition{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  fn.Schema.JSON(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs one call and always returns a result carrying call.ID.
// Failures never escape as errors: they are folded into the payload so the
// conversation can continue. rec may be nil.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, rec LatencyRecorder) Result {
	start := d.now()
	res := d.run(ctx, call)
	res.CallID = call.ID
	res.Name = call.Name
	res.Duration = d.now().Sub(start)
	if res.Err != nil {
		res.Payload = errorPayload(res.Err)
		res.Inject = ""
		res.EndCall = false
	}

	outcome := OutcomeOf(res.Err)
	sample := tracker.LatencySample{Name: "function:" + call.Name, Duration: res.Duration, Timestamp: start}
	if rec != nil {
		rec.AppendLatency(sample)
	}
	d.metrics.AppendLatency(sample)
	d.metrics.FunctionCall(call.Name, outcome)

	ev := d.logger.Info()
	if res.Err != nil {
		ev = d.logger.Warn().Err(res.Err)
	}
	ev.Str("session_id", call.SessionID).
		Str("call_id", call.ID).
		Str("function", call.Name).
		Str("args", redactArgs(call)).
		Str("outcome", outcome).
		Dur("duration", res.Duration).
		Msg("function dispatched")
	return res
}

func (d *Dispatcher) run(ctx context.Context, call Call) Result {
	d.mu.RLock()
	fn, ok := d.functions[call.Name]
	d.mu.RUnlock()
	if !ok {
		return Result{Err: &UnknownFunctionError{Name: call.Name}}
	}
	if call.Args == nil {
		args, err := DecodeArgs(call.RawArgs)
		if err != nil {
			return Result{Err: &InvalidArgumentsError{Function: call.Name, Problems: []string{err.Error()}}}
		}
		call.Args = args
	}
	if problems := fn.Schema.validate(call.Args); len(problems) > 0 {
		return Result{Err: &InvalidArgumentsError{Function: call.Name, Problems: problems}}
	}

	started := d.now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type reply struct {
		out Outcome
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := fn.Handler(ctx, call)
		done <- reply{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil && errors.Is(r.err, ctx.Err()) {
			return Result{Err: &DispatchTimeoutError{Function: call.Name, After: d.now().Sub(started)}}
		}
		if r.err != nil {
			return Result{Err: r.err}
		}
		return Result{Payload: r.out.Payload, Inject: r.out.Inject, EndCall: r.out.EndCall}
	case <-ctx.Done():
		return Result{Err: &DispatchTimeoutError{Function: call.Name, After: d.now().Sub(started)}}
	}
}

// errorPayload is the structured error shape returned to the agent. Domain
// and argument errors carry their message; internal failures stay generic.
func errorPayload(err error) map[string]any {
	outcome := OutcomeOf(err)
	msg := err.Error()
	switch outcome {
	case OutcomeError:
		msg = "Internal error while running the function"
	case OutcomeTimeout:
		msg = "The request took too long. Please try again."
	}
	return map[string]any{"error": msg, "error_type": outcome}
}

func redactArgs(call Call) string {
	args := call.Args
	if args == nil {
		var err error
		if args, err = DecodeArgs(call.RawArgs); err != nil {
			out, _ := policy.RedactPII(call.RawArgs)
			return out
		}
	}
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "<unencodable>"
	}
	out, _ := policy.RedactPII(string(raw))
	return out
}
