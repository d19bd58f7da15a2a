package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
)

// MockConn is an in-memory agent connection. Tests push inbound frames with
// the Emit helpers and inspect what the session wrote.
type MockConn struct {
	settings Settings

	in      chan Message
	closed  chan struct{}
	dropped chan struct{}

	closeOnce sync.Once
	dropOnce  sync.Once

	mu      sync.Mutex
	dropErr error
	written [][]byte
	audio   [][]byte
	notify  chan struct{}

	onAudio func(c *MockConn, pcm []byte)
}

func NewMockConn(settings Settings) *MockConn {
	return &MockConn{
		settings: settings,
		in:       make(chan Message, 256),
		closed:   make(chan struct{}),
		dropped:  make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
}

func (c *MockConn) Settings() Settings {
	return c.settings
}

func (c *MockConn) Read() (Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.dropped:
		c.mu.Lock()
		err := c.dropErr
		c.mu.Unlock()
		return Message{}, err
	case <-c.closed:
		return Message{}, net.ErrClosed
	}
}

func (c *MockConn) WriteAudio(pcm []byte) error {
	if c.isDone() {
		return net.ErrClosed
	}
	c.mu.Lock()
	c.audio = append(c.audio, append([]byte(nil), pcm...))
	hook := c.onAudio
	c.mu.Unlock()
	c.signal()
	if hook != nil {
		hook(c, pcm)
	}
	return nil
}

func (c *MockConn) WriteJSON(v any) error {
	if c.isDone() {
		return net.ErrClosed
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, raw)
	c.mu.Unlock()
	c.signal()
	return nil
}

func (c *MockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed is closed once the session closes the connection.
func (c *MockConn) Closed() <-chan struct{} {
	return c.closed
}

// Drop simulates the service dropping the connection: pending and future
// reads fail with err.
func (c *MockConn) Drop(err error) {
	if err == nil {
		err = errors.New("connection reset by peer")
	}
	c.dropOnce.Do(func() {
		c.mu.Lock()
		c.dropErr = err
		c.mu.Unlock()
		close(c.dropped)
	})
}

func (c *MockConn) Emit(m Message) {
	select {
	case c.in <- m:
	case <-c.closed:
	}
}

func (c *MockConn) EmitAudio(pcm []byte) {
	c.Emit(Message{Kind: KindAudio, Audio: pcm})
}

func (c *MockConn) EmitControl(ctrl Control) {
	c.Emit(Message{Kind: KindControl, Control: ctrl})
}

// EmitRaw delivers a text frame exactly as the service would.
func (c *MockConn) EmitRaw(data []byte) {
	c.Emit(messageFromText(data))
}

// Written returns the JSON messages written so far.
func (c *MockConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenOfType returns the written messages whose type field matches.
func (c *MockConn) WrittenOfType(msgType string) []map[string]any {
	var out []map[string]any
	for _, raw := range c.Written() {
		var m map[string]any
		if json.Unmarshal(raw, &m) != nil {
			continue
		}
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// AudioFrames returns the binary frames written so far.
func (c *MockConn) AudioFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.audio))
	copy(out, c.audio)
	return out
}

// Changed receives after every write. It is coalescing; re-check state
// after each receive.
func (c *MockConn) Changed() <-chan struct{} {
	return c.notify
}

func (c *MockConn) OnAudio(fn func(c *MockConn, pcm []byte)) {
	c.mu.Lock()
	c.onAudio = fn
	c.mu.Unlock()
}

func (c *MockConn) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *MockConn) isDone() bool {
	select {
	case <-c.closed:
		return true
	case <-c.dropped:
		return true
	default:
		return false
	}
}

// MockDialer hands out MockConns. When Err is set every dial fails with it.
type MockDialer struct {
	Err    error
	OnDial func(c *MockConn)

	mu    sync.Mutex
	conns []*MockConn
	ready chan *MockConn
}

func NewMockDialer() *MockDialer {
	return &MockDialer{ready: make(chan *MockConn, 16)}
}

func (d *MockDialer) Dial(ctx context.Context, settings Settings) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Err != nil {
		return nil, d.Err
	}
	c := NewMockConn(settings)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	if d.OnDial != nil {
		d.OnDial(c)
	}
	select {
	case d.ready <- c:
	default:
	}
	return c, nil
}

// Conns returns every connection dialed so far.
func (d *MockDialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockConn(nil), d.conns...)
}

// Dialed receives each new connection.
func (d *MockDialer) Dialed() <-chan *MockConn {
	return d.ready
}
