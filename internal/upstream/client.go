package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/agentbridge/internal/reliability"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const DefaultURL = "wss://agent.deepgram.com/v1/agent/converse"

// ErrMissingCredential is returned before dialing when no API key is set.
var ErrMissingCredential = errors.New("upstream api key is not configured")

// ErrAgentClosed wraps read errors caused by the agent closing the socket
// cleanly.
var ErrAgentClosed = errors.New("agent closed the connection")

// HandshakeError reports that the service refused the connection or the
// settings. It is never retried.
type HandshakeError struct {
	Code        string
	Description string
}

func (e *HandshakeError) Error() string {
	if e.Code == "" {
		return "upstream rejected handshake: " + e.Description
	}
	return fmt.Sprintf("upstream rejected handshake (%s): %s", e.Code, e.Description)
}

// Conn is an established agent connection. Read must be called from a single
// goroutine. Writes are safe for concurrent use.
type Conn interface {
	Read() (Message, error)
	WriteAudio(pcm []byte) error
	WriteJSON(v any) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, settings Settings) (Conn, error)
}

type WSDialerConfig struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	DialAttempts     int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
}

// WSDialer connects to the agent service over a websocket.
type WSDialer struct {
	cfg    WSDialerConfig
	ws     *websocket.Dialer
	logger zerolog.Logger
}

func NewWSDialer(cfg WSDialerConfig, logger zerolog.Logger) *WSDialer {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Second
	}
	ws := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   16 * 1024,
		WriteBufferSize:  16 * 1024,
	}
	return &WSDialer{cfg: cfg, ws: ws, logger: logger.With().Str("component", "upstream").Logger()}
}

// Dial connects and completes the settings handshake. Transient connection
// failures are retried with capped exponential backoff.
func (d *WSDialer) Dial(ctx context.Context, settings Settings) (Conn, error) {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return nil, ErrMissingCredential
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	var lastErr error
	for attempt := 0; attempt < d.cfg.DialAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, d.cfg.BackoffBase, d.cfg.BackoffCap)
			d.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Dur("backoff", wait).Msg("retrying upstream dial")
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("dial upstream: %w", ctx.Err())
			case <-time.After(wait):
			}
		}

		ws, resp, err := d.ws.DialContext(ctx, d.cfg.URL, headers)
		if err != nil {
			if resp != nil && !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				return nil, &HandshakeError{Code: resp.Status, Description: "connection refused by upstream"}
			}
			lastErr = err
			continue
		}

		conn := &wsConn{conn: ws, writeTimeout: d.cfg.WriteTimeout}
		if err := d.handshake(ctx, conn, settings); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
	return nil, fmt.Errorf("dial upstream after %d attempts: %w", d.cfg.DialAttempts, lastErr)
}

func (d *WSDialer) handshake(ctx context.Context, c *wsConn, settings Settings) error {
	deadline := time.Now().Add(d.cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	// Closing the socket is the only way to interrupt a blocked read.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-finished:
		}
	}()

	if err := c.WriteJSON(settings); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("send settings: %w", ctx.Err())
		}
		return fmt.Errorf("send settings: %w", err)
	}
	for {
		msg, err := c.Read()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("await settings applied: %w", ctx.Err())
			}
			return fmt.Errorf("await settings applied: %w", err)
		}
		if msg.Kind != KindControl {
			continue
		}
		switch msg.Control.Type {
		case TypeSettingsApplied:
			return nil
		case TypeError:
			return &HandshakeError{Code: msg.Control.Code, Description: msg.Control.ErrorText()}
		case TypeWelcome, TypeWarning:
			d.logger.Debug().Str("type", msg.Control.Type).Str("detail", msg.Control.ErrorText()).Msg("handshake message")
		}
	}
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func (c *wsConn) Read() (Message, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Message{}, fmt.Errorf("%w: %v", ErrAgentClosed, err)
		}
		return Message{}, err
	}
	if mt == websocket.BinaryMessage {
		return Message{Kind: KindAudio, Audio: data}, nil
	}
	return messageFromText(data), nil
}

func (c *wsConn) WriteAudio(pcm []byte) error {
	return c.write(websocket.BinaryMessage, pcm)
}

func (c *wsConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode upstream message: %w", err)
	}
	return c.write(websocket.TextMessage, raw)
}

func (c *wsConn) write(mt int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(mt, data)
}

func (c *wsConn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		retErr = c.conn.Close()
	})
	return retErr
}
