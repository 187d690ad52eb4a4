// Package wsclient implements the client half of the realtime gateway
// protocol: connection establishment with bounded exponential backoff,
// automatic resubscription after a reconnect, and a terminal give-up signal
// once retries are exhausted.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrRetriesExhausted is the terminal error after the reconnect budget is
// spent. The controller stops retrying; recovering requires an explicit
// caller action (e.g. the UI's manual Reconnect button).
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// ConnState is the externally visible connection state, mirrored by the
// dashboard health indicator.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateDisconnected ConnState = "disconnected"
	StateGaveUp       ConnState = "gave_up"
)

// wireConn is the subset of *websocket.Conn the controller uses; tests
// substitute an in-memory fake.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc establishes one connection attempt.
type DialFunc func(ctx context.Context, url string) (wireConn, error)

// SleepFunc waits for d or until ctx is done; returns false when cancelled.
// Injectable so backoff tests run without wall-clock delays.
type SleepFunc func(ctx context.Context, d time.Duration) bool

// Config holds client settings. Zero values fall back to the platform
// defaults: base delay 3000ms, multiplier 1.5, 5 attempts.
type Config struct {
	URL string

	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int

	Dial  DialFunc
	Sleep SleepFunc

	// OnMessage receives every raw server frame.
	OnMessage func(data []byte)
	// OnStateChange observes connection state transitions.
	OnStateChange func(state ConnState)

	Logger zerolog.Logger
}

// Client maintains one logical connection to a gateway channel endpoint,
// transparently reconnecting on abnormal closure. A caller-initiated Close
// never triggers a retry: distinguishing "we hung up" from "the network hung
// up" is the controller's core invariant.
type Client struct {
	config Config
	logger zerolog.Logger

	mu       sync.Mutex
	conn     wireConn
	identity string // re-issued after every successful reconnect; "" = none

	closeRequested atomic.Bool
	state          atomic.Value // ConnState

	done    chan struct{}
	doneErr error
}

func New(config Config) *Client {
	if config.BaseDelay <= 0 {
		config.BaseDelay = 3000 * time.Millisecond
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 1.5
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.Dial == nil {
		config.Dial = gorillaDial
	}
	if config.Sleep == nil {
		config.Sleep = defaultSleep
	}

	c := &Client{
		config: config,
		logger: config.Logger.With().Str("component", "ws_client").Logger(),
		done:   make(chan struct{}),
	}
	c.state.Store(StateDisconnected)
	return c
}

func gorillaDial(ctx context.Context, url string) (wireConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func defaultSleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	return c.state.Load().(ConnState)
}

// Done is closed when the run loop terminates; Err reports why.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns ErrRetriesExhausted after a give-up, nil for a clean stop.
func (c *Client) Err() error { return c.doneErr }

// Start launches the connect/read/reconnect loop. It returns immediately;
// observe progress through OnStateChange and Done.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// newBackoff builds the retry schedule. Randomization is disabled: with the
// defaults the delays are exactly 3000, 4500, 6750, 10125, 15187.5 ms.
func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = c.config.Multiplier
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	b := c.newBackoff()

	for {
		if c.closeRequested.Load() || ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		if attempt == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		conn, err := c.config.Dial(ctx, c.config.URL)
		if err == nil {
			attempt = 0
			b = c.newBackoff()
			c.setConn(conn)
			c.setState(StateConnected)
			c.resubscribe()

			clean := c.readLoop(conn)
			c.setConn(nil)
			conn.Close()

			if clean || c.closeRequested.Load() {
				c.setState(StateDisconnected)
				return
			}
		} else {
			c.logger.Warn().Err(err).Str("url", c.config.URL).Msg("Connect failed")
		}

		// Abnormal close or failed dial: schedule the next attempt.
		attempt++
		if attempt > c.config.MaxAttempts {
			c.logger.Error().
				Int("attempts", c.config.MaxAttempts).
				Msg("Reconnect attempts exhausted, giving up")
			c.doneErr = ErrRetriesExhausted
			c.setState(StateGaveUp)
			return
		}

		delay := b.NextBackOff()
		c.logger.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Scheduling reconnect")
		if !c.config.Sleep(ctx, delay) {
			c.setState(StateDisconnected)
			return
		}
	}
}

// readLoop consumes frames until the connection drops. Returns true for a
// clean closure (normal close code or caller-requested), false for anything
// that should trigger a retry.
func (c *Client) readLoop(conn wireConn) bool {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.closeRequested.Load() {
				return true
			}
			return websocket.IsCloseError(err, websocket.CloseNormalClosure)
		}
		if c.config.OnMessage != nil {
			c.config.OnMessage(data)
		}
	}
}

// Subscribe binds the client to an identity on the current channel and
// records it for automatic resubscription after reconnects.
func (c *Client) Subscribe(userID string) error {
	c.mu.Lock()
	c.identity = userID
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// Not connected yet; the subscription is issued on connect.
		return nil
	}
	return c.writeEnvelope(conn, "subscribe", map[string]any{"userId": userID})
}

// Unsubscribe removes the identity binding. The connection stays open.
func (c *Client) Unsubscribe() error {
	c.mu.Lock()
	userID := c.identity
	c.identity = ""
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || userID == "" {
		return nil
	}
	return c.writeEnvelope(conn, "unsubscribe", map[string]any{"userId": userID})
}

// Close is the caller-initiated disconnect. It short-circuits the retry
// loop: no reconnect attempt is ever scheduled after Close.
func (c *Client) Close() error {
	c.closeRequested.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	// Best effort close handshake; tearing down the socket is what matters.
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	userID := c.identity
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || userID == "" {
		return
	}
	if err := c.writeEnvelope(conn, "subscribe", map[string]any{"userId": userID}); err != nil {
		c.logger.Warn().Err(err).Str("identity", userID).Msg("Resubscribe failed")
	}
}

func (c *Client) writeEnvelope(conn wireConn, msgType string, payload any) error {
	data, err := json.Marshal(map[string]any{
		"type":    msgType,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setConn(conn wireConn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) setState(state ConnState) {
	prev := c.state.Swap(state)
	if prev == state {
		return
	}
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(state)
	}
}
