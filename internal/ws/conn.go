package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrConnClosed is returned by Send and Ping when the connection is no
// longer open.
var ErrConnClosed = errors.New("connection is closed")

// Transport is the narrow capability set the registry, router and heartbeat
// monitor need from the underlying socket. Keeping this small means the core
// depends on an abstraction, not on a concrete WebSocket library, and tests
// can substitute an in-memory fake.
type Transport interface {
	// WriteText sends a single text frame. Must preserve call order.
	WriteText(data []byte) error
	// WritePing sends a ping control frame.
	WritePing(data []byte) error
	// Close tears down the underlying socket. Safe to call more than once.
	Close() error
}

// Conn is a live connection tracked by the registry.
//
// The registry owns the Conn for its lifetime; the transport owns the raw
// socket. All writes are serialized through a mutex so messages queued for
// the same connection are never reordered.
type Conn struct {
	id        int64
	channel   string
	transport Transport

	writeMu   sync.Mutex
	state     atomic.Int32
	closeOnce sync.Once

	// Heartbeat bookkeeping, unix nanos. Written by the monitor and the
	// read loop, read by the sweep.
	lastHeartbeat atomic.Int64
	pingSentAt    atomic.Int64
	awaitingPong  atomic.Bool

	now func() time.Time
}

var connIDs atomic.Int64

// NewConn wraps a transport into a tracked connection belonging to channel.
// The connection starts OPEN with its heartbeat clock set to now.
func NewConn(channel string, transport Transport) *Conn {
	return newConnAt(channel, transport, time.Now)
}

func newConnAt(channel string, transport Transport, now func() time.Time) *Conn {
	c := &Conn{
		id:        connIDs.Add(1),
		channel:   channel,
		transport: transport,
		now:       now,
	}
	c.state.Store(int32(StateOpen))
	c.lastHeartbeat.Store(now().UnixNano())
	return c
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() int64 { return c.id }

// Channel returns the logical channel this connection belongs to.
func (c *Conn) Channel() string { return c.channel }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Send writes a text frame to the peer. Returns ErrConnClosed if the
// connection is not open; transport errors are returned as-is so the caller
// can decide to evict.
func (c *Conn) Send(data []byte) error {
	if c.State() != StateOpen {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteText(data)
}

// Ping sends a ping frame and records that a pong is now expected.
func (c *Conn) Ping() error {
	if c.State() != StateOpen {
		return ErrConnClosed
	}

	c.pingSentAt.Store(c.now().UnixNano())
	c.awaitingPong.Store(true)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WritePing(nil)
}

// MarkPong records a pong (or any application-level liveness signal) from
// the peer, returning the connection to the alive state.
func (c *Conn) MarkPong() {
	c.awaitingPong.Store(false)
	c.lastHeartbeat.Store(c.now().UnixNano())
}

// LastHeartbeat returns the time of the last liveness signal from the peer.
func (c *Conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// AwaitingPong reports whether a ping is outstanding.
func (c *Conn) AwaitingPong() bool { return c.awaitingPong.Load() }

// Close transitions the connection to CLOSED and tears down the transport.
// Idempotent: only the first call closes the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		err = c.transport.Close()
		c.state.Store(int32(StateClosed))
	})
	return err
}
