package ws

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/molochain/realtime/internal/monitoring"
)

// EvictReason classifies why a connection was forcibly removed.
type EvictReason string

const (
	EvictTimeout    EvictReason = "heartbeat_timeout"
	EvictPingFailed EvictReason = "ping_failed"
	EvictSendFailed EvictReason = "send_failed"
)

// EvictHandler is notified after a connection has been evicted and removed.
// Handlers run synchronously under no lock; they must not call back into the
// registry for the evicted connection.
type EvictHandler func(c *Conn, reason EvictReason)

// Registry maps channels and identities to live connections.
//
// Two maps are maintained:
//   - channels: channel name → set of connections (broadcast scope)
//   - identities: identity → set of connections (a user with several tabs or
//     devices has several entries)
//
// The identity index is a secondary index only: every connection it
// references lives in exactly one channel set, and its lifecycle mirrors the
// connection's. All mutations are serialized behind one mutex so concurrent
// removals of the same connection cannot race.
type Registry struct {
	mu         sync.RWMutex
	channels   map[string]map[*Conn]struct{}
	identities map[string]map[*Conn]struct{}
	identityOf map[*Conn]string

	evictMu       sync.RWMutex
	evictHandlers []EvictHandler

	logger zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		channels:   make(map[string]map[*Conn]struct{}),
		identities: make(map[string]map[*Conn]struct{}),
		identityOf: make(map[*Conn]string),
		logger:     logger.With().Str("component", "registry").Logger(),
	}
}

// OnEvict registers a handler fired whenever a connection is evicted.
func (r *Registry) OnEvict(h EvictHandler) {
	r.evictMu.Lock()
	defer r.evictMu.Unlock()
	r.evictHandlers = append(r.evictHandlers, h)
}

// Add inserts the connection into the channel's set. Idempotent: adding a
// connection that is already present is a no-op.
func (r *Registry) Add(channel string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.channels[channel]
	if !ok {
		set = make(map[*Conn]struct{})
		r.channels[channel] = set
	}
	set[c] = struct{}{}
}

// Remove deletes the connection from the channel's set, along with any
// identity binding. Removing the last connection from a channel drops the
// channel entry; no empty sets are retained. Idempotent: removing an absent
// connection never errors.
func (r *Registry) Remove(channel string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(channel, c)
}

func (r *Registry) removeLocked(channel string, c *Conn) {
	if set, ok := r.channels[channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.channels, channel)
		}
	}
	r.unbindLocked(c)
}

// Bind associates the connection with an identity within its channel.
// A connection holds at most one identity; rebinding replaces the previous
// one. The connection must already be registered in a channel.
func (r *Registry) Bind(identity string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[c.Channel()][c]; !ok {
		// Not registered (already removed); refuse so the identity index
		// never references a connection outside a channel set.
		return false
	}

	r.unbindLocked(c)

	set, ok := r.identities[identity]
	if !ok {
		set = make(map[*Conn]struct{})
		r.identities[identity] = set
	}
	set[c] = struct{}{}
	r.identityOf[c] = identity
	monitoring.SubscriptionsActive.Set(float64(len(r.identityOf)))
	return true
}

// Unbind removes the connection's identity binding. The connection stays
// open and registered; it is just no longer addressable by identity.
func (r *Registry) Unbind(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindLocked(c)
}

func (r *Registry) unbindLocked(c *Conn) {
	identity, ok := r.identityOf[c]
	if !ok {
		return
	}
	delete(r.identityOf, c)
	if set, ok := r.identities[identity]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.identities, identity)
		}
	}
	monitoring.SubscriptionsActive.Set(float64(len(r.identityOf)))
}

// FindByIdentity returns all live connections bound to the identity. The
// returned slice is a copy; callers cannot mutate registry state through it.
func (r *Registry) FindByIdentity(identity string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.identities[identity]
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// IsConnected reports whether at least one connection for the identity is
// currently open.
func (r *Registry) IsConnected(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.identities[identity] {
		if c.State() == StateOpen {
			return true
		}
	}
	return false
}

// ChannelConns returns a snapshot of the connections in a channel.
func (r *Registry) ChannelConns(channel string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.channels[channel]
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// AllConns returns a snapshot of every registered connection.
func (r *Registry) AllConns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Conn
	for _, set := range r.channels {
		for c := range set {
			conns = append(conns, c)
		}
	}
	return conns
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, set := range r.channels {
		n += len(set)
	}
	return n
}

// ChannelCounts returns connection counts per channel. Cost is
// O(number of channels).
func (r *Registry) ChannelCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.channels))
	for channel, set := range r.channels {
		counts[channel] = len(set)
	}
	return counts
}

// Evict forcibly closes and removes a connection. This is the single path
// for failure-driven removal (heartbeat timeout, broken send); clean client
// closes go through Remove from the connection's read loop instead.
// Evicting an already-removed connection is a no-op apart from the
// (idempotent) transport close.
func (r *Registry) Evict(c *Conn, reason EvictReason) {
	c.Close()

	r.mu.Lock()
	set, present := r.channels[c.Channel()]
	if present {
		_, present = set[c]
	}
	r.removeLocked(c.Channel(), c)
	r.mu.Unlock()

	if !present {
		return
	}

	monitoring.EvictionsTotal.WithLabelValues(string(reason)).Inc()
	r.logger.Warn().
		Int64("conn_id", c.ID()).
		Str("channel", c.Channel()).
		Str("reason", string(reason)).
		Msg("Connection evicted")

	r.evictMu.RLock()
	handlers := r.evictHandlers
	r.evictMu.RUnlock()
	for _, h := range handlers {
		h(c, reason)
	}
}
