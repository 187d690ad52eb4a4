package ws

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(r *Registry, clock *fakeClock) *Monitor {
	return NewMonitor(r, zerolog.Nop(), MonitorConfig{
		PingInterval:  30 * time.Second,
		SweepInterval: 60 * time.Second,
		Clock:         clock,
	})
}

func TestTimeoutDefaultsToTwicePingInterval(t *testing.T) {
	m := newTestMonitor(newTestRegistry(), newFakeClock())
	assert.Equal(t, 60*time.Second, m.Timeout())
}

func TestPingAllSendsToOpenConnections(t *testing.T) {
	r := newTestRegistry()
	transport := &fakeTransport{}
	c := NewConn("notifications", transport)
	r.Add("notifications", c)

	m := newTestMonitor(r, newFakeClock())
	m.PingAll()

	assert.Equal(t, 1, transport.pingCount())
	assert.True(t, c.AwaitingPong())
}

func TestPingFailureEvictsImmediately(t *testing.T) {
	r := newTestRegistry()
	c := NewConn("notifications", &fakeTransport{failPing: true})
	r.Add("notifications", c)

	var reason EvictReason
	r.OnEvict(func(_ *Conn, rs EvictReason) { reason = rs })

	m := newTestMonitor(r, newFakeClock())
	m.PingAll()

	assert.Equal(t, EvictPingFailed, reason, "a broken socket is evicted, not reported as an error")
	assert.Equal(t, 0, r.Len())
}

func TestEvictionLiveness(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry()
	transport := &fakeTransport{}
	c := newConnAt("notifications", transport, clock.Now)
	r.Add("notifications", c)
	require.True(t, r.Bind("42", c))

	evicted := false
	r.OnEvict(func(_ *Conn, reason EvictReason) {
		evicted = true
		assert.Equal(t, EvictTimeout, reason)
	})

	m := newTestMonitor(r, clock)

	// Within the timeout window: nothing happens.
	clock.Advance(59 * time.Second)
	m.SweepOnce()
	assert.False(t, evicted)
	assert.Equal(t, 1, r.Len())

	// Past the 2× ping interval threshold: deterministic eviction.
	clock.Advance(2 * time.Second)
	m.SweepOnce()
	assert.True(t, evicted)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.FindByIdentity("42"), "no stale identity references after eviction")
	assert.True(t, transport.isClosed())
}

func TestPongResetsStaleness(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry()
	c := newConnAt("notifications", &fakeTransport{}, clock.Now)
	r.Add("notifications", c)

	m := newTestMonitor(r, clock)

	require.NoError(t, c.Ping())
	require.True(t, c.AwaitingPong())

	clock.Advance(45 * time.Second)
	c.MarkPong()
	assert.False(t, c.AwaitingPong())

	// 45s since the pong, 90s since connect: still alive.
	clock.Advance(45 * time.Second)
	m.SweepOnce()
	assert.Equal(t, 1, r.Len())

	// 105s since the pong: stale.
	clock.Advance(60 * time.Second)
	m.SweepOnce()
	assert.Equal(t, 0, r.Len())
}

func TestSweepToleratesAlreadyRemovedConnection(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry()
	c := newConnAt("notifications", &fakeTransport{}, clock.Now)
	r.Add("notifications", c)

	// Clean close raced ahead of the sweep.
	c.Close()
	r.Remove("notifications", c)

	clock.Advance(5 * time.Minute)
	assert.NotPanics(t, func() { m := newTestMonitor(r, clock); m.SweepOnce() })
	assert.Equal(t, 0, r.Len())
}

func TestStartAndStop(t *testing.T) {
	r := newTestRegistry()
	m := NewMonitor(r, zerolog.Nop(), MonitorConfig{
		PingInterval:  10 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	m.Stop()
}
