package ws

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/molochain/realtime/internal/monitoring"
)

// Clock abstracts time for the heartbeat monitor so sweeps can be tested
// deterministically with a fake clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// MonitorConfig holds heartbeat tuning. Zero values fall back to defaults:
// 30s ping interval, 60s sweep interval, timeout of 2× the ping interval.
type MonitorConfig struct {
	PingInterval  time.Duration
	SweepInterval time.Duration
	Timeout       time.Duration
	Clock         Clock
}

// Monitor drives the per-connection liveness state machine:
//
//	ALIVE → (ping sent) → AWAITING_PONG → (pong) → ALIVE
//	AWAITING_PONG → (timeout elapsed) → EVICTED
//
// Pings go out on a fixed interval; a separate sweep evicts any connection
// whose last heartbeat is older than the timeout. A ping that fails to send
// is treated the same as a timeout: the socket is already broken, so the
// connection is evicted immediately. Evictions are events, not errors.
type Monitor struct {
	registry *Registry
	logger   zerolog.Logger

	pingInterval  time.Duration
	sweepInterval time.Duration
	timeout       time.Duration
	clock         Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(registry *Registry, logger zerolog.Logger, config MonitorConfig) *Monitor {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * config.PingInterval
	}
	if config.Clock == nil {
		config.Clock = systemClock{}
	}

	return &Monitor{
		registry:      registry,
		logger:        logger.With().Str("component", "heartbeat").Logger(),
		pingInterval:  config.PingInterval,
		sweepInterval: config.SweepInterval,
		timeout:       config.Timeout,
		clock:         config.Clock,
	}
}

// Start launches the ping and sweep loops until ctx is cancelled or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		defer monitoring.RecoverPanic(m.logger, "heartbeat_ping", nil)

		ticker := time.NewTicker(m.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.PingAll()
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer m.wg.Done()
		defer monitoring.RecoverPanic(m.logger, "heartbeat_sweep", nil)

		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.SweepOnce()
			case <-ctx.Done():
				return
			}
		}
	}()

	m.logger.Info().
		Dur("ping_interval", m.pingInterval).
		Dur("sweep_interval", m.sweepInterval).
		Dur("timeout", m.timeout).
		Msg("Heartbeat monitor started")
}

// Stop halts both loops and waits for them to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// PingAll sends a ping frame to every open connection. Connections whose
// socket rejects the write are evicted on the spot.
func (m *Monitor) PingAll() {
	for _, c := range m.registry.AllConns() {
		if c.State() != StateOpen {
			continue
		}
		if err := c.Ping(); err != nil {
			m.registry.Evict(c, EvictPingFailed)
			continue
		}
		monitoring.HeartbeatPingsSent.Inc()
	}
}

// SweepOnce scans all connections and evicts those whose last heartbeat is
// older than the timeout. A connection removed concurrently by its close
// handler is tolerated: eviction of an absent connection is a no-op.
func (m *Monitor) SweepOnce() {
	now := m.clock.Now()
	for _, c := range m.registry.AllConns() {
		if now.Sub(c.LastHeartbeat()) > m.timeout {
			m.logger.Warn().
				Int64("conn_id", c.ID()).
				Str("channel", c.Channel()).
				Time("last_heartbeat", c.LastHeartbeat()).
				Msg("Connection stale, evicting")
			m.registry.Evict(c, EvictTimeout)
		}
	}
}

// Timeout returns the configured staleness threshold.
func (m *Monitor) Timeout() time.Duration { return m.timeout }
