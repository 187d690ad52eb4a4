package ws

import (
	"sync/atomic"
	"time"

	"github.com/molochain/realtime/internal/monitoring"
)

// ServiceHealth is one channel's entry in the health snapshot.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// Snapshot is a point-in-time, read-only view of gateway health. It is a
// value copy: consumers cannot mutate gateway state through it, and it is
// never updated in place.
type Snapshot struct {
	Status            string          `json:"status"`
	TotalConnections  int64           `json:"totalConnections"`
	ActiveConnections int             `json:"activeConnections"`
	Services          []ServiceHealth `json:"services"`
	Evictions         int64           `json:"evictions"`
	LastHeartbeat     time.Time       `json:"lastHeartbeat"`
	UptimeSeconds     float64         `json:"uptimeSeconds"`

	System struct {
		CPUPercent float64 `json:"cpuPercent"`
		MemoryMB   float64 `json:"memoryMB"`
		Goroutines int     `json:"goroutines"`
	} `json:"system"`
}

// Reporter aggregates registry and heartbeat state into health snapshots.
// Status computes as O(number of configured channels); it is safe to call at
// arbitrarily high frequency and never blocks on anything but the registry's
// read lock.
type Reporter struct {
	registry *Registry
	sysmon   *monitoring.SystemMonitor
	channels []string

	startTime      time.Time
	totalConns     atomic.Int64
	evictions      atomic.Int64
	lastErrorAt    atomic.Int64 // unix nanos, 0 = never
	lastHeartbeat  atomic.Int64
	degradedWindow time.Duration
	now            func() time.Time
}

// NewReporter builds a reporter over the given registry. channels is the
// configured channel list, so idle channels still appear in snapshots.
// sysmon may be nil; the system section then reports zeros.
func NewReporter(registry *Registry, channels []string, sysmon *monitoring.SystemMonitor) *Reporter {
	r := &Reporter{
		registry:       registry,
		sysmon:         sysmon,
		channels:       channels,
		startTime:      time.Now(),
		degradedWindow: time.Minute,
		now:            time.Now,
	}

	registry.OnEvict(func(c *Conn, reason EvictReason) {
		r.evictions.Add(1)
		r.lastErrorAt.Store(r.now().UnixNano())
	})
	return r
}

// ConnectionOpened records a successful upgrade.
func (r *Reporter) ConnectionOpened() {
	r.totalConns.Add(1)
}

// HeartbeatSeen records a pong from any connection.
func (r *Reporter) HeartbeatSeen() {
	r.lastHeartbeat.Store(r.now().UnixNano())
}

// Status returns a fresh snapshot. The gateway reports "degraded" while a
// failure-driven eviction happened within the last minute, "healthy"
// otherwise.
func (r *Reporter) Status() Snapshot {
	counts := r.registry.ChannelCounts()

	snap := Snapshot{
		Status:            "healthy",
		TotalConnections:  r.totalConns.Load(),
		ActiveConnections: r.registry.Len(),
		Services:          make([]ServiceHealth, 0, len(r.channels)),
		Evictions:         r.evictions.Load(),
		UptimeSeconds:     r.now().Sub(r.startTime).Seconds(),
	}

	if ns := r.lastHeartbeat.Load(); ns != 0 {
		snap.LastHeartbeat = time.Unix(0, ns)
	}

	if ns := r.lastErrorAt.Load(); ns != 0 && r.now().Sub(time.Unix(0, ns)) < r.degradedWindow {
		snap.Status = "degraded"
	}

	for _, name := range r.channels {
		status := "idle"
		if counts[name] > 0 {
			status = "active"
		}
		snap.Services = append(snap.Services, ServiceHealth{
			Name:        name,
			Status:      status,
			Connections: counts[name],
		})
	}

	if r.sysmon != nil {
		m := r.sysmon.Metrics()
		snap.System.CPUPercent = m.CPUPercent
		snap.System.MemoryMB = m.MemoryMB
		snap.System.Goroutines = m.Goroutines
	}

	return snap
}
