package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/molochain/realtime/internal/limits"
	"github.com/molochain/realtime/internal/monitoring"
)

// ServerConfig contains the configuration for the gateway server.
type ServerConfig struct {
	Addr           string
	Channels       []string
	MaxConnections int

	PingInterval  time.Duration
	SweepInterval time.Duration

	// Connection rate limiting; nil RateLimiter disables it.
	RateLimiter *limits.ConnectionRateLimiter

	// Grace period for connection draining on shutdown.
	DrainTimeout time.Duration
}

// Server owns the upgrade endpoints and the connection lifecycle. Each
// server constructs its own registry instance, so tests can run several
// isolated gateways side by side.
type Server struct {
	config ServerConfig
	logger zerolog.Logger

	registry *Registry
	monitor  *Monitor
	router   *Router
	reporter *Reporter

	listener   net.Listener
	httpServer *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewServer wires the registry, heartbeat monitor, router and health
// reporter together. sysmon may be nil.
func NewServer(config ServerConfig, logger zerolog.Logger, sysmon *monitoring.SystemMonitor) *Server {
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	registry := NewRegistry(logger)
	s := &Server{
		config:   config,
		logger:   logger,
		registry: registry,
		monitor: NewMonitor(registry, logger, MonitorConfig{
			PingInterval:  config.PingInterval,
			SweepInterval: config.SweepInterval,
		}),
		router:   NewRouter(registry, logger),
		reporter: NewReporter(registry, config.Channels, sysmon),
		ctx:      ctx,
		cancel:   cancel,
	}
	return s
}

// Router returns the notification router for in-process producers and the
// bus ingest.
func (s *Server) Router() *Router { return s.router }

// Registry returns the connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// Reporter returns the health reporter.
func (s *Server) Reporter() *Reporter { return s.reporter }

// Handler builds the HTTP mux: one upgrade endpoint per configured channel
// (exact path match), plus health and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, channel := range s.config.Channels {
		ch := channel
		mux.HandleFunc("/ws/"+ch, func(w http.ResponseWriter, r *http.Request) {
			s.handleUpgrade(w, r, ch)
		})
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	return mux
}

// Start begins listening and launches the heartbeat monitor.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    0, // WebSocket connections are long-lived
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.monitor.Start(s.ctx)

	s.logger.Info().
		Str("addr", s.config.Addr).
		Strs("channels", s.config.Channels).
		Int("max_connections", s.config.MaxConnections).
		Msg("Gateway listening")
	return nil
}

// Shutdown stops accepting connections, waits for active ones to drain
// within the grace period, then force-closes the remainder.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.listener != nil {
		s.listener.Close()
	}

	drainTimer := time.NewTimer(s.config.DrainTimeout)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			remaining := s.registry.Len()
			if remaining > 0 {
				s.logger.Warn().
					Int("remaining", remaining).
					Msg("Grace period expired, force closing connections")
			}
			break drain
		case <-checkTicker.C:
			if s.registry.Len() == 0 {
				s.logger.Info().Msg("All connections drained")
				break drain
			}
		}
	}

	for _, c := range s.registry.AllConns() {
		c.Close()
		s.registry.Remove(c.Channel(), c)
	}

	s.monitor.Stop()
	s.cancel()
	if s.config.RateLimiter != nil {
		s.config.RateLimiter.Stop()
	}
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, channel string) {
	clientIP := clientIP(r)

	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.config.RateLimiter != nil && !s.config.RateLimiter.Allow(clientIP) {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if s.config.MaxConnections > 0 && s.registry.Len() >= s.config.MaxConnections {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_connections", s.config.MaxConnections).
			Msg("Connection rejected: at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	rawConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Str("channel", channel).
			Msg("WebSocket upgrade failed")
		return
	}

	c := NewConn(channel, newGobwasTransport(rawConn))
	s.registry.Add(channel, c)
	s.reporter.ConnectionOpened()
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Set(float64(s.registry.Len()))

	s.logger.Info().
		Int64("conn_id", c.ID()).
		Str("channel", channel).
		Str("client_ip", clientIP).
		Msg("Client connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(c, rawConn)
	}()
}

// readLoop consumes frames from the peer until close or error. Pongs feed
// the heartbeat state; text frames carry the JSON message envelope. A clean
// close removes the connection here rather than through eviction.
func (s *Server) readLoop(c *Conn, rawConn net.Conn) {
	defer monitoring.RecoverPanic(s.logger, "read_loop", map[string]any{
		"conn_id": c.ID(),
	})
	defer func() {
		c.Close()
		s.registry.Remove(c.Channel(), c)
		monitoring.ConnectionsActive.Set(float64(s.registry.Len()))
		s.logger.Info().
			Int64("conn_id", c.ID()).
			Str("channel", c.Channel()).
			Msg("Client disconnected")
	}()

	controlHandler := wsutil.ControlFrameHandler(rawConn, ws.StateServerSide)
	reader := wsutil.Reader{
		Source:         rawConn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: controlHandler,
	}

	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			return
		}

		if hdr.OpCode.IsControl() {
			if err := controlHandler(hdr, &reader); err != nil {
				// Close frame (or a broken control frame): either way the
				// connection is done.
				return
			}
			if hdr.OpCode == ws.OpPong {
				c.MarkPong()
				s.reporter.HeartbeatSeen()
			}
			continue
		}

		data, err := io.ReadAll(&reader)
		if err != nil {
			return
		}

		monitoring.MessagesReceived.Inc()
		if hdr.OpCode == ws.OpText {
			s.handleClientMessage(c, data)
		}
	}
}

// handleClientMessage dispatches one inbound envelope.
func (s *Server) handleClientMessage(c *Conn, data []byte) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn().
			Int64("conn_id", c.ID()).
			Err(err).
			Msg("Client sent invalid JSON")
		return
	}

	switch env.Type {
	case "subscribe":
		var sub subscribePayload
		if err := json.Unmarshal(env.Payload, &sub); err != nil || sub.UserID == "" {
			s.logger.Warn().
				Int64("conn_id", c.ID()).
				Msg("Client sent invalid subscribe request")
			return
		}

		if !s.registry.Bind(sub.UserID, c) {
			return
		}

		s.logger.Info().
			Int64("conn_id", c.ID()).
			Str("channel", c.Channel()).
			Str("identity", sub.UserID).
			Msg("Client subscribed")

		s.sendEnvelope(c, Message{
			Type: "subscribed",
			Payload: map[string]any{
				"userId":  sub.UserID,
				"message": fmt.Sprintf("Successfully subscribed to %s", c.Channel()),
			},
		})

	case "unsubscribe":
		var sub subscribePayload
		if err := json.Unmarshal(env.Payload, &sub); err != nil {
			s.logger.Warn().
				Int64("conn_id", c.ID()).
				Msg("Client sent invalid unsubscribe request")
			return
		}

		s.registry.Unbind(c)
		s.logger.Info().
			Int64("conn_id", c.ID()).
			Str("identity", sub.UserID).
			Msg("Client unsubscribed")

		s.sendEnvelope(c, Message{
			Type:    "unsubscribed",
			Payload: map[string]any{"userId": sub.UserID},
		})

	case "ping":
		// Application-level keep-alive for clients behind proxies that
		// swallow protocol pings.
		c.MarkPong()
		s.reporter.HeartbeatSeen()
		s.sendEnvelope(c, Message{
			Type:    "pong",
			Payload: map[string]any{"ts": time.Now().UnixMilli()},
		})

	default:
		s.logger.Warn().
			Int64("conn_id", c.ID()).
			Str("message_type", env.Type).
			Msg("Client sent unknown message type")
	}
}

func (s *Server) sendEnvelope(c *Conn, msg Message) {
	data, err := encodeServerMessage(msg, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to encode server message")
		return
	}
	if err := c.Send(data); err != nil {
		s.registry.Evict(c, EvictSendFailed)
	}
}

// handleHealth serves the health snapshot consumed by the platform's
// health-check probes and the dashboard status widget.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	json.NewEncoder(w).Encode(s.reporter.Status())
}

// clientIP extracts the client IP, preferring X-Forwarded-For when the
// gateway runs behind the platform load balancer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
