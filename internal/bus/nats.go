// Package bus connects the gateway to the platform's NATS notification bus.
// Backend services publish to it instead of linking the gateway directly:
//
//	molochain.notify.<identity>     → router.SendToIdentity
//	molochain.broadcast.<channel>   → router.Broadcast
//
// Payloads are raw JSON and become the notification payload verbatim.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/molochain/realtime/internal/monitoring"
	"github.com/molochain/realtime/internal/ws"
)

const (
	notifySubjectPrefix    = "molochain.notify."
	broadcastSubjectPrefix = "molochain.broadcast."
)

// Ingest consumes bus messages and feeds them to the router.
type Ingest struct {
	nc     *nats.Conn
	router *ws.Router
	logger zerolog.Logger

	subs []*nats.Subscription
}

// Connect dials NATS and subscribes to the notify and broadcast subjects.
// NATS handles its own reconnection; the gateway just logs transitions.
func Connect(url string, router *ws.Router, logger zerolog.Logger) (*Ingest, error) {
	log := logger.With().Str("component", "bus").Logger()

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	in := &Ingest{nc: nc, router: router, logger: log}

	notifySub, err := nc.Subscribe(notifySubjectPrefix+">", in.handleNotify)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to notify subjects: %w", err)
	}
	broadcastSub, err := nc.Subscribe(broadcastSubjectPrefix+">", in.handleBroadcast)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to broadcast subjects: %w", err)
	}
	in.subs = append(in.subs, notifySub, broadcastSub)

	log.Info().Str("url", url).Msg("Notification bus connected")
	return in, nil
}

func (in *Ingest) handleNotify(msg *nats.Msg) {
	identity, ok := identityFromSubject(msg.Subject)
	if !ok {
		in.logger.Warn().Str("subject", msg.Subject).Msg("Malformed notify subject")
		return
	}
	monitoring.BusMessagesConsumed.WithLabelValues("notify").Inc()

	delivered, err := in.router.SendToIdentity(identity, ws.Message{
		Type:    "notification",
		Payload: json.RawMessage(msg.Data),
	})
	if err != nil {
		in.logger.Error().Err(err).Str("identity", identity).Msg("Undeliverable bus notification")
		return
	}
	if !delivered {
		in.logger.Debug().Str("identity", identity).Msg("Identity not connected, notification dropped")
	}
}

func (in *Ingest) handleBroadcast(msg *nats.Msg) {
	channel, ok := channelFromSubject(msg.Subject)
	if !ok {
		in.logger.Warn().Str("subject", msg.Subject).Msg("Malformed broadcast subject")
		return
	}
	monitoring.BusMessagesConsumed.WithLabelValues("broadcast").Inc()

	delivered, err := in.router.Broadcast(channel, ws.Message{
		Type:    "notification",
		Payload: json.RawMessage(msg.Data),
	})
	if err != nil {
		in.logger.Error().Err(err).Str("channel", channel).Msg("Undeliverable bus broadcast")
		return
	}
	in.logger.Debug().
		Str("channel", channel).
		Int("delivered", delivered).
		Msg("Bus broadcast delivered")
}

// Close drains subscriptions and disconnects.
func (in *Ingest) Close() {
	for _, sub := range in.subs {
		sub.Unsubscribe()
	}
	in.nc.Close()
}

// identityFromSubject extracts the identity from a notify subject.
func identityFromSubject(subject string) (string, bool) {
	id := strings.TrimPrefix(subject, notifySubjectPrefix)
	if id == subject || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// channelFromSubject extracts the channel from a broadcast subject.
func channelFromSubject(subject string) (string, bool) {
	ch := strings.TrimPrefix(subject, broadcastSubjectPrefix)
	if ch == subject || ch == "" || strings.Contains(ch, ".") {
		return "", false
	}
	return ch, true
}
