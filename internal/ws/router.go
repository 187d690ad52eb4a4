package ws

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/molochain/realtime/internal/monitoring"
)

// Router delivers typed messages to connections by identity or channel.
//
// Delivery is best-effort and partial-failure tolerant: a socket that fails
// mid-send is evicted but never aborts delivery to the remaining sockets,
// and one broken connection never surfaces as an error to the producer.
// The only synchronous failure is a payload that cannot be encoded, which is
// a caller bug and is rejected up front.
type Router struct {
	registry *Registry
	logger   zerolog.Logger
	now      func() time.Time
}

func NewRouter(registry *Registry, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   logger.With().Str("component", "router").Logger(),
		now:      time.Now,
	}
}

// SendToIdentity delivers msg to every open connection bound to identity.
// Returns true if at least one send succeeded; false when the identity has
// no connections or every send failed. ErrNotEncodable is returned
// synchronously for a payload that cannot be serialized.
func (rt *Router) SendToIdentity(identity string, msg Message) (bool, error) {
	data, err := encodeServerMessage(msg, rt.now())
	if err != nil {
		return false, err
	}

	conns := rt.registry.FindByIdentity(identity)
	if len(conns) == 0 {
		monitoring.NotificationsDropped.WithLabelValues("not_connected").Inc()
		return false, nil
	}

	delivered := false
	for _, c := range conns {
		if c.State() != StateOpen {
			continue
		}
		if err := c.Send(data); err != nil {
			rt.registry.Evict(c, EvictSendFailed)
			continue
		}
		delivered = true
		monitoring.NotificationsDelivered.Inc()
	}

	if !delivered {
		monitoring.NotificationsDropped.WithLabelValues("send_failed").Inc()
	}
	return delivered, nil
}

// Broadcast delivers msg to every open connection in channel and returns the
// number of successful deliveries. The message is serialized once for all
// recipients.
func (rt *Router) Broadcast(channel string, msg Message) (int, error) {
	data, err := encodeServerMessage(msg, rt.now())
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, c := range rt.registry.ChannelConns(channel) {
		if c.State() != StateOpen {
			continue
		}
		if err := c.Send(data); err != nil {
			rt.registry.Evict(c, EvictSendFailed)
			continue
		}
		delivered++
		monitoring.NotificationsDelivered.Inc()
	}

	rt.logger.Debug().
		Str("channel", channel).
		Str("type", msg.Type).
		Int("delivered", delivered).
		Msg("Broadcast complete")
	return delivered, nil
}
