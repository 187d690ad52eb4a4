package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotEncodable is returned when a caller hands the router a message whose
// payload cannot be JSON-encoded. This is a programming error on the producer
// side and is surfaced synchronously instead of being dropped.
var ErrNotEncodable = errors.New("message payload is not encodable")

// Message is an immutable notification handed to the router by a producer.
// The router stamps the server timestamp at delivery time; producers never
// set it themselves.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// clientEnvelope is the client→server wire format: one JSON message per
// text frame.
type clientEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// serverEnvelope is the server→client wire format. Timestamp is ISO-8601.
type serverEnvelope struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// subscribePayload carries the identity for subscribe/unsubscribe requests.
type subscribePayload struct {
	UserID string `json:"userId"`
}

// encodeServerMessage wraps msg in the outbound envelope and serializes it.
// Encoding happens once per delivery, not once per socket.
func encodeServerMessage(msg Message, now time.Time) ([]byte, error) {
	env := serverEnvelope{
		Type:      msg.Type,
		Payload:   msg.Payload,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEncodable, err)
	}
	return data, nil
}
