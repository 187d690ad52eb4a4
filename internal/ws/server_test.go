package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	s := NewServer(ServerConfig{
		Channels:       []string{"notifications", "tracking"},
		MaxConnections: 16,
	}, zerolog.Nop(), nil)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialChannel(t *testing.T, ts *httptest.Server, channel string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/"+channel), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (string, map[string]any, string) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Type      string         `json:"type"`
		Payload   map[string]any `json:"payload"`
		Timestamp string         `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Type, env.Payload, env.Timestamp
}

func subscribe(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()

	req, err := json.Marshal(map[string]any{
		"type":    "subscribe",
		"payload": map[string]any{"userId": userID},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))
}

func TestSubscribeAndNotifyEndToEnd(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dialChannel(t, ts, "notifications")

	subscribe(t, conn, "42")

	msgType, payload, _ := readEnvelope(t, conn)
	assert.Equal(t, "subscribed", msgType)
	assert.Equal(t, "42", payload["userId"])
	assert.Equal(t, "Successfully subscribed to notifications", payload["message"])

	// The ack confirms the binding, so the identity is now addressable.
	delivered, err := s.Router().SendToIdentity("42", Message{
		Type:    "notification",
		Payload: map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	assert.True(t, delivered)

	msgType, payload, timestamp := readEnvelope(t, conn)
	assert.Equal(t, "notification", msgType)
	assert.Equal(t, "hi", payload["text"])

	parsed, err := time.Parse(time.RFC3339Nano, timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, time.Minute)
}

func TestUnsubscribeStopsIdentityDelivery(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dialChannel(t, ts, "notifications")

	subscribe(t, conn, "42")
	msgType, _, _ := readEnvelope(t, conn)
	require.Equal(t, "subscribed", msgType)

	req, err := json.Marshal(map[string]any{
		"type":    "unsubscribe",
		"payload": map[string]any{"userId": "42"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

	msgType, _, _ = readEnvelope(t, conn)
	require.Equal(t, "unsubscribed", msgType)

	delivered, err := s.Router().SendToIdentity("42", Message{Type: "notification", Payload: "x"})
	require.NoError(t, err)
	assert.False(t, delivered, "the identity is no longer addressable")
	assert.Equal(t, 1, s.Registry().Len(), "the connection itself stays open")
}

func TestBroadcastReachesChannelMembers(t *testing.T) {
	s, ts := newTestServer(t)
	conn1 := dialChannel(t, ts, "tracking")
	conn2 := dialChannel(t, ts, "tracking")

	require.Eventually(t, func() bool {
		return s.Registry().Len() == 2
	}, 5*time.Second, 10*time.Millisecond)

	delivered, err := s.Router().Broadcast("tracking", Message{
		Type:    "notification",
		Payload: map[string]any{"event": "shipment_update"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		msgType, payload, _ := readEnvelope(t, conn)
		assert.Equal(t, "notification", msgType)
		assert.Equal(t, "shipment_update", payload["event"])
	}
}

func TestApplicationPingAnswered(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialChannel(t, ts, "notifications")

	req, err := json.Marshal(map[string]any{"type": "ping", "payload": map[string]any{}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

	msgType, payload, _ := readEnvelope(t, conn)
	assert.Equal(t, "pong", msgType)
	assert.Contains(t, payload, "ts")
}

func TestCleanCloseRemovesConnection(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dialChannel(t, ts, "notifications")

	require.Eventually(t, func() bool {
		return s.Registry().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	require.Eventually(t, func() bool {
		return s.Registry().Len() == 0
	}, 5*time.Second, 10*time.Millisecond, "close handler must remove the connection")
}

func TestUnknownChannelPathRejected(t *testing.T) {
	_, ts := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/unknown"), nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestCapacityLimitRejectsUpgrade(t *testing.T) {
	s := NewServer(ServerConfig{
		Channels:       []string{"notifications"},
		MaxConnections: 1,
	}, zerolog.Nop(), nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	first, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/notifications"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { first.Close() })

	require.Eventually(t, func() bool {
		return s.Registry().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/notifications"), nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dialChannel(t, ts, "notifications")
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.Registry().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status            string `json:"status"`
		TotalConnections  int64  `json:"totalConnections"`
		ActiveConnections int    `json:"activeConnections"`
		Services          []struct {
			Name        string `json:"name"`
			Status      string `json:"status"`
			Connections int    `json:"connections"`
		} `json:"services"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))

	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, int64(1), health.TotalConnections)
	assert.Equal(t, 1, health.ActiveConnections)
	require.Len(t, health.Services, 2)
}

func TestInvalidJSONIgnored(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dialChannel(t, ts, "notifications")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// The connection survives malformed input.
	subscribe(t, conn, "42")
	msgType, _, _ := readEnvelope(t, conn)
	assert.Equal(t, "subscribed", msgType)
	assert.True(t, s.Registry().IsConnected("42"))
}
