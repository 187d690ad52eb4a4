package ws

import (
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Time allowed to complete a single frame write before the socket is
// considered broken.
const writeWait = 5 * time.Second

// gobwasTransport adapts a raw upgraded net.Conn to the Transport interface.
// Callers (Conn) serialize writes, so no internal locking is needed here.
type gobwasTransport struct {
	conn net.Conn
}

func newGobwasTransport(conn net.Conn) *gobwasTransport {
	return &gobwasTransport{conn: conn}
}

func (t *gobwasTransport) WriteText(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(t.conn, ws.OpText, data)
}

func (t *gobwasTransport) WritePing(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(t.conn, ws.OpPing, data)
}

func (t *gobwasTransport) Close() error {
	// Best effort close frame; the peer may already be gone.
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	wsutil.WriteServerMessage(t.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	return t.conn.Close()
}
