// Package ws adapts gorilla/websocket connections to the transport.Conn
// contract: JSON text frames, serialized writes, and keepalive pings.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/statorhq/stator/internal/platform/timeouts"
	"github.com/statorhq/stator/internal/transport"
)

// Cross-origin clients are expected; identity comes from the handshake
// token, not the Origin header.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade switches an HTTP request to a session connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (transport.Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(conn), nil
}

// Conn wraps one websocket connection. Gorilla allows a single concurrent
// writer, so all frame writes funnel through one mutex.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, closed: make(chan struct{})}

	// The session layer rejects oversized frames politely; the read limit
	// is a hard backstop at twice that size.
	ws.SetReadLimit(2 * transport.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(timeouts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(timeouts.PongWait))
	})

	go c.keepalive()
	return c
}

// keepalive pings the peer until the connection closes. A silent peer
// trips the read deadline, which surfaces as a transport fault on Read.
func (c *Conn) keepalive() {
	ticker := time.NewTicker(timeouts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(timeouts.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// Read returns the next frame payload from the client.
func (c *Conn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Write sends one frame as JSON. Safe for concurrent use.
func (c *Conn) Write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeouts.WriteWait))
	return c.ws.WriteJSON(v)
}

// Close sends a close frame and tears the connection down. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(timeouts.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}
