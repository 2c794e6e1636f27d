package notifier

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn serializes writes to one browser connection
type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func newWSConn(conn *websocket.Conn, writeWait time.Duration) *wsConn {
	return &wsConn{conn: conn, writeWait: writeWait}
}

// Send writes msg as one text frame within the write deadline. A failed send closes
// the socket, so the reader returns and the peer sees the connection drop.
func (c *wsConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err == nil {
		err = c.conn.WriteMessage(websocket.TextMessage, msg)
	}
	if err != nil {
		_ = c.conn.Close()
	}
	return err
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

func (c *wsConn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeWait))
	_ = c.conn.Close()
}

// keepAlive pings the peer until done is closed or a ping fails
func (c *wsConn) keepAlive(period time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// readUntilClosed discards client frames; it returns when the peer goes away or misses a pong
func (c *wsConn) readUntilClosed(maxMessage int64, pongWait time.Duration) error {
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return err
		}
		// any client frame counts as keep-alive
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
