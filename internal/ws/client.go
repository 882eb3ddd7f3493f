package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Client represents a websocket client connection.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes a text message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close sends a normal closure frame and terminates the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}
