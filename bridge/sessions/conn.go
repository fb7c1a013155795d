package sessions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tmaxmax/go-sse"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 10 * time.Second

// SSEConn adapts a server-sent-events session to the broker's Conn.
type SSEConn struct {
	sess *sse.Session
}

// NewSSEConn wraps an upgraded SSE session.
func NewSSEConn(sess *sse.Session) *SSEConn {
	return &SSEConn{sess: sess}
}

func (c *SSEConn) SendEvent(name string, data []byte) error {
	msg := &sse.Message{Type: sse.Type(name)}
	msg.AppendData(string(data))
	if err := c.sess.Send(msg); err != nil {
		return err
	}
	return c.sess.Flush()
}

func (c *SSEConn) SendComment(text string) error {
	msg := &sse.Message{}
	msg.AppendComment(text)
	if err := c.sess.Send(msg); err != nil {
		return err
	}
	return c.sess.Flush()
}

// Close is a no-op: the SSE response ends when its handler returns, which the
// broker triggers through the stream's done channel.
func (c *SSEConn) Close() {}

// WSFrame is one message on the WebSocket attach variant. Heartbeats use the
// event name "ping" with the timestamp as data.
type WSFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSConn adapts a WebSocket connection to the broker's Conn.
type WSConn struct {
	ctx  context.Context
	conn *websocket.Conn
}

// NewWSConn wraps an accepted WebSocket connection. ctx bounds every write
// and is normally the request context.
func NewWSConn(ctx context.Context, conn *websocket.Conn) *WSConn {
	return &WSConn{ctx: ctx, conn: conn}
}

func (c *WSConn) write(frame WSFrame) error {
	ctx, cancel := context.WithTimeout(c.ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, frame)
}

func (c *WSConn) SendEvent(name string, data []byte) error {
	return c.write(WSFrame{Event: name, Data: data})
}

func (c *WSConn) SendComment(text string) error {
	data, err := json.Marshal(text)
	if err != nil {
		return err
	}
	return c.write(WSFrame{Event: "ping", Data: data})
}

func (c *WSConn) Close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "stream closed")
}
