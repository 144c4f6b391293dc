package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"telechat/internal/chat"
)

// clientConn is the write side of one websocket. Events are queued without
// blocking; a client that lets its queue fill up is disconnected.
type clientConn struct {
	rawConn *websocket.Conn
	send    chan chat.Event
	done    chan struct{}
	once    sync.Once
}

var _ chat.Outbound = (*clientConn)(nil)

func newClientConn(raw *websocket.Conn, buffer int) *clientConn {
	if buffer <= 0 {
		buffer = 64
	}
	return &clientConn{
		rawConn: raw,
		send:    make(chan chat.Event, buffer),
		done:    make(chan struct{}),
	}
}

func (c *clientConn) Push(evt chat.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- evt:
		return true
	default:
		zap.L().Warn("ws.send_queue_full", zap.String("event", evt.Name))
		c.Close()
		return false
	}
}

func (c *clientConn) Close() {
	c.once.Do(func() { close(c.done) })
}

// writePump owns every write to the socket: queued events and pings.
func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.rawConn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.rawConn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case evt := <-c.send:
			if err := c.writeEvent(evt); err != nil {
				zap.L().Debug("ws.write", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.rawConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *clientConn) writeEvent(evt chat.Event) error {
	var body json.RawMessage
	if evt.Body != nil {
		b, err := json.Marshal(evt.Body)
		if err != nil {
			return err
		}
		body = b
	}
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.rawConn.WriteJSON(Envelope{Event: evt.Name, Body: body})
}
