package relay

import (
	"encoding/json"
	"time"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	writeWait = 10 * time.Second
	// pongWait bounds the silence tolerated from a client; clients ping well
	// inside it.
	pongWait       = 60 * time.Second
	maxMessageSize = 64 << 10
	sendBufferSize = 256
)

// conn is one websocket connection. Data frames are written only by
// writePump; pongs go out through WriteControl.
type conn struct {
	hub      *Hub
	ws       *websocket.Conn
	id       string
	identity domain.Identity
	send     chan []byte
	limiter  *rate.Limiter
	log      *logrus.Entry
}

func (c *conn) readPump() {
	defer func() {
		c.hub.remove(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.ws.SetPingHandler(func(data string) error {
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("unexpected close")
			}
			return
		}
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		var f domain.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.reply(domain.Frame{Op: domain.OpError, Message: "unreadable frame"})
			continue
		}
		c.handleFrame(f)
	}
}

func (c *conn) handleFrame(f domain.Frame) {
	switch f.Op {
	case domain.OpEnvelope:
		if f.To == "" || len(f.Data) == 0 {
			c.reply(domain.Frame{Op: domain.OpError, ID: f.ID, Message: "envelope without target or data"})
			return
		}
		if !c.limiter.Allow() {
			c.hub.metrics.Envelope(StatusRateLimited)
			c.reply(domain.Frame{Op: domain.OpError, ID: f.ID, To: f.To, Message: "rate limited"})
			return
		}

		out, err := json.Marshal(domain.Frame{Op: domain.OpEnvelope, From: c.identity, To: f.To, Data: f.Data})
		if err != nil {
			return
		}
		if c.hub.deliver(f.To, out) == 0 {
			c.hub.metrics.Envelope(StatusOffline)
			c.reply(domain.Frame{Op: domain.OpError, ID: f.ID, To: f.To, Message: "recipient offline"})
			return
		}
		c.hub.metrics.Envelope(StatusDelivered)

	case domain.OpPresence:
		c.reply(domain.Frame{
			Op:       domain.OpPresenceResult,
			ID:       f.ID,
			Identity: f.Identity,
			Online:   c.hub.Online(f.Identity),
		})

	default:
		c.log.WithField("op", f.Op).Debug("unknown op")
		c.reply(domain.Frame{Op: domain.OpError, ID: f.ID, Message: "unknown op"})
	}
}

// reply queues a frame for this connection only.
func (c *conn) reply(f domain.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.log.WithError(err).Error("marshal reply")
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c.identity][c] {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("send queue full, reply dropped")
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()

	for msg := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
