package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

var errClosed = errors.New("signal client closed")

// Config describes how to reach the relay.
type Config struct {
	// URL is the relay websocket endpoint, e.g. ws://relay:8080/ws.
	URL          string
	Token        string
	Identity     domain.Identity
	PingInterval time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	Log          *logrus.Entry
}

// Client manages the WebSocket connection to the relay. It implements
// domain.SignalingChannel.
type Client struct {
	cfg     Config
	conn    *websocket.Conn
	log     *logrus.Entry
	handler domain.EnvelopeHandler

	mu sync.Mutex // serializes writes on conn

	pmu     sync.Mutex
	pending map[string]chan domain.Frame

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewClient creates a signaling client. Envelopes addressed to the local
// identity are delivered to handler, which may be nil until Subscribe.
func NewClient(cfg Config, handler domain.EnvelopeHandler) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		cfg:     cfg,
		log:     cfg.Log.WithFields(logrus.Fields{"component": "signal", "identity": cfg.Identity}),
		handler: handler,
		pending: make(map[string]chan domain.Frame),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Subscribe replaces the envelope handler.
func (c *Client) Subscribe(h domain.EnvelopeHandler) {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	c.handler = h
}

// Connect dials the relay and starts the read and ping loops.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()

	c.log.WithField("relay", u.Host).Info("connecting to relay")

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: websocket dial: %s: %w", domain.ErrTransportUnavailable, resp.Status, err)
		}
		return fmt.Errorf("%w: websocket dial: %w", domain.ErrTransportUnavailable, err)
	}
	c.conn = conn

	go c.readLoop()
	go c.pingLoop()

	return nil
}

// Done is closed once the connection to the relay is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts down the WebSocket connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn == nil {
			close(c.done)
			return
		}
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Send relays env to env.To.
func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	data, err := domain.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	err = c.writeFrame(ctx, domain.Frame{Op: domain.OpEnvelope, To: env.To, Data: data})
	if err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{
		"kind":       env.Kind(),
		"to":         env.To,
		"session_id": env.SessionID,
	}).Debug(">>> envelope")
	return nil
}

// IsOnline asks the relay whether id has a live connection.
func (c *Client) IsOnline(ctx context.Context, id domain.Identity) (bool, error) {
	reqID := uuid.NewString()
	ch := make(chan domain.Frame, 1)

	c.pmu.Lock()
	c.pending[reqID] = ch
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, reqID)
		c.pmu.Unlock()
	}()

	if err := c.writeFrame(ctx, domain.Frame{Op: domain.OpPresence, ID: reqID, Identity: id}); err != nil {
		return false, err
	}

	select {
	case f := <-ch:
		if f.Op == domain.OpError {
			return false, fmt.Errorf("%w: presence: %s", domain.ErrTransportUnavailable, f.Message)
		}
		return f.Online, nil
	case <-c.done:
		return false, fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, errClosed)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Client) writeFrame(ctx context.Context, f domain.Frame) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, errClosed)
	default:
	}
	if c.conn == nil {
		return fmt.Errorf("%w: not connected", domain.ErrTransportUnavailable)
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %w", domain.ErrTransportUnavailable, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.WithError(err).Warn("relay read failed")
			}
			return
		}

		var f domain.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.WithError(err).Warn("unreadable frame from relay")
			continue
		}

		c.dispatch(f)
	}
}

func (c *Client) dispatch(f domain.Frame) {
	switch f.Op {
	case domain.OpEnvelope:
		env, err := domain.DecodeEnvelope(f.Data)
		if err != nil {
			c.log.WithError(err).WithField("from", f.From).Warn("malformed envelope dropped")
			return
		}
		if env.From != f.From {
			c.log.WithFields(logrus.Fields{
				"claimed": env.From,
				"from":    f.From,
			}).Warn("envelope with forged sender dropped")
			return
		}
		c.log.WithFields(logrus.Fields{
			"kind":       env.Kind(),
			"from":       env.From,
			"session_id": env.SessionID,
		}).Debug("<<< envelope")

		c.pmu.Lock()
		h := c.handler
		c.pmu.Unlock()
		if h != nil {
			h.OnEnvelope(env)
		}

	case domain.OpPresenceResult, domain.OpError:
		c.pmu.Lock()
		ch, ok := c.pending[f.ID]
		c.pmu.Unlock()
		if ok {
			select {
			case ch <- f:
			default:
				c.log.WithField("id", f.ID).Debug("extra reply for answered request dropped")
			}
			return
		}
		if f.Op == domain.OpError {
			c.log.WithFields(logrus.Fields{
				"id":      f.ID,
				"message": f.Message,
			}).Warn("relay error")
		}

	default:
		c.log.WithField("op", f.Op).Debug("unhandled frame")
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(c.cfg.WriteTimeout),
			)
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.WithError(err).Warn("ping failed")
				}
				return
			}
		}
	}
}
