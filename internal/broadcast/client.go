package broadcast

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gorelay/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Frame types accepted from subscribers.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
)

// Frame is a control message sent by a subscriber.
type Frame struct {
	Type    string          `json:"type"`
	Topics  []string        `json:"topics,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack confirms a subscription change and carries the resulting filter. An
// empty filter means every topic is delivered.
type Ack struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// client is one WebSocket subscriber.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	addr    string
	limiter *rateLimiter

	mu     sync.RWMutex
	topics map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, addr string) *client {
	conn.SetReadLimit(h.opts.MaxMessageSize)
	return &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.opts.SendBuffer),
		addr:    addr,
		limiter: newRateLimiter(h.opts.RateLimit.Burst, h.opts.RateLimit.RefillInterval),
		topics:  make(map[string]struct{}),
	}
}

// wants reports whether topic passes the client's filter.
func (c *client) wants(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.topics) == 0 {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

func (c *client) subscribe(topics []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			c.topics[t] = struct{}{}
		}
	}
	return c.filterLocked()
}

func (c *client) unsubscribe(topics []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.topics, strings.TrimSpace(t))
	}
	return c.filterLocked()
}

func (c *client) filterLocked() []string {
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			logger.Debug("Error closing connection in read pump", "addr", c.addr, "error", err)
		}
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Debug("Error setting read deadline", "addr", c.addr, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if !c.limiter.allow() {
			logger.Warn("Rate limit exceeded, discarding frame",
				"addr", c.addr,
				"burst", c.hub.opts.RateLimit.Burst,
				"interval", c.hub.opts.RateLimit.RefillInterval.String(),
			)
			continue
		}
		c.handleFrame(raw)
	}
}

func (c *client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		logger.Warn("Frame exceeded maximum size", "addr", c.addr, "max", c.hub.opts.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure),
		errors.Is(err, io.EOF), isExpectedCloseError(err):
		logger.Debug("Subscriber disconnected", "addr", c.addr, "error", err)
	default:
		logger.Warn("WebSocket read error", "addr", c.addr, "error", err)
	}
}

func (c *client) handleFrame(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		logger.Debug("Invalid frame", "addr", c.addr, "error", err)
		return
	}

	switch f.Type {
	case FrameSubscribe:
		c.ack(c.subscribe(f.Topics))
	case FrameUnsubscribe:
		c.ack(c.unsubscribe(f.Topics))
	case FramePublish:
		if f.Topic == "" {
			logger.Debug("Publish frame without topic", "addr", c.addr)
			return
		}
		if err := c.hub.enqueue(c, f.Topic, f.Payload, "client"); err != nil {
			logger.Debug("Dropping client event", "addr", c.addr, "error", err)
		}
	default:
		logger.Debug("Unknown frame type", "addr", c.addr, "type", f.Type)
	}
}

func (c *client) ack(topics []string) {
	data, err := json.Marshal(Ack{Type: "subscribed", Topics: topics})
	if err != nil {
		return
	}
	c.hub.reply(c, data)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			logger.Debug("Error closing connection in write pump", "addr", c.addr, "error", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if !isExpectedCloseError(err) {
					logger.Debug("Error writing to subscriber", "addr", c.addr, "error", err)
				}
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isExpectedCloseError reports errors that are routine while a connection
// is being torn down.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}
