// Package broadcast fans real-time events out to WebSocket subscribers.
//
// A Hub is a process-scoped service: it is started once, survives any
// number of server instance restarts, and is stopped once at shutdown.
// Events reach every connected client whose topic filter matches, except
// the client that published them.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gorelay/internal/lifecycle"
	"github.com/Tyrowin/gorelay/internal/logger"
	"github.com/Tyrowin/gorelay/internal/metrics"
)

// ErrNotRunning is returned by Publish when the hub is not running.
var ErrNotRunning = errors.New("broadcast: hub is not running")

// RateLimit bounds how many frames a single client may send.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

// Options configures a Hub. Zero values are replaced by defaults.
type Options struct {
	// AllowedOrigins lists the origins permitted to open a subscription.
	// "*" allows any origin.
	AllowedOrigins []string
	MaxMessageSize int64
	SendBuffer     int
	RateLimit      RateLimit

	Metrics *metrics.Broadcast
}

const (
	defaultMaxMessageSize = 4096
	defaultSendBuffer     = 256
	defaultBurst          = 5
)

func (o Options) withDefaults() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.RateLimit.Burst <= 0 {
		o.RateLimit.Burst = defaultBurst
	}
	if o.RateLimit.RefillInterval <= 0 {
		o.RateLimit.RefillInterval = time.Second
	}
	return o
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Time    time.Time       `json:"time"`
}

type outbound struct {
	sender *client
	topic  string
	data   []byte
}

// Hub tracks subscribed clients and delivers events to them.
type Hub struct {
	opts     Options
	origins  originPolicy
	upgrader websocket.Upgrader

	// lifecycleMu serializes Start and Shutdown.
	lifecycleMu sync.Mutex
	state       atomic.Int32

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	register   chan *client
	unregister chan *client
	events     chan outbound

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewHub creates a hub in the created state.
func NewHub(opts Options) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		opts:       opts,
		origins:    newOriginPolicy(opts.AllowedOrigins),
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan outbound),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.check,
	}
	return h
}

// State reports the lifecycle state of the hub.
func (h *Hub) State() lifecycle.State {
	return lifecycle.State(h.state.Load())
}

// Start launches the event loop. Starting a running hub is a no-op; a
// stopped hub cannot be started again.
func (h *Hub) Start(context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	switch h.State() {
	case lifecycle.StateRunning:
		return nil
	case lifecycle.StateStopped, lifecycle.StateStopping:
		return lifecycle.ErrServiceStopped
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	go h.run()
	h.state.Store(int32(lifecycle.StateRunning))
	logger.Info("Broadcast hub started")
	return nil
}

// Shutdown stops the event loop, closes every client connection and waits
// for the client goroutines to exit or ctx to expire. It is idempotent.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	switch h.State() {
	case lifecycle.StateStopped:
		return nil
	case lifecycle.StateCreated:
		h.state.Store(int32(lifecycle.StateStopped))
		return nil
	}

	logger.Info("Initiating broadcast hub shutdown")
	h.state.Store(int32(lifecycle.StateStopping))
	h.cancel()

	finished := make(chan struct{})
	go func() {
		<-h.done
		h.wg.Wait()
		close(finished)
	}()

	defer h.state.Store(int32(lifecycle.StateStopped))
	select {
	case <-finished:
		logger.Info("Broadcast hub stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Broadcast hub shutdown timed out, client goroutines may still be running")
		return fmt.Errorf("broadcast: shutdown: %w", ctx.Err())
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Publish sends an event on topic to every matching subscriber. payload is
// encoded as JSON.
func (h *Hub) Publish(topic string, payload any) error {
	if topic == "" {
		return errors.New("broadcast: topic is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast: encode payload for %q: %w", topic, err)
	}
	return h.enqueue(nil, topic, raw, "server")
}

func (h *Hub) enqueue(sender *client, topic string, payload json.RawMessage, source string) error {
	if h.State() != lifecycle.StateRunning {
		return ErrNotRunning
	}
	data, err := json.Marshal(Event{
		Type:    "event",
		ID:      uuid.NewString(),
		Topic:   topic,
		Payload: payload,
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("broadcast: encode event: %w", err)
	}

	select {
	case h.events <- outbound{sender: sender, topic: topic, data: data}:
		h.opts.Metrics.RecordEvent(source)
		return nil
	case <-h.ctx.Done():
		return ErrNotRunning
	}
}

func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.closeClients()
			return

		case c := <-h.register:
			h.clientsMu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.clientsMu.Unlock()
			h.opts.Metrics.SetClients(count)
			logger.Debug("Subscriber registered", "addr", c.addr, "clients", count)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				c.writePump()
			}()
			go func() {
				defer h.wg.Done()
				c.readPump()
			}()

		case c := <-h.unregister:
			h.removeClients([]*client{c}, "disconnected")

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// deliver sends ev to every matching client except its sender. Clients whose
// send buffer is full are dropped.
func (h *Hub) deliver(ev outbound) {
	var slow []*client

	h.clientsMu.RLock()
	for c := range h.clients {
		if c == ev.sender || !c.wants(ev.topic) {
			continue
		}
		select {
		case c.send <- ev.data:
		default:
			slow = append(slow, c)
		}
	}
	h.clientsMu.RUnlock()

	if len(slow) > 0 {
		for range slow {
			h.opts.Metrics.RecordDropped()
		}
		h.removeClients(slow, "send buffer full")
	}
}

// reply queues a control frame for a single client.
func (h *Hub) reply(c *client, data []byte) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// removeClients unregisters clients and closes their send channels, which
// makes their write pumps close the connections.
func (h *Hub) removeClients(clients []*client, reason string) {
	h.clientsMu.Lock()
	var removed []*client
	for _, c := range clients {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
			removed = append(removed, c)
		}
	}
	count := len(h.clients)
	h.clientsMu.Unlock()

	if len(removed) == 0 {
		return
	}
	h.opts.Metrics.SetClients(count)
	for _, c := range removed {
		logger.Debug("Subscriber removed", "addr", c.addr, "reason", reason, "clients", count)
	}
}

func (h *Hub) closeClients() {
	h.clientsMu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	h.removeClients(clients, "hub stopped")
	for _, c := range clients {
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			logger.Debug("Error closing subscriber connection", "addr", c.addr, "error", err)
		}
	}
	logger.Info("Closed subscriber connections", "count", len(clients))
}
