// Package websocket provides the in-process event broadcaster for dashboard
// clients. The Broadcaster fans domain events (violations created or
// resolved, agents going offline, rules toggled) out to every connected
// WebSocket client without blocking the request that produced them.
//
//   - Each client has a dedicated buffered channel of JSON-encoded event
//     frames. A non-blocking send is used so that a slow or disconnected
//     client never applies back-pressure to an API handler.
//   - Clients are tracked in a map keyed by client ID, guarded by an RWMutex.
//   - Unregistering a client closes its channel, which ends its write pump.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is the JSON envelope pushed to dashboard clients.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded event frames are
// delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans events out to all registered clients. It is safe for
// concurrent use and satisfies service.Publisher.
type Broadcaster struct {
	// mu guards clients and closed. Broadcast holds the read lock while it
	// sends so a channel is never closed mid-send.
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	bufSize int
	logger  *slog.Logger
	now     func() time.Time
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// depth; 0 selects 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		clients: make(map[string]*Client),
		bufSize: bufSize,
		logger:  logger,
		now:     time.Now,
	}
}

// Register creates a new Client with the given id. The caller must call
// Unregister(id) when the client disconnects. After Close, Register returns
// a Client whose Send channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.send)
		return c
	}
	if old, ok := b.clients[id]; ok {
		close(old.send)
	}
	b.clients[id] = c
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Unknown ids are ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(c.send)
	}
}

// ClientCount returns the number of currently registered clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish wraps payload in an Event of the given kind and broadcasts it.
func (b *Broadcaster) Publish(kind string, payload any) {
	b.Broadcast(Event{Type: kind, Timestamp: b.now().UTC(), Data: payload})
}

// Broadcast marshals ev and delivers it to every registered client using a
// non-blocking send. When a client's buffer is full the frame is dropped
// and the client's Dropped counter is incremented.
func (b *Broadcaster) Broadcast(ev Event) {
	if b.ClientCount() == 0 {
		return
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed",
			slog.String("type", ev.Type),
			slog.Any("error", err),
		)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("type", ev.Type),
			)
		}
	}
}

// Close unregisters every client. After Close, Publish and Broadcast are
// no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.send)
	}
}
