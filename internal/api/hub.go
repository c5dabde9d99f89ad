package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quantumlife/spendcoach/internal/events"
	"github.com/quantumlife/spendcoach/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	clientSend = 64
)

// EventHub streams engine events to websocket clients. It is an events
// subscriber; a client that falls behind is disconnected rather than
// slowing the bus.
type EventHub struct {
	upgrader websocket.Upgrader
	clients  map[string]*client
	mu       sync.RWMutex
	wg       sync.WaitGroup
	logger   *logging.Logger
}

type client struct {
	id     string
	userID string // empty receives every user's events
	conn   *websocket.Conn
	send   chan events.Envelope
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewEventHub creates a hub
func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS is enforced by the router
			},
		},
		clients: make(map[string]*client),
		logger:  logging.WithField("component", "event-hub"),
	}
}

// Name implements events.Subscriber
func (h *EventHub) Name() string { return "websocket" }

// Handle implements events.Subscriber
func (h *EventHub) Handle(_ context.Context, e events.Event) error {
	env, err := events.Encode(e)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients {
		if c.userID != "" && c.userID != env.UserID {
			continue
		}
		select {
		case c.send <- env:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("client %s too slow, disconnecting", c.id)
		h.remove(c)
	}
	return nil
}

// ServeHTTP upgrades the request. ?user= restricts the feed to one user.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		return
	}

	c := &client{
		id:     uuid.NewString(),
		userID: r.URL.Query().Get("user"),
		conn:   conn,
		send:   make(chan events.Envelope, clientSend),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("client %s connected (user %q)", c.id, c.userID)

	h.wg.Add(2)
	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop only watches for close and pong frames
func (h *EventHub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writeLoop(c *client) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *EventHub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.close()
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their loops
func (h *EventHub) Close() {
	h.mu.Lock()
	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
