// Package websocket serves tree subscriptions over WebSockets. Clients send
// subscribe and unsubscribe commands naming tree paths (topics); every
// snapshot of a subscribed path is pushed back as a "snapshot" event.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/unihealth/unihealth/internal/platform/tree"
)

// Event represents a message sent to WebSocket clients.
type Event = tree.Event

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage = tree.Command

// sendBuffer is the per-client outbound queue length.
const sendBuffer = 256

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	Send chan []byte

	mu     sync.Mutex
	subs   map[string]*tree.Subscription
	closed bool
}

// NewClient creates a client with an empty subscription set.
func NewClient(id string) *Client {
	return &Client{
		ID:   id,
		Send: make(chan []byte, sendBuffer),
		subs: make(map[string]*tree.Subscription),
	}
}

// Topics returns the paths the client is subscribed to.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

// enqueue queues data without blocking. It reports false when the client is
// gone or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Hub is the central connection manager that tracks clients and their topic
// subscriptions against a tree. All operations are safe for concurrent use.
type Hub struct {
	source tree.Client
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
}

// NewHub creates a Hub serving subscriptions from source.
func NewHub(source tree.Client, logger zerolog.Logger) *Hub {
	return &Hub{
		source:  source,
		logger:  logger.With().Str("component", "ws-hub").Logger(),
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

// Unregister detaches all of the client's tree subscriptions, removes it from
// the hub and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.all[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.all, client)
	for topic := range h.clients {
		h.removeLocked(topic, client)
	}
	h.mu.Unlock()

	client.mu.Lock()
	subs := client.subs
	client.subs = make(map[string]*tree.Subscription)
	client.closed = true
	close(client.Send)
	client.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Subscribe attaches the client to each topic. The first snapshot of each
// new topic follows shortly; topics already held are left untouched.
// Rejected topics are reported to the client as error events.
func (h *Hub) Subscribe(ctx context.Context, client *Client, topics []string) {
	for _, raw := range topics {
		topic, err := tree.Clean(raw)
		if err == nil {
			err = tree.CheckAccess(topic)
		}
		if err != nil {
			h.sendError(client, raw, err)
			continue
		}

		client.mu.Lock()
		_, held := client.subs[topic]
		closed := client.closed
		client.mu.Unlock()
		if held || closed {
			continue
		}

		t := topic
		sub, err := h.source.Subscribe(ctx, t, func(snapshot json.RawMessage, err error) {
			if err != nil {
				h.sendFailure(client, t, err)
				return
			}
			h.deliver(client, t, snapshot)
		})
		if err != nil {
			h.logger.Error().Err(err).Str("client", client.ID).Str("topic", t).Msg("subscribe failed")
			h.sendError(client, t, err)
			continue
		}

		client.mu.Lock()
		if client.closed || client.subs[t] != nil {
			client.mu.Unlock()
			sub.Unsubscribe()
			continue
		}
		client.subs[t] = sub
		client.mu.Unlock()

		h.mu.Lock()
		if h.clients[t] == nil {
			h.clients[t] = make(map[*Client]struct{})
		}
		h.clients[t][client] = struct{}{}
		h.mu.Unlock()
	}
}

// Unsubscribe detaches the client from each topic.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	for _, raw := range topics {
		topic, err := tree.Clean(raw)
		if err != nil {
			continue
		}
		client.mu.Lock()
		sub := client.subs[topic]
		delete(client.subs, topic)
		client.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}

		h.mu.Lock()
		h.removeLocked(topic, client)
		h.mu.Unlock()
	}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// ProcessMessage handles an inbound ClientMessage, dispatching to Subscribe
// or Unsubscribe as appropriate.
func (h *Hub) ProcessMessage(ctx context.Context, client *Client, msg ClientMessage) {
	switch msg.Action {
	case tree.ActionSubscribe:
		h.Subscribe(ctx, client, msg.Topics)
	case tree.ActionUnsubscribe:
		h.Unsubscribe(client, msg.Topics)
	default:
		h.sendError(client, "", errUnknownAction(msg.Action))
	}
}

type errUnknownAction string

func (e errUnknownAction) Error() string { return "unknown action " + string(e) }

func (h *Hub) deliver(client *Client, topic string, snapshot json.RawMessage) {
	h.send(client, Event{
		Type:      tree.EventSnapshot,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Data:      snapshot,
	})
}

func (h *Hub) sendError(client *Client, topic string, err error) {
	h.send(client, Event{
		Type:      tree.EventError,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Error:     err.Error(),
	})
}

// sendFailure reports a read failure on a topic the client keeps.
func (h *Hub) sendFailure(client *Client, topic string, err error) {
	h.send(client, Event{
		Type:      tree.EventFailure,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Error:     err.Error(),
	})
}

func (h *Hub) send(client *Client, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}
	if !client.enqueue(data) {
		h.logger.Warn().Str("client", client.ID).Str("topic", event.Topic).Msg("event dropped")
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler handles HTTP-to-WebSocket upgrades and message routing.
type WebSocketHandler struct {
	hub *Hub
}

// NewWebSocketHandler creates a new handler bound to the given Hub.
func NewWebSocketHandler(hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades an HTTP connection to WebSocket, registers the
// client with the hub, and starts read/write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.New().String())
	wsh.hub.Register(client)

	// The request context ends when the handler returns.
	ctx := context.WithoutCancel(c.Request().Context())
	go wsh.writePump(client, ws)
	go wsh.readPump(ctx, client, ws)

	return nil
}

// readPump reads messages from the WebSocket connection and processes them.
func (wsh *WebSocketHandler) readPump(ctx context.Context, client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}

		wsh.hub.ProcessMessage(ctx, client, msg)
	}
}

// writePump writes messages from the Send channel to the WebSocket connection.
func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}
