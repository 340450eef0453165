// Package websocket pushes live note changes to connected charting clients.
// Clients subscribe to visits; every subscription is scoped to the tenant the
// connection was authenticated for.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/chartcheck/internal/platform/db"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Event is a change notification sent to subscribers of a visit.
type Event struct {
	Type      string          `json:"type"`
	VisitID   string          `json:"visit_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscription request.
type ClientMessage struct {
	Action string   `json:"action"`
	Visits []string `json:"visits"`
}

// Topic scopes a visit to its tenant.
func Topic(tenant, visitID string) string {
	return tenant + "/" + visitID
}

// Client is one connected session.
type Client struct {
	ID     string
	Tenant string
	Send   chan []byte
	topics map[string]struct{}
}

// NewClient creates an unregistered client for tenant.
func NewClient(tenant string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Tenant: tenant,
		Send:   make(chan []byte, sendBuffer),
		topics: make(map[string]struct{}),
	}
}

// Hub tracks clients and their visit subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and subscribes it to visits.
func (h *Hub) Register(client *Client, visits ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	h.subscribe(client, visits)
}

// Unregister removes a client from every topic and closes its Send channel.
// Calling it twice is safe.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for topic := range client.topics {
		h.drop(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds visits to a registered client.
func (h *Hub) Subscribe(client *Client, visits []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; ok {
		h.subscribe(client, visits)
	}
}

// Unsubscribe removes visits from a registered client.
func (h *Hub) Unsubscribe(client *Client, visits []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range visits {
		h.drop(client, Topic(client.Tenant, v))
	}
}

func (h *Hub) subscribe(client *Client, visits []string) {
	for _, v := range visits {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		topic := Topic(client.Tenant, v)
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
		client.topics[topic] = struct{}{}
	}
}

func (h *Hub) drop(client *Client, topic string) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
	delete(client.topics, topic)
}

// ProcessMessage dispatches a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Visits)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Visits)
	}
}

// Publish sends ev to subscribers of the visit in ctx's tenant. Slow clients
// whose buffer is full miss the event.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	topic := Topic(db.TenantFromContext(ctx), ev.VisitID)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("websocket buffer full, event dropped")
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of subscribers of a tenant's visit.
func (h *Hub) TopicCount(tenant, visitID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[Topic(tenant, visitID)])
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler upgrades HTTP requests to WebSocket sessions.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler builds a handler that accepts the given browser origins. An
// empty list or "*" accepts any origin.
func NewHandler(hub *Hub, origins []string) *Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = struct{}{}
	}
	_, wildcard := allowed["*"]
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || wildcard || len(allowed) == 0 {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// RegisterRoutes mounts GET /ws/notes. Initial visits may be passed as
// repeated visit query parameters.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws/notes", h.Connect)
}

func (h *Handler) Connect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := NewClient(db.TenantFromContext(c.Request().Context()))
	h.hub.Register(client, c.QueryParams()["visit"]...)
	h.hub.logger.Debug().Str("client_id", client.ID).Str("tenant", client.Tenant).Msg("websocket connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()
	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
