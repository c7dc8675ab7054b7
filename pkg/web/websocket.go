package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/controlpanel"
	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/dbehnke/osdp-nexus/pkg/pd"
	"github.com/dbehnke/osdp-nexus/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	clientBuffer   = 256
	broadcastQueue = 256
)

// Event is one message on the live feed
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`

	// address scopes the event to one PD for filtered clients; nil reaches all
	address *int
}

// Marshal converts an event to JSON bytes
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// PDEventData is the payload of a "pd_event" message
type PDEventData struct {
	PD      int    `json:"pd"`
	Address int    `json:"address"`
	Kind    string `json:"kind"`
	Tag     string `json:"tag"`
	Reply   string `json:"reply,omitempty"`
	Detail  any    `json:"detail,omitempty"`
	Command string `json:"command,omitempty"`
	Nak     string `json:"nak,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PDStateData is the payload of a "pd_state" message
type PDStateData struct {
	PD      int    `json:"pd"`
	Address int    `json:"address"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

// Client is one live feed subscriber. A client opened with ?address=N only
// receives messages about that PD, plus status snapshots.
type Client struct {
	ID       string
	address  *int
	conn     *websocket.Conn
	messages chan []byte
}

func (c *Client) wants(e Event) bool {
	return c.address == nil || e.address == nil || *c.address == *e.address
}

// WebSocketHub fans PD events out to connected dashboards
type WebSocketHub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	logger     *logger.Logger
}

// NewWebSocketHub creates a hub; Run must be started before clients connect
func NewWebSocketHub(log *logger.Logger) *WebSocketHub {
	if log == nil {
		log = logger.Nop()
	}
	return &WebSocketHub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Event, broadcastQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log,
	}
}

// Run owns client membership until ctx is done
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("WebSocket client registered", logger.String("client_id", c.ID))

		case c := <-h.unregister:
			h.drop(c)

		case e := <-h.broadcast:
			h.fanOut(e)

		case <-ctx.Done():
			h.logger.Info("WebSocket hub shutting down")
			h.mu.Lock()
			for c := range h.clients {
				close(c.messages)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

func (h *WebSocketHub) drop(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.messages)
		h.logger.Debug("WebSocket client unregistered", logger.String("client_id", c.ID))
	}
}

func (h *WebSocketHub) fanOut(e Event) {
	data, err := e.Marshal()
	if err != nil {
		h.logger.Error("Failed to marshal event", logger.String("event_type", e.Type), logger.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.messages <- data:
		default:
			// slow dashboards lose messages rather than stall the feed
			h.logger.Warn("Client message buffer full, skipping", logger.String("client_id", c.ID))
		}
	}
}

// Broadcast queues an event for every interested client without blocking
func (h *WebSocketHub) Broadcast(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("Broadcast channel full, dropping event", logger.String("event_type", e.Type))
	}
}

// Handler upgrades requests on /ws. An optional address query parameter
// restricts the feed to one PD.
func (h *WebSocketHub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var filter *int
		if s := r.URL.Query().Get("address"); s != "" {
			addr, err := strconv.Atoi(s)
			if err != nil || addr < 0 || addr > protocol.MaxAddress {
				http.Error(w, "invalid address", http.StatusBadRequest)
				return
			}
			filter = &addr
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied
			h.logger.Debug("WebSocket upgrade failed", logger.Error(err))
			return
		}
		c := &Client{ID: uuid.NewString(), address: filter, conn: conn, messages: make(chan []byte, clientBuffer)}
		select {
		case h.register <- c:
		case <-h.done:
			_ = conn.Close()
			return
		}
		go h.readPump(c)
		go h.writePump(c)
	})
}

// readPump discards client input; it exists to track pongs and notice the close
func (h *WebSocketHub) readPump(c *Client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.messages:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("WebSocket write failed", logger.String("client_id", c.ID), logger.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *WebSocketHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastPDEvent publishes a PD event as "pd_event"
func (h *WebSocketHub) BroadcastPDEvent(index int, ev pd.Event) {
	data := PDEventData{
		PD:      index,
		Address: ev.Address,
		Kind:    ev.Kind.String(),
		Tag:     ev.Kind.Tag(),
	}
	if ev.Reply != nil {
		data.Reply = protocol.ReplyName(ev.Reply.Code())
		data.Detail = ev.Reply
	}
	if ev.Command != nil {
		data.Command = protocol.CommandName(ev.Command.Code())
	}
	if ev.Kind == pd.EventCommandNak {
		data.Nak = ev.Nak.String()
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	addr := ev.Address
	h.Broadcast(Event{Type: "pd_event", Timestamp: ev.Time, Data: data, address: &addr})
}

// BroadcastStateChange publishes a session transition as "pd_state"
func (h *WebSocketHub) BroadcastStateChange(index int, tr pd.Transition) {
	data := PDStateData{
		PD:      index,
		Address: tr.Address,
		From:    tr.From.String(),
		To:      tr.To.String(),
	}
	if tr.Reason != nil {
		data.Reason = tr.Reason.Error()
	}
	addr := tr.Address
	h.Broadcast(Event{Type: "pd_state", Timestamp: tr.At, Data: data, address: &addr})
}

// BroadcastStatusUpdate publishes a full status snapshot as "status_update"
func (h *WebSocketHub) BroadcastStatusUpdate(pds []controlpanel.PDStatus) {
	h.Broadcast(Event{Type: "status_update", Data: map[string]any{"pds": pds}})
}
