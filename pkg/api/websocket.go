package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbinary/pkg/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Hub routes bus events to WebSocket sessions. Global events go to every
// session; account events only to sessions bound to that account. Each
// session has its own send buffer and is dropped when it falls behind.
type Hub struct {
	clients   map[*Client]bool
	byAccount map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	direct     chan directMessage
	done       chan struct{} // closed when Run returns

	sub *events.Subscription
	log *zap.SugaredLogger
}

// directMessage is a reply to one client, delivered through the hub so that
// only the hub ever writes to or closes a send channel
type directMessage struct {
	client *Client
	data   []byte
}

func NewHub(bus *events.Bus, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		byAccount:  make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan directMessage, 64),
		done:       make(chan struct{}),
		sub:        bus.Subscribe(events.Filter{All: true}, 1024),
		log:        log,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			if c.accountID != "" {
				if h.byAccount[c.accountID] == nil {
					h.byAccount[c.accountID] = make(map[*Client]bool)
				}
				h.byAccount[c.accountID][c] = true
			}
			h.log.Infow("ws_client_connected", "client", c.id, "account", c.accountID, "total", len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				h.remove(c)
				h.log.Infow("ws_client_disconnected", "client", c.id, "account", c.accountID, "total", len(h.clients))
			}

		case m := <-h.direct:
			if h.clients[m.client] {
				h.deliver(m.client, m.data)
			}

		case ev, ok := <-h.sub.C():
			if !ok {
				return
			}
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev events.Event) {
	msg, err := json.Marshal(WSMessage{
		Type:      ev.Name,
		Seq:       ev.Seq,
		Data:      presentEvent(ev.Payload),
		Timestamp: ev.At.UnixMilli(),
	})
	if err != nil {
		h.log.Errorw("ws_marshal_failed", "event", ev.Name, "err", err)
		return
	}

	if ev.Scope.IsGlobal() {
		for c := range h.clients {
			h.deliver(c, msg)
		}
		return
	}
	for c := range h.byAccount[ev.Scope.AccountID] {
		h.deliver(c, msg)
	}
}

// deliver queues msg or drops a client whose buffer is full
func (h *Hub) deliver(c *Client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.log.Warnw("ws_client_slow", "client", c.id, "account", c.accountID)
		h.remove(c)
	}
}

func (h *Hub) remove(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	if set := h.byAccount[c.accountID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byAccount, c.accountID)
		}
	}
	close(c.send)
}

// Client represents a WebSocket session bound to an account at upgrade time
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	id        string
	accountID string // empty for anonymous market-data sessions

	snapshot func(accountID string) (any, error)
	log      *zap.SugaredLogger
}

func (c *Client) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.hub.direct <- directMessage{client: c, data: data}:
	case <-c.hub.done:
	default:
		c.log.Warnw("ws_reply_dropped", "client", c.id)
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debugw("ws_read_error", "client", c.id, "err", err)
			}
			break
		}

		var req WSRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(WSMessage{Type: "error", Data: ErrorResponse{Error: "invalid_message"}, Timestamp: nowMillis()})
			continue
		}

		switch req.Op {
		case "ping":
			c.reply(WSMessage{Type: "pong", Timestamp: nowMillis()})
		case "snapshot":
			if c.accountID == "" {
				c.reply(WSMessage{Type: "error", Data: ErrorResponse{Error: "unauthenticated"}, Timestamp: nowMillis()})
				continue
			}
			snap, err := c.snapshot(c.accountID)
			if err != nil {
				c.reply(WSMessage{Type: "error", Data: ErrorResponse{Error: "internal_error"}, Timestamp: nowMillis()})
				continue
			}
			c.reply(WSMessage{Type: "snapshot", Data: snap, Timestamp: nowMillis()})
		default:
			c.reply(WSMessage{Type: "error", Data: ErrorResponse{Error: "unknown_op", Message: req.Op}, Timestamp: nowMillis()})
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one frame per event so clients can parse each message on its own
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket upgrades the connection and binds it to the resolved account
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.auth.Resolve(r)
	if !ok && hasCredentials(r) {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "unknown token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:       s.hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		id:        uuid.NewString(),
		accountID: accountID,
		snapshot:  s.snapshot,
		log:       s.log,
	}

	select {
	case client.hub.register <- client:
	case <-client.hub.done:
		conn.Close()
		return
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
