package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/econlab/odyssey/internal/game"
	"github.com/econlab/odyssey/internal/metrics"
)

// Message types pushed to WebSocket clients.
const (
	MsgRoundAdvanced = "round_advanced"
	MsgTradeExecuted = "trade_executed"
	MsgGameCompleted = "game_completed"
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type   string `json:"type"`
	GameID string `json:"game_id"`
	Data   any    `json:"data"`
}

type envelope struct {
	gameID string
	data   []byte
}

type subscription struct {
	conn   *websocket.Conn
	gameID string // empty follows every game
}

// Hub manages WebSocket connections and pushes game events to them. It is a
// game.Observer; Broadcast never blocks the controller.
type Hub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan envelope
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

var _ game.Observer = (*Hub)(nil)

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan envelope, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.gameID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "game", sub.gameID, "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, gameID := range h.clients {
				if gameID != "" && gameID != msg.gameID {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every client following its game.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws marshal failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- envelope{gameID: msg.GameID, data: data}:
	default:
		slog.Warn("ws broadcast buffer full, dropping message", "type", msg.Type, "game", msg.GameID)
	}
}

func (h *Hub) OnRoundAdvanced(ev game.RoundEvent) {
	h.Broadcast(Message{Type: MsgRoundAdvanced, GameID: ev.GameID, Data: ev})
}

func (h *Hub) OnTradeExecuted(ev game.TradeEvent) {
	h.Broadcast(Message{Type: MsgTradeExecuted, GameID: ev.GameID, Data: ev})
}

func (h *Hub) OnGameCompleted(ev game.CompletionEvent) {
	h.Broadcast(Message{Type: MsgGameCompleted, GameID: ev.GameID, Data: ev})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The optional
// ?game= query parameter restricts the stream to one game.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, gameID: r.URL.Query().Get("game")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: detects disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Pings go through WriteControl, which may run alongside the hub's writes.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
