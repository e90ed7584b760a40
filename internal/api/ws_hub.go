// WebSocket hub for real-time checkpoint and balance broadcasting.
package api

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corepool/yield-engine/internal/metrics"
	"github.com/corepool/yield-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type           string `json:"type"`
	Reserve        string `json:"reserve,omitempty"`
	User           string `json:"user,omitempty"`
	EventType      string `json:"event_type,omitempty"`
	LiquidityIndex string `json:"liquidity_index,omitempty"`
	LiquidityRate  string `json:"liquidity_rate,omitempty"`
	ScaledDelta    string `json:"scaled_delta,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
	BlockNumber    uint64 `json:"block_number,omitempty"`
}

// wsClient is one connected socket. All writes to conn go through the
// client's writePump goroutine; the hub only feeds the send channel.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients when checkpoints land or balances change. Client
// set mutations happen only inside Run, guarded by mu for readers.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", total)

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			// A client whose send buffer is full is too slow to keep;
			// collect it under the read lock, drop it after.
			var slow []*wsClient
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.remove(c)
			}
		}
	}
}

// remove drops a client from the set and closes its send channel,
// which terminates the client's writePump. Safe to call twice.
func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
		metrics.WebSocketClients.Dec()
	}
}

func (h *WSHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking event ingestion.
	}
}

// NotifyCheckpoint broadcasts a new liquidity index checkpoint.
func (h *WSHub) NotifyCheckpoint(cp *model.Checkpoint) {
	h.Broadcast(WSMessage{
		Type:           "checkpoint",
		Reserve:        cp.Reserve,
		LiquidityIndex: cp.LiquidityIndex.String(),
		LiquidityRate:  cp.LiquidityRate.String(),
		Timestamp:      cp.Timestamp,
		BlockNumber:    cp.BlockNumber,
	})
}

// NotifyBalance broadcasts an applied position change.
func (h *WSHub) NotifyBalance(user, asset, eventType string, scaledDelta *big.Int) {
	h.Broadcast(WSMessage{
		Type:        "balance_change",
		Reserve:     asset,
		User:        user,
		EventType:   eventType,
		ScaledDelta: scaledDelta.String(),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

// writePump is the connection's only writer: it drains the send
// channel and emits keepalive pings. It exits when the hub closes the
// send channel or a write fails.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.unregister <- c
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister <- c
				return
			}
		}
	}
}

// readPump discards inbound frames, keeping the connection alive via
// pong handling and detecting disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() { h.unregister <- c }()
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
