// Package ws streams live measurement samples to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/commatea/pzem-bridge/pkg/core"
	"github.com/commatea/pzem-bridge/pkg/logger"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Hub fans samples out to connected WebSocket clients.
type Hub struct {
	mu       sync.Mutex
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]struct{}
	log      *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Global()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
		log:     log,
	}
}

// Handler upgrades a request and registers the client.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("ws upgrade failed", "err", err)
			return
		}

		h.mu.Lock()
		h.clients[conn] = struct{}{}
		h.mu.Unlock()

		// Drain the client so pings and close frames are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.drop(conn)
					return
				}
			}
		}()
	}
}

// Broadcast sends one sample to every client; dead clients are dropped.
func (h *Hub) Broadcast(sample core.Sample) {
	payload, err := json.Marshal(sample)
	if err != nil {
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.drop(conn)
		}
	}
}

// Run consumes samples until the channel closes or ctx is cancelled.
func (h *Hub) Run(ctx context.Context, samples <-chan core.Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}
			h.Broadcast(sample)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}
