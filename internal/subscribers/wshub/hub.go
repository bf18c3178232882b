package wshub

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"mailbot.local/orchestrator/internal/events"
)

// Hub broadcasts turn events to connected websocket clients. Clients that
// fail a write are dropped.
type Hub struct {
	logger *log.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func New(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) Name() string {
	return "wshub"
}

func (h *Hub) Add(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

func (h *Hub) Handle(_ context.Context, event events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns {
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Printf("wshub write failed, dropping client: %v", err)
			_ = conn.Close()
			delete(h.conns, conn)
		}
	}
	return nil
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.Close()
		delete(h.conns, conn)
	}
}
