// Package stream fans coordination events out to Server-Sent Events clients.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/GoCodeAlone/dispatch/comms"
)

// client represents a single SSE connection.
type client struct {
	ch   chan []byte
	code string // task code filter, empty for all events
}

// Hub manages SSE client connections and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

// NewHub creates a Hub ready to accept connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handle is a comms.Handler; subscribe it to the bus for every task code.
func (h *Hub) Handle(_ context.Context, ev *comms.Event) error {
	h.Broadcast(ev)
	return nil
}

// Broadcast sends an event to every client whose filter matches.
func (h *Hub) Broadcast(ev *comms.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("hub broadcast marshal", slog.Any("err", err))
		return
	}
	frame := []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data))

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.code != "" && c.code != ev.TaskCode {
			continue
		}
		select {
		case c.ch <- frame:
		default:
			// Slow clients miss events instead of blocking the bus.
		}
	}
}

// ServeHTTP streams events until the client disconnects. The optional
// "task" query parameter restricts the stream to one task code.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	c := &client{ch: make(chan []byte, 64), code: r.URL.Query().Get("task")}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	fmt.Fprint(w, "event: connected\ndata: {}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-c.ch:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
