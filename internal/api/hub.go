package api

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Hub tracks live-stream websocket clients.
type Hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}

	// OnClientCount is called with the client count after every change.
	OnClientCount func(n int)
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*Client]struct{})}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("remote", c.remote).Int("clients", n).Msg("ws client connected")
	if h.OnClientCount != nil {
		h.OnClientCount(n)
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.log.Info().Str("remote", c.remote).Int("clients", n).Msg("ws client disconnected")
	if h.OnClientCount != nil {
		h.OnClientCount(n)
	}
}

// Close disconnects every client. New clients may connect afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller()
	if ctrl == nil {
		s.writeError(w, http.StatusServiceUnavailable, "pipeline not attached")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	feed, unsubscribe := ctrl.Subscribe("ws:" + r.RemoteAddr)
	c := newClient(conn, s.hub, ctrl, feed, unsubscribe, r.RemoteAddr)
	if pairs := r.URL.Query().Get("pairs"); pairs != "" {
		c.setPairs(strings.Split(pairs, ","), true)
	}
	s.hub.add(c)

	go c.writePump()
	go c.readPump()
}
