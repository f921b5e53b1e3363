package transport

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orneryd/hugindb/pkg/coordinator"
)

// ErrClientUnknown is returned when no connection is registered for a
// client id.
var ErrClientUnknown = errors.New("transport: unknown client")

// Hub tracks connected clients by id and delivers coordinator update
// frames to them. It implements coordinator.ClientNotifier.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	conns map[string]ClientConn
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log.With().Str("component", "hub").Logger(),
		conns: make(map[string]ClientConn),
	}
}

// Register adds a connection, replacing any previous one for the same id.
func (h *Hub) Register(conn ClientConn) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()
	h.log.Debug().Str("client", conn.ID()).Msg("Client registered")
}

// Unregister removes the connection for id if conn is still the one
// registered. A stale unregister after a reconnect is a no-op.
func (h *Hub) Unregister(conn ClientConn) {
	h.mu.Lock()
	if cur, ok := h.conns[conn.ID()]; ok && cur == conn {
		delete(h.conns, conn.ID())
	}
	h.mu.Unlock()
	h.log.Debug().Str("client", conn.ID()).Msg("Client unregistered")
}

// Get returns the connection registered for id.
func (h *Hub) Get(id string) (ClientConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[id]
	return conn, ok
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// NotifySearchUpdate sends a SEARCH_UPDATE frame to the client.
func (h *Hub) NotifySearchUpdate(clientID string, p coordinator.SearchUpdatePayload) error {
	return h.deliver(clientID, FrameSearchUpdate, p)
}

// NotifyQueryUpdate sends a QUERY_UPDATE frame to the client.
func (h *Hub) NotifyQueryUpdate(clientID string, p coordinator.QueryUpdatePayload) error {
	return h.deliver(clientID, FrameQueryUpdate, p)
}

func (h *Hub) deliver(clientID, frameType string, payload any) error {
	conn, ok := h.Get(clientID)
	if !ok {
		return ErrClientUnknown
	}
	if !conn.Open() {
		return ErrConnClosed
	}
	f, err := NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	return conn.Send(f)
}

var _ coordinator.ClientNotifier = (*Hub)(nil)
