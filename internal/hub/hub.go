// Package hub tracks live WebSocket connections and the identity each one
// presented at handshake.
package hub

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cometa-rocks/wsrelay/internal/metrics"
	"github.com/cometa-rocks/wsrelay/internal/protocol"
)

var (
	// ErrInvalidIdentity is returned when an identity lacks a user id or email.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrUnknownConnection is returned when updating a connection that is not registered.
	ErrUnknownConnection = errors.New("unknown connection")
)

type entry struct {
	conn     *Connection
	identity protocol.Identity
}

// Hub is the connection registry. Only authenticated connections are
// registered; everything in it is a valid fan-out target.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*entry

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewHub creates an empty registry.
func NewHub(logger zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		connections: make(map[string]*entry),
		log:         logger.With().Str("component", "hub").Logger(),
		metrics:     m,
	}
}

// ValidateIdentity checks the fields the relay relies on for routing.
func ValidateIdentity(id protocol.Identity) error {
	if id.UserID == 0 {
		return fmt.Errorf("%w: user_id is required", ErrInvalidIdentity)
	}
	if id.Email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidIdentity)
	}
	return nil
}

// Register stores conn with its identity. On ErrInvalidIdentity the caller
// must reject and tear down the connection.
func (h *Hub) Register(conn *Connection, id protocol.Identity) error {
	if err := ValidateIdentity(id); err != nil {
		return err
	}

	h.mu.Lock()
	h.connections[conn.ID] = &entry{conn: conn, identity: id}
	n := len(h.connections)
	h.mu.Unlock()

	h.metrics.SetConnections(n)
	h.log.Info().Str("conn", conn.ID).Int64("user_id", id.UserID).Msg("connection registered")
	return nil
}

// UpdateIdentity replaces the stored identity of a registered connection.
func (h *Hub) UpdateIdentity(connID string, id protocol.Identity) error {
	if err := ValidateIdentity(id); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.connections[connID]
	if !ok {
		return ErrUnknownConnection
	}
	e.identity = id
	return nil
}

// Unregister removes a connection. Unknown ids are ignored.
func (h *Hub) Unregister(connID string) bool {
	h.mu.Lock()
	_, ok := h.connections[connID]
	if ok {
		delete(h.connections, connID)
	}
	n := len(h.connections)
	h.mu.Unlock()

	if ok {
		h.metrics.SetConnections(n)
		h.log.Info().Str("conn", connID).Msg("connection unregistered")
	}
	return ok
}

// Identity returns the identity stored for a connection.
func (h *Hub) Identity(connID string) (protocol.Identity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.connections[connID]
	if !ok {
		return protocol.Identity{}, false
	}
	return e.identity, true
}

// All yields (connection id, identity) pairs. Each iteration works on a
// snapshot taken when it starts, so the sequence can be ranged over again
// and callers may deliver while iterating.
func (h *Hub) All() iter.Seq2[string, protocol.Identity] {
	return func(yield func(string, protocol.Identity) bool) {
		h.mu.RLock()
		ids := make([]string, 0, len(h.connections))
		identities := make([]protocol.Identity, 0, len(h.connections))
		for id, e := range h.connections {
			ids = append(ids, id)
			identities = append(identities, e.identity)
		}
		h.mu.RUnlock()

		for i := range ids {
			if !yield(ids[i], identities[i]) {
				return
			}
		}
	}
}

// Deliver queues data for one connection. A connection that has gone away
// is silently skipped. A connection whose queue is full is dropped.
func (h *Hub) Deliver(connID string, data []byte) bool {
	h.mu.RLock()
	e, ok := h.connections[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	err := e.conn.Enqueue(data)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrBufferFull):
		h.log.Warn().Str("conn", connID).Msg("connection buffer full, closing")
		h.metrics.ConnectionDropped()
		h.Unregister(connID)
		e.conn.Shutdown(websocket.CloseTryAgainLater, "send buffer full")
		return false
	default:
		h.log.Debug().Str("conn", connID).Err(err).Msg("delivery skipped")
		return false
	}
}

// GetConnectionCount returns the number of registered connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}
