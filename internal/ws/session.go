package ws

import (
	"sync"
	"time"

	"github.com/cometa-rocks/wsrelay/internal/hub"
)

// State is the protocol state of a client session.
type State int

const (
	// StateConnecting: upgraded, waiting for hello.
	StateConnecting State = iota
	// StateActive: authenticated and registered for fan-out.
	StateActive
	// StateDisconnected: torn down; every frame is ignored.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type session struct {
	conn *hub.Connection

	mu     sync.Mutex
	state  State
	userID int64
	timer  *time.Timer

	closeOnce sync.Once
}

func newSession(conn *hub.Connection) *session {
	return &session{conn: conn, state: StateConnecting}
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *session) setUserID(id int64) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}
