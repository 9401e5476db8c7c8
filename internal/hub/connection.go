package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Errors returned by Connection.Enqueue.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrBufferFull       = errors.New("send buffer full")
)

// Connection is a single WebSocket connection and its outbound queue. The
// queue is drained by one writer goroutine, so messages reach the peer in
// the order they were enqueued.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	writeMu sync.Mutex

	closeMu   sync.Mutex
	closed    bool
	closeCode int
	closeText string
}

// NewConnection wraps ws with a send queue of the given capacity. ws may be
// nil for connections that are only read through Send.
func NewConnection(ws *websocket.Conn, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 256
	}
	return &Connection{
		ID:        uuid.New().String(),
		Conn:      ws,
		Send:      make(chan []byte, buffer),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Enqueue queues data for the writer without blocking.
func (c *Connection) Enqueue(data []byte) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Shutdown closes the send queue. Messages already queued are still written,
// followed by a close frame carrying code and text. Later calls are no-ops.
func (c *Connection) Shutdown(code int, text string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.Send)
}

// Closed reports whether Shutdown has been called.
func (c *Connection) Closed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// CloseFrame returns the close frame payload set by Shutdown.
func (c *Connection) CloseFrame() []byte {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}
