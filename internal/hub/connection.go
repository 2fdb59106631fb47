package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/wjlgatech/epiloop/pkg/models"
)

// Conn is one admitted WebSocket connection. The hub never imports a
// concrete transport here; Send is implemented by the adapter in
// websocket.go so this type stays testable without a real socket.
type Conn struct {
	ID        string
	Role      Role
	Principal models.Principal
	DeviceID  string // set once a node connection is paired
	send      func(Frame) error

	mu    sync.Mutex
	alive bool
}

func newConn(role Role, principal models.Principal, send func(Frame) error) *Conn {
	return &Conn{ID: uuid.NewString(), Role: role, Principal: principal, send: send, alive: true}
}

// Send writes a frame to the connection. It is safe to call concurrently;
// a connection that has been closed silently drops the frame rather than
// panicking a caller that raced the close.
func (c *Conn) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return nil
	}
	return c.send(f)
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
}
