// Package registry tracks every connected client, its role, name, and
// transport. It is one of the two pieces of shared mutable state in the
// relay; all mutation goes through its exported operations.
package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chorus-relay/chorus/internal/auth"
	"github.com/chorus-relay/chorus/pkg/protocol"
)

var (
	// ErrMalformed is returned when a registration frame is missing a name
	// or carries an unknown role.
	ErrMalformed = errors.New("malformed registration")
)

// Transport is the write side of a client connection. gorilla's
// *websocket.Conn satisfies it; tests use fakes.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn is one registered client connection. The registry entry exclusively
// owns the transport; all writes go through Send so concurrent senders
// never interleave frames.
type Conn struct {
	name string
	role protocol.Role

	mu         sync.Mutex
	transport  Transport
	stale      bool
	lastActive time.Time
}

// NewConn wraps a transport for registration. The connection is not part of
// the registry until Register accepts it.
func NewConn(name string, role protocol.Role, t Transport) *Conn {
	return &Conn{name: name, role: role, transport: t, lastActive: time.Now()}
}

// Name returns the client's declared name.
func (c *Conn) Name() string { return c.name }

// Role returns the client's declared role.
func (c *Conn) Role() protocol.Role { return c.role }

// LastActive returns the time of the last frame read from this connection.
func (c *Conn) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Touch records activity on the connection.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// Stale reports whether this connection was superseded by a newer
// registration with the same role and name.
func (c *Conn) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Send writes an event envelope to the client.
func (c *Conn) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.WriteMessage(websocket.TextMessage, data)
}

// SendError writes an error frame to the client. The transport stays open.
func (c *Conn) SendError(msg string) error {
	data, err := json.Marshal(protocol.ErrorFrame{Error: msg})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.WriteMessage(websocket.TextMessage, data)
}

// WriteMutex returns the mutex guarding writes to the transport, for
// callers that need to write control frames (keepalive pings).
func (c *Conn) WriteMutex() *sync.Mutex { return &c.mu }

func (c *Conn) markStaleAndClose() {
	c.mu.Lock()
	c.stale = true
	t := c.transport
	c.mu.Unlock()
	_ = t.Close()
}

type key struct {
	role protocol.Role
	name string
}

// Registry maps (role, name) to the single authenticated connection holding
// that identity.
type Registry struct {
	authSvc *auth.Service

	mu    sync.RWMutex
	conns map[key]*Conn
}

// New creates an empty registry.
func New(authSvc *auth.Service) *Registry {
	return &Registry{
		authSvc: authSvc,
		conns:   make(map[key]*Conn),
	}
}

// Register authenticates and admits a connection. A colliding authenticated
// entry is superseded: the old entry is marked stale and its transport
// closed. The superseded connection, if any, is returned so callers can
// log it.
func (r *Registry) Register(reg protocol.Registration, t Transport) (*Conn, *Conn, error) {
	if reg.Name == "" || !reg.Type.Valid() {
		return nil, nil, ErrMalformed
	}
	if err := r.authSvc.CheckSharedSecret(reg.AuthToken); err != nil {
		return nil, nil, err
	}

	conn := NewConn(reg.Name, reg.Type, t)
	k := key{role: reg.Type, name: reg.Name}

	r.mu.Lock()
	old := r.conns[k]
	r.conns[k] = conn
	r.mu.Unlock()

	if old != nil {
		old.markStaleAndClose()
	}
	return conn, old, nil
}

// Deregister removes a connection, but only while it is still the current
// holder of its identity. A newer registration may already have replaced
// it; in that case Deregister is a no-op and returns false.
func (r *Registry) Deregister(c *Conn) bool {
	k := key{role: c.role, name: c.name}

	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.conns[k]
	if !ok || current != c {
		return false
	}
	delete(r.conns, k)
	return true
}

// Lookup returns the authenticated connection for (role, name).
func (r *Registry) Lookup(role protocol.Role, name string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[key{role: role, name: name}]
	return c, ok
}

// List returns a snapshot of all connections with the given role.
func (r *Registry) List(role protocol.Role) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0)
	for k, c := range r.conns {
		if k.role == role {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the names of all connections with the given role.
func (r *Registry) Names(role protocol.Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for k := range r.conns {
		if k.role == role {
			out = append(out, k.name)
		}
	}
	return out
}

// Count returns the number of connections with the given role.
func (r *Registry) Count(role protocol.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for k := range r.conns {
		if k.role == role {
			n++
		}
	}
	return n
}
