// Package upstream manages the relay's single logical channel to the
// upstream decision-making backend. From the backend's perspective the
// relay is the only integration that exists.
//
// Two modes are supported: a dedicated listener the backend connects to,
// and an outbound dialer with an explicit reconnect state machine.
package upstream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chorus-relay/chorus/pkg/protocol"
)

// ErrNotConnected is returned by Send while no upstream connection is
// active. Callers treat it as a warning, never as fatal.
var ErrNotConnected = errors.New("upstream not connected")

// State is the adapter's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateActive       State = "active"
)

// Handler processes envelopes received from the upstream backend.
type Handler func(env protocol.Envelope)

// Adapter holds the single active upstream connection and serializes writes
// to it. Listener and Dialer embed it; the rest of the relay only ever sees
// Send and State.
type Adapter struct {
	logger *slog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	state State
}

func newAdapter(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logger, state: StateDisconnected}
}

// Send writes an envelope to the upstream backend.
func (a *Adapter) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return ErrNotConnected
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// State returns the adapter's current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// setActive installs conn as the active upstream connection and returns the
// connection it superseded, if any.
func (a *Adapter) setActive(conn *websocket.Conn) *websocket.Conn {
	a.mu.Lock()
	old := a.conn
	a.conn = conn
	a.state = StateActive
	a.mu.Unlock()
	return old
}

// clear drops conn if it is still the active connection. A newer connection
// may have already replaced it.
func (a *Adapter) clear(conn *websocket.Conn, next State) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != conn {
		return false
	}
	a.conn = nil
	a.state = next
	return true
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// writeControl sends a control frame under the write lock.
func (a *Adapter) writeControl(conn *websocket.Conn, messageType int, deadline time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != conn {
		return ErrNotConnected
	}
	return conn.WriteControl(messageType, nil, deadline)
}
