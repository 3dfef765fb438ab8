package upstream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chorus-relay/chorus/internal/auth"
	"github.com/chorus-relay/chorus/pkg/protocol"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

// Listener accepts the upstream backend's inbound WebSocket connection on a
// dedicated endpoint. Exactly one connection is active at a time; a newer
// one supersedes the older.
type Listener struct {
	*Adapter
	authSvc  *auth.Service
	handler  Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewListener creates a listener-mode adapter.
func NewListener(authSvc *auth.Service, handler Handler, logger *slog.Logger) *Listener {
	l := logger.With("component", "upstream-listener")
	return &Listener{
		Adapter: newAdapter(l),
		authSvc: authSvc,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The backend is not a browser; origin checking is moot here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: l,
	}
}

// HandleWS upgrades and serves the upstream backend's connection. The
// bearer token (header or "token" query parameter) must match the shared
// secret.
func (l *Listener) HandleWS(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")
	if token == "" {
		h := req.Header.Get("Authorization")
		if len(h) > 7 && h[:7] == "Bearer " {
			token = h[7:]
		}
	}
	if err := l.authSvc.CheckSharedSecret(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := l.upgrader.Upgrade(w, req, nil)
	if err != nil {
		l.logger.Warn("upstream websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	if old := l.setActive(conn); old != nil {
		l.logger.Warn("upstream reconnect: closing previous connection")
		_ = old.Close()
	}
	l.logger.Info("upstream backend connected", "remote", req.RemoteAddr)

	stopPing := l.startKeepalive(conn)
	defer stopPing()

	defer func() {
		if l.clear(conn, StateDisconnected) {
			l.logger.Info("upstream backend disconnected")
		}
	}()

	l.readLoop(conn)
}

func (l *Listener) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			l.logger.Debug("upstream read error", "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			l.logger.Warn("invalid frame from upstream", "error", err)
			continue
		}
		l.handler(env)
	}
}

func (l *Listener) startKeepalive(conn *websocket.Conn) (cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.writeControl(conn, websocket.PingMessage, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
