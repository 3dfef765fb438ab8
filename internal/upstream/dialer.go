package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chorus-relay/chorus/pkg/protocol"
)

// Dialer maintains an outbound connection to the upstream backend.
// Reconnection is an explicit state transition
// (Disconnected → Connecting → Active), not a recursive retry callback.
type Dialer struct {
	*Adapter
	url      string
	token    string
	interval time.Duration
	handler  Handler
	logger   *slog.Logger
}

// NewDialer creates a dial-mode adapter.
func NewDialer(url, token string, interval time.Duration, handler Handler, logger *slog.Logger) *Dialer {
	l := logger.With("component", "upstream-dialer")
	return &Dialer{
		Adapter:  newAdapter(l),
		url:      url,
		token:    token,
		interval: interval,
		handler:  handler,
		logger:   l,
	}
}

// Run dials the backend and processes messages until the context is
// canceled, reconnecting with a fixed backoff after each failure.
func (d *Dialer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.setState(StateDisconnected)
			return ctx.Err()
		default:
		}

		if err := d.connectOnce(ctx); err != nil {
			d.logger.Warn("upstream connection failed", "error", err)
		}

		d.setState(StateDisconnected)
		d.logger.Info("reconnecting to upstream", "delay", d.interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.interval):
		}
	}
}

func (d *Dialer) connectOnce(ctx context.Context) error {
	d.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.token)

	conn, _, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}

	d.setActive(conn)
	defer func() {
		d.clear(conn, StateDisconnected)
		_ = conn.Close()
	}()

	d.logger.Info("connected to upstream", "url", d.url)

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return ctx.Err()
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read upstream: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			d.logger.Warn("invalid frame from upstream", "error", err)
			continue
		}
		d.handler(env)
	}
}
