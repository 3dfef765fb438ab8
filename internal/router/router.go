// Package router classifies every inbound message and decides its path:
// registration, decision arbitration, fan-out, directed delivery, or the
// durable queue when the target is offline.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chorus-relay/chorus/internal/decision"
	"github.com/chorus-relay/chorus/internal/metrics"
	"github.com/chorus-relay/chorus/internal/queue"
	"github.com/chorus-relay/chorus/internal/registry"
	"github.com/chorus-relay/chorus/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// handlerFunc processes one event from a registered connection.
type handlerFunc func(origin *registry.Conn, env protocol.Envelope)

// Options configures the Router.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64 // max WebSocket frame from clients (default 256KB)
}

// Router routes events between integrations, watchers, the decision
// multiplexer, and the durable queue.
type Router struct {
	registry *registry.Registry
	store    queue.Store
	mux      *decision.Mux
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	maxMessageBytes int64

	// handlers maps event names to their routing behavior, populated once
	// at construction.
	handlers map[string]handlerFunc
}

// New creates a Router.
func New(reg *registry.Registry, store queue.Store, mux *decision.Mux, logger *slog.Logger, m *metrics.Metrics, opts Options) *Router {
	maxBytes := opts.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = 256 * 1024
	}

	r := &Router{
		registry:        reg,
		store:           store,
		mux:             mux,
		logger:          logger.With("component", "router"),
		metrics:         m,
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: maxBytes,
	}
	r.handlers = map[string]handlerFunc{
		protocol.EventActionResult:   r.handleActionResult,
		protocol.EventIntegrationLog: r.handleIntegrationLog,
		protocol.EventCustomEvent:    r.handleCustomEvent,
	}
	return r
}

// HandleClientWS serves a downstream client connection (integration or
// watcher). The first valid frame must be a registration; everything before
// that is rejected with an auth or protocol error, and the transport stays
// open so the client may retry.
func (r *Router) HandleClientWS(w http.ResponseWriter, req *http.Request) {
	wsConn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = wsConn.Close() }()

	wsConn.SetReadLimit(r.maxMessageBytes)

	conn := r.awaitRegistration(wsConn)
	if conn == nil {
		return // socket closed before a valid registration arrived
	}

	cancelKeepalive := startWSKeepalive(wsConn, conn.WriteMutex())
	defer cancelKeepalive()

	defer r.teardown(conn)

	limiter := newMessageLimiter()
	for {
		_, msg, err := wsConn.ReadMessage()
		if err != nil {
			r.logger.Debug("client read error", "name", conn.Name(), "error", err)
			return
		}
		_ = wsConn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.Touch()

		if !limiter.allow() {
			r.logger.Debug("client message rate limited", "name", conn.Name())
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			// ProtocolError: log, drop the frame, keep the connection.
			r.logger.Warn("malformed frame", "role", conn.Role(), "name", conn.Name(), "error", err)
			continue
		}

		r.dispatch(conn, env)
	}
}

// awaitRegistration reads frames until one is a valid registration, then
// admits the connection. Returns nil when the socket closes first.
func (r *Router) awaitRegistration(wsConn *websocket.Conn) *registry.Conn {
	for {
		// Keepalive only starts after registration; without a deadline here
		// a silent client would pin its goroutine and socket forever.
		_ = wsConn.SetReadDeadline(time.Now().Add(wsPongWait))
		_, msg, err := wsConn.ReadMessage()
		if err != nil {
			r.logger.Debug("connection closed before registration", "error", err)
			return nil
		}

		var reg protocol.Registration
		if err := json.Unmarshal(msg, &reg); err != nil {
			r.sendRaw(wsConn, protocol.ErrorFrame{Error: "registration must be JSON"})
			continue
		}

		conn, err := r.register(reg, wsConn)
		if err != nil {
			r.sendRaw(wsConn, protocol.ErrorFrame{Error: err.Error()})
			continue
		}
		return conn
	}
}

// register admits a connection through the registry and performs the
// side effects of a successful registration: the ack, the watcher status
// broadcast, and the durable queue drain.
func (r *Router) register(reg protocol.Registration, t registry.Transport) (*registry.Conn, error) {
	conn, old, err := r.registry.Register(reg, t)
	if err != nil {
		return nil, err
	}
	if old != nil {
		r.logger.Warn("registration superseded a live connection", "role", reg.Type, "name", reg.Name)
	} else {
		r.metrics.Connections.WithLabelValues(string(reg.Type)).Inc()
	}
	r.logger.Info("client registered", "role", reg.Type, "name", reg.Name)

	ack, _ := protocol.MarshalPayload(map[string]any{"type": reg.Type, "name": reg.Name})
	if err := conn.Send(protocol.Envelope{Event: protocol.EventRegistered, Payload: ack}); err != nil {
		r.logger.Debug("send registration ack failed", "name", reg.Name, "error", err)
	}

	if conn.Role() == protocol.RoleIntegration {
		r.broadcastStatus(conn.Name(), conn.Role(), true)
		r.drain(context.Background(), conn)
	}
	return conn, nil
}

// teardown deregisters a connection unless a newer registration already
// replaced it, and tells watchers it went offline.
func (r *Router) teardown(conn *registry.Conn) {
	if !r.registry.Deregister(conn) {
		r.logger.Info("connection superseded, skipping offline broadcast",
			"role", conn.Role(), "name", conn.Name())
		return
	}
	r.metrics.Connections.WithLabelValues(string(conn.Role())).Dec()
	r.logger.Info("client disconnected", "role", conn.Role(), "name", conn.Name())
	if conn.Role() == protocol.RoleIntegration {
		r.broadcastStatus(conn.Name(), conn.Role(), false)
	}
}

// dispatch routes one event from a registered connection.
func (r *Router) dispatch(origin *registry.Conn, env protocol.Envelope) {
	h, ok := r.handlers[env.Event]
	if !ok {
		// Unknown events are logged and dropped, never fatal.
		r.logger.Warn("unknown event", "event", env.Event, "role", origin.Role(), "name", origin.Name())
		return
	}
	r.metrics.EventsRouted.WithLabelValues(env.Event).Inc()
	h(origin, env)
}

// handleActionResult forwards a decision reply to the multiplexer. Only
// integrations may answer decision requests.
func (r *Router) handleActionResult(origin *registry.Conn, env protocol.Envelope) {
	if origin.Role() != protocol.RoleIntegration {
		r.logger.Warn("action_result from non-integration", "role", origin.Role(), "name", origin.Name())
		return
	}
	r.mux.HandleReply(origin.Name(), env)
}

// handleIntegrationLog fans integration diagnostics out to all watchers.
func (r *Router) handleIntegrationLog(origin *registry.Conn, env protocol.Envelope) {
	if origin.Role() != protocol.RoleIntegration {
		r.logger.Warn("integration_log from non-integration", "role", origin.Role(), "name", origin.Name())
		return
	}
	r.fanOut(protocol.RoleWatcher, protocol.Envelope{
		Event:   protocol.EventIntegrationLog,
		Payload: env.Payload,
		Target:  origin.Name(), // lets watchers attribute the log line
	})
}

// handleCustomEvent routes an unconstrained event. With a target set it is
// delivered to that integration, durably queued if the integration is
// offline. Without a target, integration events fan out to watchers.
func (r *Router) handleCustomEvent(origin *registry.Conn, env protocol.Envelope) {
	if env.Target != "" {
		r.deliverOrQueue(context.Background(), env.Target, protocol.Envelope{
			Event:         protocol.EventCustomEvent,
			Payload:       env.Payload,
			CorrelationID: env.CorrelationID,
		})
		return
	}
	if origin.Role() == protocol.RoleIntegration {
		r.fanOut(protocol.RoleWatcher, protocol.Envelope{
			Event:   protocol.EventCustomEvent,
			Payload: env.Payload,
			Target:  origin.Name(),
		})
		return
	}
	if err := origin.SendError("custom_event from a watcher requires a target"); err != nil {
		r.logger.Debug("send error frame failed", "name", origin.Name(), "error", err)
	}
}

// HandleUpstream routes an envelope received from the upstream backend.
func (r *Router) HandleUpstream(env protocol.Envelope) {
	r.metrics.EventsRouted.WithLabelValues(env.Event).Inc()
	switch env.Event {
	case protocol.EventChooseAction:
		r.mux.Dispatch(env)

	case protocol.EventContextUpdate:
		// Fire-and-forget fan-out; offline integrations simply miss it.
		out := protocol.Envelope{Event: protocol.EventContextUpdate, Payload: env.Payload}
		r.fanOut(protocol.RoleIntegration, out)
		r.fanOut(protocol.RoleWatcher, out)

	case protocol.EventCustomEvent:
		if env.Target != "" {
			// Same frame shape as client-originated directed events: the
			// target is routing metadata, not part of the delivered frame.
			r.deliverOrQueue(context.Background(), env.Target, protocol.Envelope{
				Event:         protocol.EventCustomEvent,
				Payload:       env.Payload,
				CorrelationID: env.CorrelationID,
			})
			return
		}
		r.fanOut(protocol.RoleIntegration, env)

	default:
		r.logger.Warn("unknown upstream event", "event", env.Event)
	}
}

// deliverOrQueue sends an envelope to a named integration, handing it to
// the durable queue when the integration is offline or the write fails.
func (r *Router) deliverOrQueue(ctx context.Context, target string, env protocol.Envelope) {
	if conn, ok := r.registry.Lookup(protocol.RoleIntegration, target); ok {
		if err := conn.Send(env); err == nil {
			return
		}
		r.logger.Warn("direct delivery failed, queueing", "target", target, "event", env.Event)
	}

	entry := &queue.Entry{
		Target:        target,
		Event:         env.Event,
		Payload:       env.Payload,
		CorrelationID: env.CorrelationID,
	}
	if err := r.store.Append(ctx, entry); err != nil {
		// PersistenceFailure: fatal for this entry only, surfaced loudly.
		r.logger.Error("durable enqueue failed, message lost", "target", target,
			"event", env.Event, "error", err)
		return
	}
	r.metrics.Queued.Inc()
	r.logger.Info("queued message for offline target", "target", target, "event", env.Event)
}

// DeliverQueued is the delivery callback used by the queue retry loop.
func (r *Router) DeliverQueued(ctx context.Context, e queue.Entry) error {
	conn, ok := r.registry.Lookup(protocol.RoleIntegration, e.Target)
	if !ok {
		return queue.ErrUnreachable
	}
	return conn.Send(protocol.Envelope{
		Event:         e.Event,
		Payload:       e.Payload,
		CorrelationID: e.CorrelationID,
	})
}

// drain replays an integration's pending queue entries in FIFO order when
// it reconnects, removing each entry once delivered.
func (r *Router) drain(ctx context.Context, conn *registry.Conn) {
	entries, err := r.store.Pending(ctx, conn.Name())
	if err != nil {
		r.logger.Warn("load pending queue failed", "target", conn.Name(), "error", err)
		return
	}
	for _, e := range entries {
		err := conn.Send(protocol.Envelope{
			Event:         e.Event,
			Payload:       e.Payload,
			CorrelationID: e.CorrelationID,
		})
		if err != nil {
			// Stop here; the retry loop picks the rest up in order.
			r.logger.Warn("drain interrupted", "target", conn.Name(), "entry", e.ID, "error", err)
			return
		}
		if err := r.store.Delete(ctx, e.ID); err != nil {
			r.logger.Error("delete drained entry failed", "entry", e.ID, "error", err)
			return
		}
		r.metrics.Delivered.Inc()
	}
	if len(entries) > 0 {
		r.logger.Info("drained queued messages", "target", conn.Name(), "count", len(entries))
	}
}

// fanOut sends an envelope to every connection of a role without waiting
// for replies.
func (r *Router) fanOut(role protocol.Role, env protocol.Envelope) {
	for _, c := range r.registry.List(role) {
		if err := c.Send(env); err != nil {
			r.logger.Debug("fan-out send failed", "role", role, "name", c.Name(), "error", err)
		}
	}
}

// broadcastStatus tells all watchers a connection came online or went
// offline.
func (r *Router) broadcastStatus(name string, role protocol.Role, online bool) {
	payload, err := protocol.MarshalPayload(protocol.IntegrationStatus{
		Name:   name,
		Role:   role,
		Online: online,
	})
	if err != nil {
		return
	}
	r.fanOut(protocol.RoleWatcher, protocol.Envelope{
		Event:   protocol.EventIntegrationStatus,
		Payload: payload,
	})
}

func (r *Router) sendRaw(conn *websocket.Conn, frame protocol.ErrorFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// messageLimiter is a per-connection token bucket. Each connection has its
// own reader goroutine, so no locking is needed.
type messageLimiter struct {
	tokens   float64
	lastTime time.Time
}

const (
	msgRate  = 50.0  // messages per second
	msgBurst = 100.0 // max burst
)

func newMessageLimiter() *messageLimiter {
	return &messageLimiter{tokens: msgBurst, lastTime: time.Now()}
}

func (l *messageLimiter) allow() bool {
	now := time.Now()
	l.tokens += now.Sub(l.lastTime).Seconds() * msgRate
	if l.tokens > msgBurst {
		l.tokens = msgBurst
	}
	l.lastTime = now

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
