// Package decision arbitrates concurrent replies from multiple integrations
// into a single deterministic response for the upstream backend. A decision
// request is broadcast to every registered integration; the first
// structurally valid reply wins and is forwarded upstream exactly once, and
// a fallback is forwarded instead if the deadline elapses first.
package decision

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorus-relay/chorus/internal/metrics"
	"github.com/chorus-relay/chorus/internal/registry"
	"github.com/chorus-relay/chorus/pkg/protocol"
)

// resolvedTTL bounds the diagnostic cache of recently resolved decisions.
const resolvedTTL = time.Minute

// UpstreamSender is the single channel back to the upstream backend.
type UpstreamSender interface {
	Send(env protocol.Envelope) error
}

// Fallback builds the reply forwarded upstream when no valid reply arrives
// before the deadline. The policy is pluggable; the default is a neutral
// no-action result.
type Fallback func(req protocol.ChooseAction) protocol.ActionResult

// DefaultFallback returns a fallback policy that always answers with the
// given action (empty means "no action").
func DefaultFallback(action string) Fallback {
	return func(protocol.ChooseAction) protocol.ActionResult {
		return protocol.ActionResult{Status: "fallback", Action: action}
	}
}

// Resolution is a record of a completed decision, kept briefly for
// diagnostics. It is never forwarded anywhere.
type Resolution struct {
	CorrelationID string                `json:"correlation_id"`
	Outcome       string                `json:"outcome"` // "resolved" or "timeout"
	Origin        string                `json:"origin,omitempty"`
	Result        protocol.ActionResult `json:"result"`
	Targets       []string              `json:"targets,omitempty"`
	ResolvedAt    time.Time             `json:"resolved_at"`
	LateReplies   int                   `json:"late_replies,omitempty"`
}

type pendingDecision struct {
	id      string
	request protocol.ChooseAction
	payload json.RawMessage
	targets []string
	timer   *time.Timer
}

// Mux is the decision multiplexer. It is safe for concurrent use; replies
// racing each other and racing the deadline are expected.
type Mux struct {
	registry *registry.Registry
	upstream UpstreamSender
	timeout  time.Duration
	fallback Fallback
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	pending  map[string]*pendingDecision
	resolved map[string]*Resolution
}

// New creates a multiplexer.
func New(reg *registry.Registry, upstream UpstreamSender, timeout time.Duration, fallback Fallback, logger *slog.Logger, m *metrics.Metrics) *Mux {
	return &Mux{
		registry: reg,
		upstream: upstream,
		timeout:  timeout,
		fallback: fallback,
		logger:   logger.With("component", "decision-mux"),
		metrics:  m,
		pending:  make(map[string]*pendingDecision),
		resolved: make(map[string]*Resolution),
	}
}

// Dispatch broadcasts a decision request to every registered integration
// and opens the bounded waiting window. It returns the correlation id
// assigned to the request.
func (m *Mux) Dispatch(env protocol.Envelope) string {
	var req protocol.ChooseAction
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			m.logger.Warn("decision request payload not fully structured", "error", err)
		}
	}

	corrID := env.CorrelationID
	if corrID == "" {
		corrID = uuid.New().String()
	}

	integrations := m.registry.List(protocol.RoleIntegration)
	targets := make([]string, 0, len(integrations))
	for _, c := range integrations {
		targets = append(targets, c.Name())
	}
	sort.Strings(targets)

	m.mu.Lock()
	m.sweepResolvedLocked()
	if _, exists := m.pending[corrID]; exists {
		// Reusing a pending id would let the first request's timer resolve
		// the second one early. Keep both decisions alive under distinct ids.
		fresh := uuid.New().String()
		m.logger.Warn("correlation id already pending, assigning a fresh one",
			"correlation_id", corrID, "assigned", fresh)
		corrID = fresh
	}
	p := &pendingDecision{
		id:      corrID,
		request: req,
		payload: env.Payload,
		targets: targets,
	}
	id := corrID
	p.timer = time.AfterFunc(m.timeout, func() { m.handleTimeout(id) })
	m.pending[corrID] = p
	m.mu.Unlock()

	out := protocol.Envelope{
		Event:         protocol.EventChooseAction,
		Payload:       env.Payload,
		CorrelationID: corrID,
	}
	for _, c := range integrations {
		if err := c.Send(out); err != nil {
			m.logger.Warn("broadcast to integration failed", "integration", c.Name(), "error", err)
		}
	}

	// Mirror the request to watchers so external observers see what was
	// asked, without ever being allowed to answer.
	for _, w := range m.registry.List(protocol.RoleWatcher) {
		if err := w.Send(out); err != nil {
			m.logger.Debug("mirror to watcher failed", "watcher", w.Name(), "error", err)
		}
	}

	m.logger.Info("decision request dispatched", "correlation_id", corrID,
		"integrations", len(targets), "timeout", m.timeout)
	return corrID
}

// HandleReply processes an action_result from an integration. The first
// structurally valid reply for a pending correlation id wins; everything
// else is logged and discarded.
func (m *Mux) HandleReply(origin string, env protocol.Envelope) {
	corrID := env.CorrelationID
	if corrID == "" {
		m.discard(origin, corrID, "reply without correlation id")
		return
	}

	var result protocol.ActionResult
	if err := json.Unmarshal(env.Payload, &result); err != nil || result.Status == "" {
		m.discard(origin, corrID, "reply failed schema validation")
		return
	}

	m.mu.Lock()
	p, ok := m.pending[corrID]
	if !ok {
		if res, seen := m.resolved[corrID]; seen {
			res.LateReplies++
			m.mu.Unlock()
			m.discard(origin, corrID, "reply arrived after resolution")
			return
		}
		m.mu.Unlock()
		m.discard(origin, corrID, "unrecognized correlation id")
		return
	}
	// First valid reply: the decision resolves here, exactly once.
	delete(m.pending, corrID)
	m.resolved[corrID] = &Resolution{
		CorrelationID: corrID,
		Outcome:       "resolved",
		Origin:        origin,
		Result:        result,
		Targets:       p.targets,
		ResolvedAt:    time.Now(),
	}
	m.mu.Unlock()

	p.timer.Stop()
	m.metrics.Decisions.WithLabelValues("resolved").Inc()
	m.logger.Info("decision resolved", "correlation_id", corrID, "integration", origin,
		"action", result.Action)

	m.forward(protocol.Envelope{
		Event:         protocol.EventActionResult,
		Payload:       env.Payload,
		CorrelationID: corrID,
	})
}

// handleTimeout fires when the waiting window elapses without a valid
// reply. The configured fallback is forwarded upstream exactly once.
func (m *Mux) handleTimeout(corrID string) {
	m.mu.Lock()
	p, ok := m.pending[corrID]
	if !ok {
		// A reply won the race with the timer.
		m.mu.Unlock()
		return
	}
	delete(m.pending, corrID)
	result := m.fallback(p.request)
	m.resolved[corrID] = &Resolution{
		CorrelationID: corrID,
		Outcome:       "timeout",
		Result:        result,
		Targets:       p.targets,
		ResolvedAt:    time.Now(),
	}
	m.mu.Unlock()

	m.metrics.Decisions.WithLabelValues("timeout").Inc()
	m.logger.Warn("decision timed out, using fallback", "correlation_id", corrID,
		"integrations", len(p.targets), "fallback_action", result.Action)

	payload, err := protocol.MarshalPayload(result)
	if err != nil {
		m.logger.Error("marshal fallback result failed", "error", err)
		return
	}
	m.forward(protocol.Envelope{
		Event:         protocol.EventActionResult,
		Payload:       payload,
		CorrelationID: corrID,
	})
}

// PendingCount returns the number of open decision windows.
func (m *Mux) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Recent returns the diagnostic cache of recently resolved decisions,
// newest first.
func (m *Mux) Recent() []Resolution {
	m.mu.Lock()
	m.sweepResolvedLocked()
	out := make([]Resolution, 0, len(m.resolved))
	for _, r := range m.resolved {
		out = append(out, *r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ResolvedAt.After(out[j].ResolvedAt) })
	return out
}

func (m *Mux) forward(env protocol.Envelope) {
	if err := m.upstream.Send(env); err != nil {
		m.logger.Warn("forward to upstream failed", "correlation_id", env.CorrelationID, "error", err)
	}
}

func (m *Mux) discard(origin, corrID, reason string) {
	m.metrics.InvalidReplies.Inc()
	m.logger.Warn("discarded decision reply", "integration", origin,
		"correlation_id", corrID, "reason", reason)
}

func (m *Mux) sweepResolvedLocked() {
	cutoff := time.Now().Add(-resolvedTTL)
	for id, r := range m.resolved {
		if r.ResolvedAt.Before(cutoff) {
			delete(m.resolved, id)
		}
	}
}
