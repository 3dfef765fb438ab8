// Package protocol defines the wire frames exchanged between Chorus and its
// downstream clients (integrations, watchers) and the upstream backend.
//
// All frames are JSON-encoded. The first frame on a client socket must be a
// Registration; every subsequent frame is an Envelope whose "event" field
// determines the payload structure.
package protocol

import "encoding/json"

// Role identifies what kind of client a connection registered as.
type Role string

const (
	// RoleIntegration is a downstream module that can propose actions.
	RoleIntegration Role = "integration"
	// RoleWatcher is a passive observer; it receives status and log events
	// but is never the target of a decision request.
	RoleWatcher Role = "watcher"
)

// Valid reports whether r is a role the relay admits.
func (r Role) Valid() bool {
	return r == RoleIntegration || r == RoleWatcher
}

// Registration is the first frame a client must send after connecting.
type Registration struct {
	Type      Role   `json:"type"`
	Name      string `json:"name"`
	AuthToken string `json:"auth_token"`
}

// ErrorFrame is sent to a client when a frame is rejected. The connection
// stays open; the client may retry.
type ErrorFrame struct {
	Error string `json:"error"`
}

// Envelope is the event frame used in both directions after registration.
type Envelope struct {
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	// Target names a specific connection the event should be delivered to.
	// Only meaningful for events with directed semantics (custom_event).
	Target string `json:"target,omitempty"`
}

// Event names understood by the relay. Unknown events are logged and
// dropped, never fatal.
const (
	// EventRegistered acknowledges a successful registration.
	EventRegistered = "registered"
	// EventChooseAction is an upstream decision request broadcast to all
	// integrations; exactly one reply is forwarded back upstream.
	EventChooseAction = "choose_action"
	// EventActionResult is an integration's reply to a decision request.
	EventActionResult = "action_result"
	// EventContextUpdate is fire-and-forget context from the upstream,
	// fanned out to all integrations.
	EventContextUpdate = "context_update"
	// EventIntegrationLog is fire-and-forget diagnostics from an
	// integration, fanned out to all watchers.
	EventIntegrationLog = "integration_log"
	// EventIntegrationStatus is emitted by the relay to watchers whenever
	// an integration comes online or goes offline.
	EventIntegrationStatus = "integration_status"
	// EventCustomEvent carries an unconstrained payload in either
	// direction; with Target set it is delivered (or durably queued) for
	// that named integration.
	EventCustomEvent = "custom_event"
)

// ChooseAction is the payload of a decision request.
type ChooseAction struct {
	Context          string       `json:"context,omitempty"`
	State            string       `json:"state,omitempty"`
	Query            string       `json:"query,omitempty"`
	EphemeralContext bool         `json:"ephemeral_context,omitempty"`
	Actions          []ActionSpec `json:"actions,omitempty"`
}

// ActionSpec describes one selectable action offered to integrations.
type ActionSpec struct {
	Name string `json:"name"`
	Desc string `json:"desc,omitempty"`
}

// ActionResult is the payload of a decision reply. A reply is structurally
// valid when Status is non-empty.
type ActionResult struct {
	Status string          `json:"status"`
	Action string          `json:"action,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// IntegrationStatus reports liveness of a named connection to watchers.
type IntegrationStatus struct {
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Online bool   `json:"online"`
}

// MarshalPayload encodes v for use as an Envelope payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
