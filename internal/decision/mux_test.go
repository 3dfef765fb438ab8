package decision

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chorus-relay/chorus/internal/auth"
	"github.com/chorus-relay/chorus/internal/config"
	"github.com/chorus-relay/chorus/internal/metrics"
	"github.com/chorus-relay/chorus/internal/registry"
	"github.com/chorus-relay/chorus/pkg/protocol"
)

const testToken = "test-shared-secret-token"

// fakeTransport records envelopes written to a client connection.
type fakeTransport struct {
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) received(event string) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range f.frames {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// fakeUpstream records envelopes forwarded to the backend.
type fakeUpstream struct {
	mu    sync.Mutex
	sends []protocol.Envelope
}

func (f *fakeUpstream) Send(env protocol.Envelope) error {
	f.mu.Lock()
	f.sends = append(f.sends, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) sent() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.sends...)
}

func setupMux(t *testing.T, timeout time.Duration) (*Mux, *registry.Registry, *fakeUpstream) {
	t.Helper()
	authSvc := auth.NewService(config.AuthConfig{Token: testToken})
	reg := registry.New(authSvc)
	up := &fakeUpstream{}
	m := New(reg, up, timeout, DefaultFallback(""), slog.Default(), metrics.NewNop())
	return m, reg, up
}

func addClient(t *testing.T, reg *registry.Registry, role protocol.Role, name string) *fakeTransport {
	t.Helper()
	ft := &fakeTransport{}
	_, _, err := reg.Register(protocol.Registration{Type: role, Name: name, AuthToken: testToken}, ft)
	if err != nil {
		t.Fatal(err)
	}
	return ft
}

func resultPayload(t *testing.T, status, action string) json.RawMessage {
	t.Helper()
	p, err := protocol.MarshalPayload(protocol.ActionResult{Status: status, Action: action})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDispatch_BroadcastsToIntegrationsAndWatchers(t *testing.T) {
	m, reg, _ := setupMux(t, time.Second)
	spotify := addClient(t, reg, protocol.RoleIntegration, "spotify")
	discord := addClient(t, reg, protocol.RoleIntegration, "discord")
	watcher := addClient(t, reg, protocol.RoleWatcher, "dash")

	corrID := m.Dispatch(protocol.Envelope{
		Event:   protocol.EventChooseAction,
		Payload: json.RawMessage(`{"context":"user asked for music"}`),
	})
	if corrID == "" {
		t.Fatal("dispatch must assign a correlation id")
	}

	for name, ft := range map[string]*fakeTransport{"spotify": spotify, "discord": discord, "watcher": watcher} {
		got := ft.received(protocol.EventChooseAction)
		if len(got) != 1 {
			t.Fatalf("%s: expected 1 request, got %d", name, len(got))
		}
		if got[0].CorrelationID != corrID {
			t.Fatalf("%s: correlation id mismatch", name)
		}
	}
}

func TestHandleReply_FirstValidWins(t *testing.T) {
	m, reg, up := setupMux(t, time.Minute)
	addClient(t, reg, protocol.RoleIntegration, "spotify")
	addClient(t, reg, protocol.RoleIntegration, "discord")

	corrID := m.Dispatch(protocol.Envelope{Event: protocol.EventChooseAction})

	m.HandleReply("spotify", protocol.Envelope{
		Event:         protocol.EventActionResult,
		CorrelationID: corrID,
		Payload:       resultPayload(t, "ok", "play_song"),
	})
	m.HandleReply("discord", protocol.Envelope{
		Event:         protocol.EventActionResult,
		CorrelationID: corrID,
		Payload:       resultPayload(t, "ok", "send_message"),
	})

	sends := up.sent()
	if len(sends) != 1 {
		t.Fatalf("exactly one reply must reach upstream, got %d", len(sends))
	}
	var result protocol.ActionResult
	if err := json.Unmarshal(sends[0].Payload, &result); err != nil {
		t.Fatal(err)
	}
	if result.Action != "play_song" {
		t.Fatalf("the first reply must win, got %q", result.Action)
	}

	recent := m.Recent()
	if len(recent) != 1 || recent[0].Origin != "spotify" || recent[0].Outcome != "resolved" {
		t.Fatalf("unexpected resolution record: %+v", recent)
	}
	if recent[0].LateReplies != 1 {
		t.Fatalf("the losing reply must be counted as late, got %d", recent[0].LateReplies)
	}
}

func TestHandleReply_ConcurrentRepliesResolveOnce(t *testing.T) {
	m, reg, up := setupMux(t, time.Minute)
	names := []string{"a", "b", "c", "d", "e"}
	for _, n := range names {
		addClient(t, reg, protocol.RoleIntegration, n)
	}

	corrID := m.Dispatch(protocol.Envelope{Event: protocol.EventChooseAction})

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(origin string) {
			defer wg.Done()
			m.HandleReply(origin, protocol.Envelope{
				Event:         protocol.EventActionResult,
				CorrelationID: corrID,
				Payload:       resultPayload(t, "ok", "act_"+origin),
			})
		}(n)
	}
	wg.Wait()

	if sends := up.sent(); len(sends) != 1 {
		t.Fatalf("racing replies must resolve exactly once, upstream saw %d", len(sends))
	}
	if m.PendingCount() != 0 {
		t.Fatal("decision must not remain pending after resolution")
	}
}

func TestHandleTimeout_FallbackForwardedOnce(t *testing.T) {
	m, reg, up := setupMux(t, 20*time.Millisecond)
	addClient(t, reg, protocol.RoleIntegration, "spotify")

	corrID := m.Dispatch(protocol.Envelope{Event: protocol.EventChooseAction})

	deadline := time.After(2 * time.Second)
	for len(up.sent()) == 0 {
		select {
		case <-deadline:
			t.Fatal("fallback never reached upstream")
		case <-time.After(5 * time.Millisecond):
		}
	}

	sends := up.sent()
	if len(sends) != 1 || sends[0].CorrelationID != corrID {
		t.Fatalf("expected one fallback for %s, got %+v", corrID, sends)
	}
	var result protocol.ActionResult
	if err := json.Unmarshal(sends[0].Payload, &result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "fallback" {
		t.Fatalf("expected fallback status, got %q", result.Status)
	}

	// A reply after the deadline must be discarded, not forwarded.
	m.HandleReply("spotify", protocol.Envelope{
		Event:         protocol.EventActionResult,
		CorrelationID: corrID,
		Payload:       resultPayload(t, "ok", "too_late"),
	})
	if len(up.sent()) != 1 {
		t.Fatal("late reply must not reach upstream")
	}
}

func TestHandleReply_DiscardsInvalid(t *testing.T) {
	m, reg, up := setupMux(t, time.Minute)
	addClient(t, reg, protocol.RoleIntegration, "spotify")

	corrID := m.Dispatch(protocol.Envelope{Event: protocol.EventChooseAction})

	// Missing status fails schema validation.
	m.HandleReply("spotify", protocol.Envelope{
		Event:         protocol.EventActionResult,
		CorrelationID: corrID,
		Payload:       json.RawMessage(`{"action":"x"}`),
	})
	// Unknown correlation id.
	m.HandleReply("spotify", protocol.Envelope{
		Event:         protocol.EventActionResult,
		CorrelationID: "no-such-id",
		Payload:       resultPayload(t, "ok", "x"),
	})
	// Missing correlation id entirely.
	m.HandleReply("spotify", protocol.Envelope{
		Event:   protocol.EventActionResult,
		Payload: resultPayload(t, "ok", "x"),
	})

	if len(up.sent()) != 0 {
		t.Fatal("invalid replies must never reach upstream")
	}
	if m.PendingCount() != 1 {
		t.Fatal("the decision must stay pending after invalid replies")
	}

	// A later valid reply still wins.
	m.HandleReply("spotify", protocol.Envelope{
		Event:         protocol.EventActionResult,
		CorrelationID: corrID,
		Payload:       resultPayload(t, "ok", "play_song"),
	})
	if len(up.sent()) != 1 {
		t.Fatal("valid reply after invalid ones must resolve the decision")
	}
}

func TestDispatch_NoIntegrationsStillTimesOut(t *testing.T) {
	m, _, up := setupMux(t, 20*time.Millisecond)

	m.Dispatch(protocol.Envelope{Event: protocol.EventChooseAction})

	deadline := time.After(2 * time.Second)
	for len(up.sent()) == 0 {
		select {
		case <-deadline:
			t.Fatal("fallback never reached upstream")
		case <-time.After(5 * time.Millisecond):
		}
	}
	recent := m.Recent()
	if len(recent) != 1 || recent[0].Outcome != "timeout" {
		t.Fatalf("expected a timeout resolution, got %+v", recent)
	}
}

func TestDispatch_PendingCorrelationIDCollision(t *testing.T) {
	m, reg, up := setupMux(t, time.Minute)
	addClient(t, reg, protocol.RoleIntegration, "spotify")

	first := m.Dispatch(protocol.Envelope{
		Event:         protocol.EventChooseAction,
		CorrelationID: "req-1",
	})
	second := m.Dispatch(protocol.Envelope{
		Event:         protocol.EventChooseAction,
		CorrelationID: "req-1",
	})

	if first != "req-1" {
		t.Fatalf("first dispatch must keep the supplied id, got %q", first)
	}
	if second == first {
		t.Fatal("a dispatch reusing a pending id must be assigned a fresh one")
	}
	if m.PendingCount() != 2 {
		t.Fatalf("both decisions must stay pending, got %d", m.PendingCount())
	}

	// Each decision resolves independently under its own id.
	for _, id := range []string{first, second} {
		m.HandleReply("spotify", protocol.Envelope{
			Event:         protocol.EventActionResult,
			CorrelationID: id,
			Payload:       resultPayload(t, "ok", "act_"+id),
		})
	}
	sends := up.sent()
	if len(sends) != 2 {
		t.Fatalf("expected both decisions forwarded, got %d", len(sends))
	}
	if sends[0].CorrelationID == sends[1].CorrelationID {
		t.Fatal("forwarded replies must carry distinct correlation ids")
	}
	if m.PendingCount() != 0 {
		t.Fatal("no decision may remain pending")
	}
}
