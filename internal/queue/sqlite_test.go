package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func setupSQLite(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func appendEntry(t *testing.T, s Store, target, event string, payload string) *Entry {
	t.Helper()
	e := &Entry{
		Target:  target,
		Event:   event,
		Payload: json.RawMessage(payload),
	}
	if err := s.Append(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestSQLite_AppendAssignsMonotonicIDs(t *testing.T) {
	s, _ := setupSQLite(t)

	first := appendEntry(t, s, "spotify", "custom_event", `{"n":1}`)
	second := appendEntry(t, s, "spotify", "custom_event", `{"n":2}`)

	if first.ID == 0 || second.ID <= first.ID {
		t.Fatalf("expected monotonic ids, got %d then %d", first.ID, second.ID)
	}
}

func TestSQLite_PendingPreservesFIFO(t *testing.T) {
	s, _ := setupSQLite(t)
	ctx := context.Background()

	for _, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		appendEntry(t, s, "discord", "custom_event", payload)
	}
	appendEntry(t, s, "spotify", "custom_event", `{"other":true}`)

	entries, err := s.Pending(ctx, "discord")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries for discord, got %d", len(entries))
	}
	for i, e := range entries {
		var body struct{ N int }
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			t.Fatal(err)
		}
		if body.N != i+1 {
			t.Fatalf("entry %d out of order: payload %s", i, e.Payload)
		}
	}
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	appendEntry(t, s, "spotify", "custom_event", `{"song":"x"}`)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulates a relay restart: the entry must still be there.
	reopened, err := NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reopened.Close() }()

	entries, err := reopened.Pending(context.Background(), "spotify")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after reopen, got %d", len(entries))
	}
	if entries[0].Event != "custom_event" || string(entries[0].Payload) != `{"song":"x"}` {
		t.Fatalf("entry corrupted across reopen: %+v", entries[0])
	}
}

func TestSQLite_DeleteRemovesExactlyOne(t *testing.T) {
	s, _ := setupSQLite(t)
	ctx := context.Background()

	keep := appendEntry(t, s, "spotify", "custom_event", `{"n":1}`)
	drop := appendEntry(t, s, "spotify", "custom_event", `{"n":2}`)

	if err := s.Delete(ctx, drop.ID); err != nil {
		t.Fatal(err)
	}
	entries, err := s.Pending(ctx, "spotify")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != keep.ID {
		t.Fatalf("expected only entry %d to remain, got %+v", keep.ID, entries)
	}
}

func TestSQLite_TargetsAndCounts(t *testing.T) {
	s, _ := setupSQLite(t)
	ctx := context.Background()

	appendEntry(t, s, "spotify", "custom_event", `{}`)
	appendEntry(t, s, "spotify", "custom_event", `{}`)
	appendEntry(t, s, "discord", "custom_event", `{}`)

	targets, err := s.Targets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %v", targets)
	}

	total, err := s.CountPending(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	perTarget, err := s.CountPending(ctx, "spotify")
	if err != nil {
		t.Fatal(err)
	}
	if perTarget != 2 {
		t.Fatalf("expected 2 for spotify, got %d", perTarget)
	}
}

func TestSQLite_PurgeExpired(t *testing.T) {
	s, _ := setupSQLite(t)
	ctx := context.Background()

	old := &Entry{
		Target:     "spotify",
		Event:      "custom_event",
		Payload:    json.RawMessage(`{}`),
		EnqueuedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := s.Append(ctx, old); err != nil {
		t.Fatal(err)
	}
	fresh := appendEntry(t, s, "spotify", "custom_event", `{}`)

	exhausted := appendEntry(t, s, "discord", "custom_event", `{}`)
	for i := 0; i < 3; i++ {
		if err := s.IncrementAttempts(ctx, exhausted.ID); err != nil {
			t.Fatal(err)
		}
	}

	dropped, err := s.PurgeExpired(ctx, time.Now().UTC().Add(-24*time.Hour), 3)
	if err != nil {
		t.Fatal(err)
	}
	if dropped != 2 {
		t.Fatalf("expected 2 dropped (aged + exhausted), got %d", dropped)
	}

	entries, err := s.Pending(ctx, "spotify")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != fresh.ID {
		t.Fatalf("fresh entry must survive the purge, got %+v", entries)
	}
}
