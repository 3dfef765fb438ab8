package protocol

import (
	"encoding/json"
	"testing"
)

func TestRole_Valid(t *testing.T) {
	if !RoleIntegration.Valid() || !RoleWatcher.Valid() {
		t.Fatal("known roles must be valid")
	}
	for _, r := range []Role{"", "robot", "Integration"} {
		if r.Valid() {
			t.Fatalf("role %q must be invalid", r)
		}
	}
}

func TestEnvelope_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Envelope{Event: EventContextUpdate})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"event":"context_update"}` {
		t.Fatalf("optional fields must be omitted, got %s", data)
	}
}

func TestRegistration_MatchesWireFormat(t *testing.T) {
	var reg Registration
	frame := `{"type": "integration", "name": "spotify", "auth_token": "tok"}`
	if err := json.Unmarshal([]byte(frame), &reg); err != nil {
		t.Fatal(err)
	}
	if reg.Type != RoleIntegration || reg.Name != "spotify" || reg.AuthToken != "tok" {
		t.Fatalf("unexpected registration: %+v", reg)
	}
}
