package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chorus-relay/chorus/internal/auth"
	"github.com/chorus-relay/chorus/internal/config"
	"github.com/chorus-relay/chorus/internal/decision"
	"github.com/chorus-relay/chorus/internal/metrics"
	"github.com/chorus-relay/chorus/internal/queue"
	"github.com/chorus-relay/chorus/internal/registry"
	"github.com/chorus-relay/chorus/internal/router"
	"github.com/chorus-relay/chorus/internal/upstream"
	"github.com/chorus-relay/chorus/pkg/protocol"
)

const testToken = "test-shared-secret-token"

type idleUpstream struct{}

func (idleUpstream) Send(protocol.Envelope) error { return nil }
func (idleUpstream) State() upstream.State        { return upstream.StateDisconnected }

type noopTransport struct{}

func (noopTransport) WriteMessage(int, []byte) error { return nil }
func (noopTransport) Close() error                   { return nil }

func setupServer(t *testing.T) (*Server, *registry.Registry, queue.Store) {
	t.Helper()
	store, err := queue.NewSQLite(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default(testToken)
	authSvc := auth.NewService(cfg.Auth)
	reg := registry.New(authSvc)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	up := idleUpstream{}
	mux := decision.New(reg, up, time.Minute, decision.DefaultFallback(""), slog.Default(), m)
	rt := router.New(reg, store, mux, slog.Default(), m, router.Options{})

	srv := NewServer(Deps{
		Registry:  reg,
		Store:     store,
		Decisions: mux,
		Router:    rt,
		Auth:      authSvc,
		Upstream:  up,
		Gatherer:  promReg,
	}, cfg, slog.Default())
	return srv, reg, store
}

func doRequest(t *testing.T, srv *Server, method, path, bearer string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := setupServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz_ReportsUpstreamState(t *testing.T) {
	srv, _, _ := setupServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["upstream"] != "disconnected" {
		t.Fatalf("expected upstream state in readiness body, got %q", body["upstream"])
	}
}

func TestIssueToken(t *testing.T) {
	srv, _, _ := setupServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/auth/token", "",
		`{"token": "wrong", "subject": "ops"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret must be rejected, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/auth/token", "",
		`{"token": "`+testToken+`", "subject": "ops"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["token"] == "" {
		t.Fatal("expected a minted token")
	}

	// The minted token must work on authenticated routes.
	rec = doRequest(t, srv, http.MethodGet, "/api/integrations", body["token"], "")
	if rec.Code != http.StatusOK {
		t.Fatalf("minted token rejected: %d", rec.Code)
	}
}

func TestOpsRoutes_RequireAuth(t *testing.T) {
	srv, _, _ := setupServer(t)

	for _, path := range []string{"/api/integrations", "/api/watchers", "/api/queue", "/api/decisions/recent"} {
		rec := doRequest(t, srv, http.MethodGet, path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401 without bearer, got %d", path, rec.Code)
		}
		rec = doRequest(t, srv, http.MethodGet, path, "not-a-token", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401 with a bad bearer, got %d", path, rec.Code)
		}
	}
}

func TestListIntegrations(t *testing.T) {
	srv, reg, _ := setupServer(t)

	_, _, err := reg.Register(protocol.Registration{
		Type: protocol.RoleIntegration, Name: "spotify", AuthToken: testToken,
	}, noopTransport{})
	if err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/integrations", testToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var conns []connectionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &conns); err != nil {
		t.Fatal(err)
	}
	if len(conns) != 1 || conns[0].Name != "spotify" {
		t.Fatalf("unexpected listing: %+v", conns)
	}
}

func TestQueueStatus(t *testing.T) {
	srv, _, store := setupServer(t)

	err := store.Append(context.Background(), &queue.Entry{
		Target: "spotify", Event: "custom_event", Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/queue", testToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Total   int64 `json:"total"`
		Targets []struct {
			Target  string `json:"target"`
			Pending int64  `json:"pending"`
			Online  bool   `json:"online"`
		} `json:"targets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 || len(body.Targets) != 1 || body.Targets[0].Target != "spotify" || body.Targets[0].Online {
		t.Fatalf("unexpected queue status: %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chorus_queue_depth") {
		t.Fatal("expected relay collectors in the metrics exposition")
	}
}
