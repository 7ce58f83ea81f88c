package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	configpkg "github.com/drblury/courier/internal/runtime/config"
)

func TestHandleGetTypesReturnsJSON(t *testing.T) {
	f := newFixture(t, withConfig(func(c *configpkg.Config) {
		c.WebUICORSAllowedOrigins = []string{"*"}
	}))
	handler := &recordingHandler{}
	if _, err := Register(f.svc, TypeRegistration[order]{Name: "order.created", Topic: "orders", Handler: handler.handle}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := Register(f.svc, TypeRegistration[order]{Name: "order.audit"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/types", nil)
	rec := httptest.NewRecorder()

	f.svc.handleGetTypes(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content type, got %s", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected Access-Control-Allow-Origin header to be '*', got %s", got)
	}

	var payload Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected error decoding response: %v", err)
	}
	if len(payload.Types) != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	consumed := payload.Types[0]
	if consumed.Name != "order.created" || consumed.Topic != "orders" || !consumed.Consumer {
		t.Fatalf("unexpected consumed type: %+v", consumed)
	}
	if !consumed.Outbox || !consumed.Inbox {
		t.Fatalf("expected outbox and inbox with a store: %+v", consumed)
	}
	if consumed.Stats == nil {
		t.Fatalf("expected stats to be present in payload")
	}
	if payload.Types[1].Consumer || payload.Types[1].Stats != nil {
		t.Fatalf("publish-only type must not report consumer state: %+v", payload.Types[1])
	}
	if payload.OutboxPending != 0 {
		t.Fatalf("expected an empty outbox, got %d", payload.OutboxPending)
	}
}

func TestHandleGetConsumersListsLoops(t *testing.T) {
	f := newFixture(t)
	handler := &recordingHandler{}
	if _, err := Register(f.svc, TypeRegistration[order]{Name: "order.created", Handler: handler.handle}); err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := f.svc.Activate(context.Background(), "order.created")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer token.Close()

	rec := httptest.NewRecorder()
	f.svc.handleGetConsumers(rec, httptest.NewRequest(http.MethodGet, "/api/consumers", nil))

	var payload []ConsumerSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected error decoding response: %v", err)
	}
	if len(payload) != 1 || payload[0].Dedicated {
		t.Fatalf("expected the shared consumer, got %+v", payload)
	}
	if len(payload[0].Topics) != 1 || payload[0].Topics[0] != "order.created" {
		t.Fatalf("unexpected topics: %+v", payload[0].Topics)
	}
}

func TestServeSnapshotMethodsAndCORS(t *testing.T) {
	f := newFixture(t, withConfig(func(c *configpkg.Config) {
		c.WebUICORSAllowedOrigins = []string{"https://ops.example.com"}
	}))

	t.Run("options preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/types", nil)
		req.Header.Set("Origin", "https://ops.example.com")
		rec := httptest.NewRecorder()
		f.svc.handleGetTypes(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
			t.Fatalf("unexpected allowed origin %q", got)
		}
	})

	t.Run("unknown origin gets no CORS headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/types", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		f.svc.handleGetTypes(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("expected no CORS header, got %q", got)
		}
	})

	t.Run("writes are rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.svc.handleGetTypes(rec, httptest.NewRequest(http.MethodPost, "/api/types", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})
}

func TestStartWebUIServerRegistersRoutes(t *testing.T) {
	f := newFixture(t, withConfig(func(c *configpkg.Config) {
		c.WebUIEnabled = true
		c.WebUIPort = 18081
	}))
	f.svc.StartWebUIServer()

	mux := f.svc.httpServers[18081]
	if mux == nil {
		t.Fatalf("expected a mux on the web UI port")
	}
	for _, path := range []string{"/api/types", "/api/consumers"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}
