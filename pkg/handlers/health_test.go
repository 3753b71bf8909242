package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/config"
)

func TestHealth(t *testing.T) {
	h := NewHealthHandler(&config.Config{}, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "ok" {
		t.Errorf("expected body %q, got %q", "ok", got)
	}
}

func TestPing(t *testing.T) {
	cfg := &config.Config{Env: "test", Version: "1.2.3"}
	h := NewHealthHandler(cfg, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	h.Ping(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp PingResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status %q, got %q", "ok", resp.Status)
	}
	if resp.Service != "mdm-engine" {
		t.Errorf("expected service %q, got %q", "mdm-engine", resp.Service)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("expected version %q, got %q", "1.2.3", resp.Version)
	}
	if resp.Environment != "test" {
		t.Errorf("expected environment %q, got %q", "test", resp.Environment)
	}
}
