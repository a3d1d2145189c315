package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zhouzirui/persona-relay/backend/internal/metrics"
	"github.com/zhouzirui/persona-relay/backend/internal/service/archive"
)

func TestRootRoute(t *testing.T) {
	router := NewRouter(Services{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "Media Stream Server is running!") {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.NewMetrics()
	m.SessionStarted()
	router := NewRouter(Services{Metrics: m})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "relay_active_sessions 1") {
		t.Fatalf("metrics output missing gauge")
	}
}

func TestRelayUnavailableWithoutSessions(t *testing.T) {
	router := NewRouter(Services{Archive: archive.NewMemoryStore()})

	req := httptest.NewRequest(http.MethodGet, "/media-stream", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.Code)
	}
}

func TestTokenUnavailableWithoutCredentials(t *testing.T) {
	router := NewRouter(Services{})

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(`{"metadata":{}}`))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	router := NewRouter(Services{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/token", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}
