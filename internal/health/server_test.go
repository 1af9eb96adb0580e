package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/quicmux/internal/stats"
)

// mockStatsProvider implements StatsProvider for testing.
type mockStatsProvider struct {
	done     chan struct{}
	snap     stats.Snapshot
	sessions int
	aliases  int
}

func newProvider(running bool) *mockStatsProvider {
	p := &mockStatsProvider{done: make(chan struct{})}
	if !running {
		close(p.done)
	}
	return p
}

func (m *mockStatsProvider) Done() <-chan struct{} {
	return m.done
}

func (m *mockStatsProvider) Stats() stats.Snapshot {
	return m.snap
}

func (m *mockStatsProvider) Routes() (int, int) {
	return m.sessions, m.aliases
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	s := NewServer(DefaultServerConfig(), newProvider(true))
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), newProvider(true))

	rec := serve(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := rec.Body.String(); body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), newProvider(true))

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		t.Run(path, func(t *testing.T) {
			rec := serve(s, http.MethodPost, path)
			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
			}
		})
	}
}

func TestServer_handleHealthz_Running(t *testing.T) {
	provider := newProvider(true)
	provider.snap = stats.Snapshot{PacketsReceived: 12, RetriesSent: 3}
	provider.sessions = 2
	provider.aliases = 5
	s := NewServer(DefaultServerConfig(), provider)

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response struct {
		Status   string         `json:"status"`
		Running  bool           `json:"running"`
		Sessions int            `json:"sessions"`
		Aliases  int            `json:"aliases"`
		Stats    stats.Snapshot `json:"stats"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %v", response.Status)
	}
	if !response.Running {
		t.Error("expected running true")
	}
	if response.Sessions != 2 || response.Aliases != 5 {
		t.Errorf("expected 2 sessions and 5 aliases, got %d and %d", response.Sessions, response.Aliases)
	}
	if response.Stats.PacketsReceived != 12 || response.Stats.RetriesSent != 3 {
		t.Errorf("unexpected stats %+v", response.Stats)
	}
}

func TestServer_handleHealthz_NotRunning(t *testing.T) {
	s := NewServer(DefaultServerConfig(), newProvider(false))

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["status"] != "unavailable" {
		t.Errorf("expected status 'unavailable', got %v", response["status"])
	}
}

func TestServer_handleReady(t *testing.T) {
	tests := []struct {
		name     string
		running  bool
		wantCode int
		wantBody string
	}{
		{"ready", true, http.StatusOK, "READY\n"},
		{"not ready", false, http.StatusServiceUnavailable, "NOT READY\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), newProvider(tt.running))

			rec := serve(s, http.MethodGet, "/ready")
			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if body := rec.Body.String(); body != tt.wantBody {
				t.Errorf("expected body %q, got %q", tt.wantBody, body)
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quicmux_test_total",
		Help: "test counter",
	})
	reg.MustRegister(counter)
	counter.Add(7)

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	s := NewServer(cfg, newProvider(true))

	rec := serve(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "quicmux_test_total 7") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0", // Dynamic port
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s := NewServer(cfg, newProvider(true))

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		resp, err = http.Get("http://" + addr.String() + "/health")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("failed to stop: %v", err)
	}

	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
}

func TestServer_DoubleStop(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"}, newProvider(true))

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("first stop failed: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestServer_NilProvider(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestServer_Pprof(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Pprof = true
	s := NewServer(cfg, newProvider(true))

	for _, path := range []string{"/debug/pprof/", "/debug/pprof/cmdline", "/debug/pprof/symbol"} {
		t.Run(path, func(t *testing.T) {
			rec := serve(s, http.MethodGet, path)
			if rec.Code != http.StatusOK {
				t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
			}
		})
	}

	off := NewServer(DefaultServerConfig(), newProvider(true))
	if rec := serve(off, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Errorf("pprof disabled: expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}
