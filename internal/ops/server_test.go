package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeStats struct {
	stats   map[string]map[string]any
	healthy bool
}

func (f *fakeStats) WorkerStats() map[string]map[string]any { return f.stats }
func (f *fakeStats) WorkersHealthy() bool                   { return f.healthy }

func newTestServer(stats StatsSource) *Server {
	s := NewServer(Config{Host: "127.0.0.1"}, stats, zerolog.Nop())
	s.started = time.Date(2025, 6, 12, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return s.started.Add(90 * time.Second) }
	return s
}

func get(t *testing.T, s *Server, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.router().ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return rec.Code, body
}

func TestLiveEndpoint(t *testing.T) {
	code, body := get(t, newTestServer(nil), "/live")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "alive" {
		t.Errorf("body = %v", body)
	}
}

func TestHealthAllDependenciesUp(t *testing.T) {
	stats := &fakeStats{
		stats:   map[string]map[string]any{"stop_monitor": {"running": true}},
		healthy: true,
	}
	s := newTestServer(stats)
	s.AddCheck("database", func(_ context.Context) error { return nil })
	s.AddCheck("redis", func(_ context.Context) error { return nil })
	s.AddStats("price_cache", func() map[string]any {
		return map[string]any{"redis_available": true, "symbols_cached": 3}
	})

	code, body := get(t, s, "/health")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["database"] != "healthy" || checks["redis"] != "healthy" {
		t.Errorf("checks = %v", checks)
	}
	workers := body["workers"].(map[string]any)
	if workers["stop_monitor"].(map[string]any)["running"] != true {
		t.Errorf("workers = %v", workers)
	}
	cacheStats := body["sources"].(map[string]any)["price_cache"].(map[string]any)
	if cacheStats["symbols_cached"].(float64) != 3 {
		t.Errorf("price_cache stats = %v", cacheStats)
	}
	if body["uptime_seconds"].(float64) != 90 {
		t.Errorf("uptime = %v, want 90", body["uptime_seconds"])
	}
}

func TestHealthDependencyDown(t *testing.T) {
	s := newTestServer(&fakeStats{healthy: true})
	s.AddCheck("database", func(_ context.Context) error { return nil })
	s.AddCheck("redis", func(_ context.Context) error { return errors.New("connection refused") })

	code, body := get(t, s, "/health")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	checks := body["checks"].(map[string]any)
	if !strings.Contains(checks["redis"].(string), "unhealthy") {
		t.Errorf("redis check = %v", checks["redis"])
	}
	if checks["database"] != "healthy" {
		t.Errorf("database check = %v", checks["database"])
	}
}

func TestHealthStoppedWorker(t *testing.T) {
	stats := &fakeStats{
		stats:   map[string]map[string]any{"outbox": {"running": false}},
		healthy: false,
	}
	s := newTestServer(stats)

	code, body := get(t, s, "/health")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestStartAndShutdown(t *testing.T) {
	s := NewServer(Config{Host: "127.0.0.1", Port: 0}, &fakeStats{healthy: true}, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/live")
	if err != nil {
		t.Fatalf("GET /live: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
