package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestHealthHandlerAggregates(t *testing.T) {
	h := NewHandler(zap.NewNop().Sugar())
	h.RegisterChecker("ledger", NewPingChecker(func(ctx context.Context) error { return nil }))
	h.RegisterChecker("graph", NewPingChecker(func(ctx context.Context) error { return errors.New("sqlite gone") }))

	rec := httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest("GET", "/health", nil))

	// One failing store marks the whole service unhealthy.
	if rec.Code != 503 {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != StatusUnhealthy {
		t.Errorf("overall = %s, want unhealthy", resp.Status)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("checks = %d, want 2", len(resp.Checks))
	}
}

func TestHealthHandlerAllHealthy(t *testing.T) {
	h := NewHandler(zap.NewNop().Sugar())
	h.RegisterChecker("ledger", NewPingChecker(func(ctx context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestReadiness(t *testing.T) {
	h := NewHandler(zap.NewNop().Sugar())

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != 503 {
		t.Errorf("not ready status = %d, want 503", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != 200 {
		t.Errorf("ready status = %d, want 200", rec.Code)
	}
	if !h.IsReady() {
		t.Error("IsReady = false after SetReady(true)")
	}
}

func TestPingCheckerUnconfigured(t *testing.T) {
	c := NewPingChecker(nil)
	if got := c.Check(context.Background()); got.Status != StatusHealthy {
		t.Errorf("nil ping status = %s, want healthy", got.Status)
	}
}

func TestWorkerPoolChecker(t *testing.T) {
	active := 0
	c := NewWorkerPoolChecker(func() int { return active }, 10)

	// Idle pool reads as degraded, not dead.
	if got := c.Check(context.Background()); got.Status != StatusDegraded {
		t.Errorf("idle status = %s, want degraded", got.Status)
	}

	active = 5
	if got := c.Check(context.Background()); got.Status != StatusHealthy {
		t.Errorf("busy status = %s, want healthy", got.Status)
	}

	active = 10
	if got := c.Check(context.Background()); got.Status != StatusDegraded {
		t.Errorf("saturated status = %s, want degraded", got.Status)
	}
}
