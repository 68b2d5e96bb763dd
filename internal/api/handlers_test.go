package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/modax/controllayer/internal/bus"
	"github.com/modax/controllayer/internal/cache"
	"github.com/modax/controllayer/internal/command"
	"github.com/modax/controllayer/internal/config"
	"github.com/modax/controllayer/internal/fanout"
	"github.com/modax/controllayer/internal/observability"
	"github.com/modax/controllayer/internal/registry"
	"github.com/modax/controllayer/internal/safety"
)

type stubReadiness struct {
	ts int64
	ok bool
}

func (s stubReadiness) LastConnectedAt() (int64, bool) { return s.ts, s.ok }

type noopPublisher struct{}

func (noopPublisher) Publish(_ context.Context, _ string, _ []byte, _ byte) error { return nil }

func newTestServer(t *testing.T, authEnabled bool) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Config{AggregationWindow: time.Hour, MaxDataPoints: 100, DeviceOnlineTTL: time.Hour}, nil, nil, nil)
	gate := safety.New(reg)
	c := cache.New("api-test", nil)
	hub := fanout.New(nil, nil, nil)

	cfg := &config.Config{
		API:       config.APIConfig{Host: "127.0.0.1", Port: 0},
		Advisory:  config.AdvisoryConfig{Enabled: true},
		RateLimit: config.RateLimitConfig{Default: "1000/minute"},
		CORS:      config.CORSConfig{Origins: []string{"*"}, AllowMethods: []string{"GET", "POST"}, AllowHeaders: []string{"Content-Type", "X-API-Key"}},
		Auth: config.AuthConfig{
			Enabled:       authEnabled,
			HMIKey:        "hmi-key",
			MonitoringKey: "mon-key",
			AdminKey:      "admin-key",
		},
	}

	dispatcher := command.New(reg, gate, noopPublisher{}, nil, nil)

	srv, err := New(Deps{
		Config:   cfg,
		Registry: reg,
		Cache:    c,
		Gate:     gate,
		Dispatch: dispatcher,
		Hub:      hub,
		Bus:      stubReadiness{ts: time.Now().Unix(), ok: true},
		Metrics:  observability.NewMetrics(),
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, reg
}

func TestHandleStatus_Unauthenticated401(t *testing.T) {
	srv, _ := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleStatus_ReturnsSnapshot(t *testing.T) {
	srv, reg := newTestServer(t, false)
	if err := reg.InsertSample(bus.SensorSample{DeviceID: "D1", Timestamp: float64(time.Now().Unix()), MotorCurrents: []float64{1}, Temperatures: []float64{2}}); err != nil {
		t.Fatalf("seed sample: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.DevicesOnline) != 1 || resp.DevicesOnline[0] != "D1" {
		t.Fatalf("expected D1 online, got %v", resp.DevicesOnline)
	}
}

func TestHandleControlCommand_SafetyRefusedIs409(t *testing.T) {
	srv, reg := newTestServer(t, false)
	now := float64(time.Now().Unix())
	if err := reg.InsertSample(bus.SensorSample{DeviceID: "D1", Timestamp: now, MotorCurrents: []float64{1}, Temperatures: []float64{2}}); err != nil {
		t.Fatalf("seed sample: %v", err)
	}
	// No safety report at all => OnlineSafety excludes D1 => zero online-safe
	// devices => Evaluate() is false => SafetyRefused.
	body, _ := json.Marshal(bus.CommandRequest{DeviceID: "D1", CommandType: "start"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/control/command", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleDeviceDetail_ReturnsIdentityAndOnline(t *testing.T) {
	srv, reg := newTestServer(t, false)
	now := float64(time.Now().Unix())
	if err := reg.InsertSample(bus.SensorSample{DeviceID: "D1", Timestamp: now, MotorCurrents: []float64{1}, Temperatures: []float64{2}}); err != nil {
		t.Fatalf("seed sample: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/D1", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp deviceDetailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DeviceID != "D1" || !resp.Online {
		t.Fatalf("expected D1 online, got %+v", resp)
	}
}

func TestHandleDeviceDetail_UnknownDeviceIs404(t *testing.T) {
	srv, _ := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/ghost", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleDeviceHistory_ReturnsAggregates(t *testing.T) {
	srv, reg := newTestServer(t, false)
	for i := 0; i < 3; i++ {
		now := float64(time.Now().Unix())
		if err := reg.InsertSample(bus.SensorSample{DeviceID: "D1", Timestamp: now, MotorCurrents: []float64{1}, Temperatures: []float64{2}}); err != nil {
			t.Fatalf("seed sample %d: %v", i, err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/D1/history", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Aggregates []registry.Aggregate `json:"aggregates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Aggregates) != 3 {
		t.Fatalf("expected 3 aggregate snapshots (one per accepted sample), got %d", len(resp.Aggregates))
	}
	if resp.Aggregates[len(resp.Aggregates)-1].SampleCount != 3 {
		t.Fatalf("expected the final snapshot's SampleCount to reflect the full window, got %d",
			resp.Aggregates[len(resp.Aggregates)-1].SampleCount)
	}
}

func TestHandleExport_CSVHeader(t *testing.T) {
	srv, reg := newTestServer(t, false)
	now := float64(time.Now().Unix())
	if err := reg.InsertSample(bus.SensorSample{DeviceID: "D1", Timestamp: now, MotorCurrents: []float64{1, 2}, Temperatures: []float64{3}}); err != nil {
		t.Fatalf("seed sample: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/export/D1/csv?hours=1", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got == "" {
		t.Fatal("expected non-empty CSV body")
	}
}
