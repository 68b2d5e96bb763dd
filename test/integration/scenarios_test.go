package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modax/controllayer/internal/bus"
)

// --- S1: single-device happy path -------------------------------------

func TestScenario_S1_SingleDeviceHappyPath(t *testing.T) {
	stubResult := map[string]interface{}{
		"device_id":                 "D1",
		"timestamp_ms":              time.Now().UnixMilli(),
		"anomaly_detected":          false,
		"anomaly_score":             0.1,
		"anomaly_description":       "",
		"predicted_wear_level":      0.2,
		"estimated_remaining_hours": 1000,
		"recommendations":           []string{},
		"confidence":                0.9,
	}
	advisorySrv := newStubAdvisoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stubResult)
	})
	defer advisorySrv.Close()

	opts := defaultOpts()
	opts.advisoryEnabled = true
	opts.advisoryURL = advisorySrv.URL
	opts.advisoryTimeout = 500 * time.Millisecond
	opts.advisoryInterval = 80 * time.Millisecond
	s := newStack(t, opts)

	for i := 0; i < 50; i++ {
		if err := s.reg.InsertSample(sensorSample("D1", i)); err != nil {
			t.Fatalf("InsertSample %d: %v", i, err)
		}
	}
	if err := s.reg.InsertSafety(safeStatus("D1")); err != nil {
		t.Fatalf("InsertSafety: %v", err)
	}

	// /api/v1/status: D1 online and safe.
	var status struct {
		IsSafe        bool     `json:"is_safe"`
		DevicesOnline []string `json:"devices_online"`
	}
	decodeJSON(t, s.get(t, "/api/v1/status"), &status)
	if !status.IsSafe || len(status.DevicesOnline) != 1 || status.DevicesOnline[0] != "D1" {
		t.Fatalf("unexpected status: %+v", status)
	}

	// /api/v1/devices/D1/data: latest sample + aggregate present.
	var data struct {
		DeviceID  string `json:"device_id"`
		Aggregate struct {
			SampleCount int `json:"sample_count"`
		} `json:"aggregate"`
	}
	decodeJSON(t, s.get(t, "/api/v1/devices/D1/data"), &data)
	if data.Aggregate.SampleCount != 50 {
		t.Fatalf("expected 50 samples aggregated, got %d", data.Aggregate.SampleCount)
	}

	// Wait for the orchestrator to produce a cached result, then read it
	// back through the API.
	deadline := time.Now().Add(3 * time.Second)
	var analysis map[string]interface{}
	for time.Now().Before(deadline) {
		resp := s.get(t, "/api/v1/devices/D1/ai-analysis")
		if resp.StatusCode == http.StatusOK {
			decodeJSON(t, resp, &analysis)
			break
		}
		resp.Body.Close()
		time.Sleep(20 * time.Millisecond)
	}
	if analysis == nil {
		t.Fatal("advisory result never became available via the API")
	}
	if analysis["device_id"] != "D1" {
		t.Fatalf("unexpected cached analysis: %+v", analysis)
	}
}

// --- S2: safety refusal -------------------------------------------------

func TestScenario_S2_SafetyRefusal(t *testing.T) {
	s := newStack(t, defaultOpts())

	if err := s.reg.InsertSample(sensorSample("D1", 0)); err != nil {
		t.Fatalf("seed sample: %v", err)
	}
	// No safety report at all: OnlineSafety excludes D1, Evaluate() is
	// false, the gate must refuse.

	body, _ := json.Marshal(bus.CommandRequest{DeviceID: "D1", CommandType: "start"})
	resp, err := http.Post(s.httpSrv.URL+"/api/v1/control/command", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST control/command: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	var envelope struct {
		Error string `json:"error"`
	}
	decodeJSON(t, resp, &envelope)
	if envelope.Error != "SafetyRefused" {
		t.Fatalf("expected SafetyRefused envelope, got %q", envelope.Error)
	}

	select {
	case topic := <-s.pub.published:
		t.Fatalf("command must not reach the bus when refused, got publish to %q", topic)
	case <-time.After(100 * time.Millisecond):
	}

	events, err := s.ledger.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	found := false
	for _, e := range events {
		if e.EventType == "control_blocked" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a control_blocked audit event")
	}
}

// --- S3: advisory timeout drives the circuit breaker --------------------

func TestScenario_S3_AdvisoryTimeoutCircuitBreaker(t *testing.T) {
	advisorySrv := newStubAdvisoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond) // always exceeds the 20ms timeout below
		w.WriteHeader(http.StatusOK)
	})
	defer advisorySrv.Close()

	opts := defaultOpts()
	opts.advisoryEnabled = true
	opts.advisoryURL = advisorySrv.URL
	opts.advisoryTimeout = 20 * time.Millisecond
	opts.advisoryInterval = 30 * time.Millisecond
	s := newStack(t, opts)

	for i := 0; i < 10; i++ {
		if err := s.reg.InsertSample(sensorSample("D1", i)); err != nil {
			t.Fatalf("InsertSample %d: %v", i, err)
		}
	}

	// Five consecutive timeouts trip the circuit (failureStreakTrip=5);
	// give it generous headroom over 5 ticks.
	time.Sleep(10 * opts.advisoryInterval)

	// Every request timed out: no advisory result is ever cached.
	resp := s.get(t, "/api/v1/devices/D1/ai-analysis")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 (no cached result), got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// /ready must stay healthy throughout: the advisory circuit breaker is
	// independent of bus readiness (spec: timeouts never affect /ready).
	readyResp := s.get(t, "/ready")
	if readyResp.StatusCode != http.StatusOK {
		t.Fatalf("expected /ready to stay 200 during advisory outage, got %d", readyResp.StatusCode)
	}
	readyResp.Body.Close()
}

// --- S5: rate limiting ---------------------------------------------------

func TestScenario_S5_RateLimiting(t *testing.T) {
	opts := defaultOpts()
	opts.rateLimit = "3/minute"
	s := newStack(t, opts)

	if err := s.reg.InsertSample(sensorSample("D1", 0)); err != nil {
		t.Fatalf("seed sample: %v", err)
	}

	for i := 0; i < 3; i++ {
		resp := s.get(t, "/api/v1/status")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := s.get(t, "/api/v1/status")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("4th call: expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header on 429")
	}
}

// --- S6: WebSocket ordering & bounded-queue drop policy ------------------

func TestScenario_S6_WebSocketOrderingAndDrop(t *testing.T) {
	s := newStack(t, defaultOpts())

	wsURL := "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") + "/ws/device/D1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Let the session register before flooding it, then produce far more
	// sensor_data events than the 256-entry outbound queue can hold,
	// without ever reading — forcing the hub's back-pressure policy.
	time.Sleep(50 * time.Millisecond)

	const total = 300
	for i := 0; i < total; i++ {
		if err := s.reg.InsertSample(sensorSample("D1", i)); err != nil {
			t.Fatalf("InsertSample %d: %v", i, err)
		}
	}
	if err := s.reg.InsertSafety(safeStatus("D1")); err != nil {
		t.Fatalf("InsertSafety: %v", err)
	}

	// The Registry must accept every sample regardless of how far the
	// fan-out queue has fallen behind (ingestion and fan-out are decoupled).
	if snap, ok := s.reg.Device("D1"); !ok || snap.SampleCount == 0 {
		t.Fatal("Registry should hold D1's samples independent of WS backlog")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var lastTS float64
	var sawSafety bool
	received := 0
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		received++
		var msg struct {
			Type      string  `json:"type"`
			Timestamp time.Time `json:"timestamp"`
			Data      json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("decode push message: %v", err)
		}
		switch msg.Type {
		case "sensor_data":
			var d struct {
				Timestamp float64 `json:"timestamp"`
			}
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				t.Fatalf("decode sensor_data payload: %v", err)
			}
			if d.Timestamp < lastTS {
				t.Fatalf("sensor_data delivered out of order: %v before %v", d.Timestamp, lastTS)
			}
			lastTS = d.Timestamp
		case "safety_status":
			sawSafety = true
		}
		if sawSafety {
			break
		}
	}

	if received == 0 {
		t.Fatal("expected at least some messages delivered")
	}
	if received > 257 {
		t.Fatalf("expected the queue to bound delivery near 256, got %d messages", received)
	}
	if !sawSafety {
		t.Fatal("safety_status must never be dropped, but none was received")
	}
}

// --- boundary behaviors ---------------------------------------------------

func TestBoundary_MaxDataPointsEvicts(t *testing.T) {
	opts := defaultOpts()
	opts.maxDataPoints = 10
	opts.aggregationWindow = time.Hour
	s := newStack(t, opts)

	for i := 0; i < 15; i++ {
		if err := s.reg.InsertSample(sensorSample("D1", i)); err != nil {
			t.Fatalf("InsertSample %d: %v", i, err)
		}
	}

	snap, ok := s.reg.Device("D1")
	if !ok {
		t.Fatal("expected D1 to exist")
	}
	if snap.SampleCount != 10 {
		t.Fatalf("expected window capped at MAX_DATA_POINTS=10, got %d", snap.SampleCount)
	}
}

func TestBoundary_LowSampleCountSkipsAnalysis(t *testing.T) {
	called := make(chan struct{}, 1)
	advisorySrv := newStubAdvisoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		called <- struct{}{}
		w.WriteHeader(http.StatusOK)
	})
	defer advisorySrv.Close()

	opts := defaultOpts()
	opts.advisoryEnabled = true
	opts.advisoryURL = advisorySrv.URL
	opts.advisoryTimeout = 200 * time.Millisecond
	opts.advisoryInterval = 20 * time.Millisecond
	s := newStack(t, opts)

	// Fewer than defaultMinSamples (5).
	for i := 0; i < 3; i++ {
		if err := s.reg.InsertSample(sensorSample("D1", i)); err != nil {
			t.Fatalf("InsertSample %d: %v", i, err)
		}
	}

	select {
	case <-called:
		t.Fatal("advisory service must not be called below the minimum sample count")
	case <-time.After(150 * time.Millisecond):
	}

	resp := s.get(t, "/api/v1/devices/D1/ai-analysis")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 (no analysis below MinSamples), got %d", resp.StatusCode)
	}
}

func TestBoundary_CacheHitRateFormula(t *testing.T) {
	s := newStack(t, defaultOpts())
	if err := s.reg.InsertSample(sensorSample("D1", 0)); err != nil {
		t.Fatalf("seed sample: %v", err)
	}

	// First call misses (populates "status"); the next two hit the cache.
	for i := 0; i < 3; i++ {
		s.get(t, "/api/v1/status").Body.Close()
	}

	var stats struct {
		Hits    uint64  `json:"hits"`
		Misses  uint64  `json:"misses"`
		HitRate float64 `json:"hit_rate"`
	}
	decodeJSON(t, s.get(t, "/api/v1/cache/stats"), &stats)

	want := float64(stats.Hits) / float64(stats.Hits+stats.Misses)
	if stats.HitRate != want {
		t.Fatalf("hit_rate %v does not equal hits/(hits+misses) = %v", stats.HitRate, want)
	}
	if stats.Hits == 0 {
		t.Fatal("expected at least one cache hit across repeated /status calls")
	}
}

// newStubAdvisoryServer builds an httptest server acting as the external
// advisory service for one scenario.
func newStubAdvisoryServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}
