// Package integration exercises the Control Layer end-to-end: Registry,
// Safety Gate, Command Dispatcher, Advisory Orchestrator, Fan-out Hub and
// the HTTP/WebSocket API surface wired together exactly as
// cmd/controllayer/main.go wires them, against the scenarios named in the
// specification's testable-properties section (S1-S6).
//
// There is no live MQTT broker here: ingestion is driven directly through
// registry.InsertSample/InsertSafety, the same calls cmd/controllayer's
// subscribeSensorTopics makes from a decoded bus message. The reconnect
// backoff schedule that drives scenario S4 is covered at the bus package
// level (internal/bus/mqtt_test.go) since it needs no broker to exercise.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/modax/controllayer/internal/advisory"
	"github.com/modax/controllayer/internal/api"
	"github.com/modax/controllayer/internal/audit"
	"github.com/modax/controllayer/internal/bus"
	"github.com/modax/controllayer/internal/cache"
	"github.com/modax/controllayer/internal/command"
	"github.com/modax/controllayer/internal/config"
	"github.com/modax/controllayer/internal/fanout"
	"github.com/modax/controllayer/internal/observability"
	"github.com/modax/controllayer/internal/registry"
	"github.com/modax/controllayer/internal/safety"
)

// recordingPublisher records every publish call, for scenarios that assert
// on whether a control command reached the bus (S2).
type recordingPublisher struct {
	published chan string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{published: make(chan string, 16)}
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ []byte, _ byte) error {
	p.published <- topic
	return nil
}

// stack bundles one scenario's fully-wired, in-process Control Layer,
// mirroring cmd/controllayer/main.go's construction order minus the bus
// client and the audit ledger's configured file (a BoltDB ledger file in a
// per-test temp dir stands in for it).
type stack struct {
	reg     *registry.Registry
	ledger  *audit.Ledger
	hub     *fanout.Hub
	pub     *recordingPublisher
	httpSrv *httptest.Server

	cancel context.CancelFunc
}

type stackOpts struct {
	aggregationWindow time.Duration
	maxDataPoints     int
	deviceOnlineTTL   time.Duration
	rateLimit         string
	advisoryURL       string
	advisoryTimeout   time.Duration
	advisoryInterval  time.Duration
	advisoryEnabled   bool
}

func defaultOpts() stackOpts {
	return stackOpts{
		aggregationWindow: 10 * time.Second,
		maxDataPoints:     100,
		deviceOnlineTTL:   30 * time.Second,
		rateLimit:         "1000/minute",
		advisoryEnabled:   false,
	}
}

// newStack wires a complete, addressable Control Layer for one test. It
// registers stop() with t.Cleanup to release the WebSocket listener and
// the audit ledger's BoltDB file.
func newStack(t *testing.T, opts stackOpts) *stack {
	t.Helper()

	reg := registry.New(registry.Config{
		AggregationWindow: opts.aggregationWindow,
		MaxDataPoints:     opts.maxDataPoints,
		DeviceOnlineTTL:   opts.deviceOnlineTTL,
	}, nil, nil, zap.NewNop())

	gate := safety.New(reg)
	sharedCache := cache.New("it", nil)

	ledger, err := audit.Open(t.TempDir()+"/audit.db", 1, nil)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}

	pub := newRecordingPublisher()
	dispatch := command.New(reg, gate, pub, ledger, nil)
	hub := fanout.New(zap.NewNop(), ledger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(reg.Events())

	if opts.advisoryEnabled {
		client := advisory.NewClient(opts.advisoryURL, opts.advisoryTimeout)
		orch := advisory.New(advisory.Config{
			Interval: opts.advisoryInterval,
			Timeout:  opts.advisoryTimeout,
		}, reg, sharedCache, client, nil, zap.NewNop())
		go orch.Run(ctx)
	}

	cfg := &config.Config{
		API:       config.APIConfig{Host: "127.0.0.1", Port: 0},
		Advisory:  config.AdvisoryConfig{Enabled: opts.advisoryEnabled, LayerURL: opts.advisoryURL, Timeout: opts.advisoryTimeout},
		RateLimit: config.RateLimitConfig{Enabled: true, Default: opts.rateLimit},
		CORS: config.CORSConfig{
			Origins: []string{"*"}, AllowMethods: []string{"GET", "POST"}, AllowHeaders: []string{"Content-Type", "X-API-Key"},
		},
	}

	srv, err := api.New(api.Deps{
		Config:   cfg,
		Registry: reg,
		Cache:    sharedCache,
		Gate:     gate,
		Dispatch: dispatch,
		Hub:      hub,
		Bus:      stubReadiness{ts: time.Now().Unix(), ok: true},
		Metrics:  observability.NewMetrics(),
		Auditor:  ledger,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		cancel()
		t.Fatalf("api.New: %v", err)
	}

	httpSrv := httptest.NewServer(srv.Handler())

	s := &stack{
		reg: reg, ledger: ledger, hub: hub, pub: pub, httpSrv: httpSrv,
		cancel: cancel,
	}
	t.Cleanup(s.stop)
	return s
}

func (s *stack) stop() {
	s.cancel()
	s.httpSrv.Close()
	s.hub.Stop()
	_ = s.ledger.Close()
}

// stubReadiness reports /ready as healthy at a fixed timestamp; nothing in
// this harness exercises the real bus client.
type stubReadiness struct {
	ts int64
	ok bool
}

func (s stubReadiness) LastConnectedAt() (int64, bool) { return s.ts, s.ok }

func (s *stack) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(s.httpSrv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func sensorSample(deviceID string, seq int) bus.SensorSample {
	return bus.SensorSample{
		DeviceID:      deviceID,
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
		MotorCurrents: []float64{10 + float64(seq%5), 11, 12},
		Temperatures:  []float64{40 + float64(seq%3)},
		Vibration:     bus.Vibration{X: 0.1, Y: 0.1, Z: 0.1, Magnitude: 0.2, HasMagnitude: true},
	}
}

func safeStatus(deviceID string) bus.SafetyStatus {
	return bus.SafetyStatus{
		DeviceID: deviceID, Timestamp: float64(time.Now().Unix()),
		DoorClosed: true, TemperatureOK: true,
	}
}
