package advisory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modax/controllayer/internal/bus"
	"github.com/modax/controllayer/internal/cache"
	"github.com/modax/controllayer/internal/registry"
)

var errBoom = errors.New("advisory: boom")

func bustestSample(deviceID string, offsetSeconds float64) bus.SensorSample {
	return bus.SensorSample{
		DeviceID:      deviceID,
		Timestamp:     float64(time.Now().Unix()) + offsetSeconds,
		MotorCurrents: []float64{1.0, 2.0},
		Vibration:     bus.Vibration{X: 0.1, Y: 0.2, Z: 0.3},
		Temperatures:  []float64{40.0},
	}
}

// stubAnalyzer lets tests script Analyze's outcome without an HTTP server.
type stubAnalyzer struct {
	mu    sync.Mutex
	calls int32
	fn    func(req Request) (Result, FailureKind, error)
}

func (s *stubAnalyzer) Analyze(_ context.Context, req Request) (Result, FailureKind, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fn(req)
}

func seedDevice(t *testing.T, reg *registry.Registry, id string, samples int) {
	t.Helper()
	for i := 0; i < samples; i++ {
		err := reg.InsertSample(bustestSample(id, float64(i)))
		if err != nil {
			t.Fatalf("seed sample %d: %v", i, err)
		}
	}
}

func TestOrchestrator_SkipsDevicesBelowMinSamples(t *testing.T) {
	reg := registry.New(registry.Config{AggregationWindow: time.Hour, MaxDataPoints: 100, DeviceOnlineTTL: time.Hour}, nil, nil, nil)
	seedDevice(t, reg, "D1", 2)

	stub := &stubAnalyzer{fn: func(Request) (Result, FailureKind, error) { return Result{}, FailureNone, nil }}
	o := New(Config{Interval: time.Minute, Timeout: time.Second, MinSamples: 5}, reg, cache.New("advisory", nil), nil, nil, nil)
	o.client = stub

	o.tick(context.Background())
	if stub.calls != 0 {
		t.Fatalf("expected no calls for a device below MinSamples, got %d", stub.calls)
	}
}

func TestOrchestrator_SuccessCachesResultAndStampsAnalysisTime(t *testing.T) {
	reg := registry.New(registry.Config{AggregationWindow: time.Hour, MaxDataPoints: 100, DeviceOnlineTTL: time.Hour}, nil, nil, nil)
	seedDevice(t, reg, "D1", 5)

	want := Result{DeviceID: "D1", AnomalyScore: 0.2}
	stub := &stubAnalyzer{fn: func(Request) (Result, FailureKind, error) { return want, FailureNone, nil }}
	c := cache.New("advisory", nil)
	o := New(Config{Interval: time.Minute, Timeout: time.Second}, reg, c, nil, nil, nil)
	o.client = stub

	o.tick(context.Background())
	if stub.calls != 1 {
		t.Fatalf("expected exactly one call, got %d", stub.calls)
	}

	cached, ok := c.Get(cachePrefix + "D1")
	if !ok {
		t.Fatal("expected a cached advisory result")
	}
	if got := cached.(Result); got.AnomalyScore != want.AnomalyScore {
		t.Fatalf("cached result mismatch: got %+v want %+v", got, want)
	}

	snap, _ := reg.Device("D1")
	if snap.LastAnalysisAt.IsZero() {
		t.Fatal("expected LastAnalysisAt to be stamped after a successful call")
	}
}

func TestOrchestrator_OpensCircuitAfterFiveConsecutiveFailures(t *testing.T) {
	reg := registry.New(registry.Config{AggregationWindow: time.Hour, MaxDataPoints: 100, DeviceOnlineTTL: time.Hour}, nil, nil, nil)
	seedDevice(t, reg, "D1", 5)

	stub := &stubAnalyzer{fn: func(Request) (Result, FailureKind, error) { return Result{}, Failure5xx, errBoom }}
	o := New(Config{Interval: time.Millisecond, Timeout: time.Second}, reg, cache.New("advisory", nil), nil, nil, nil)
	o.client = stub

	for i := 0; i < failureStreakTrip; i++ {
		o.tick(context.Background())
	}
	if stub.calls != failureStreakTrip {
		t.Fatalf("expected %d calls before the circuit trips, got %d", failureStreakTrip, stub.calls)
	}

	// The interval has elapsed (it's 1ms) so eligibility would normally allow
	// another call; the open circuit must still block it.
	time.Sleep(2 * time.Millisecond)
	o.tick(context.Background())
	if stub.calls != failureStreakTrip {
		t.Fatalf("expected the tripped circuit to block further calls, got %d calls", stub.calls)
	}
}

func TestOrchestrator_SuccessResetsFailureStreak(t *testing.T) {
	reg := registry.New(registry.Config{AggregationWindow: time.Hour, MaxDataPoints: 100, DeviceOnlineTTL: time.Hour}, nil, nil, nil)
	seedDevice(t, reg, "D1", 5)

	fail := true
	stub := &stubAnalyzer{fn: func(Request) (Result, FailureKind, error) {
		if fail {
			return Result{}, Failure5xx, errBoom
		}
		return Result{}, FailureNone, nil
	}}
	o := New(Config{Interval: time.Millisecond, Timeout: time.Second}, reg, cache.New("advisory", nil), nil, nil, nil)
	o.client = stub

	o.tick(context.Background())
	o.tick(context.Background())
	fail = false
	time.Sleep(2 * time.Millisecond)
	o.tick(context.Background())

	o.mu.Lock()
	_, stillTracked := o.circuits["D1"]
	o.mu.Unlock()
	if stillTracked {
		t.Fatal("a successful call must clear the device's failure streak")
	}
}
