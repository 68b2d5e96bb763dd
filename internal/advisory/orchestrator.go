package advisory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modax/controllayer/internal/cache"
	"github.com/modax/controllayer/internal/registry"
)

const (
	defaultMinSamples  = 5
	defaultMaxInFlight = 8
	failureStreakTrip  = 5
	cachePrefix        = "advisory:"
	minCacheTTL        = 10 * time.Second
)

// analyzer is the subset of *Client the Orchestrator depends on, so tests
// can substitute a stub without an HTTP server.
type analyzer interface {
	Analyze(ctx context.Context, req Request) (Result, FailureKind, error)
}

// MetricsSink receives Advisory Orchestrator observability events (spec
// §4.10's advisory_requests_total / advisory_request_duration_seconds).
type MetricsSink interface {
	ObserveRequest(result string)
	ObserveDuration(seconds float64)
}

// NopMetricsSink discards every observation.
type NopMetricsSink struct{}

func (NopMetricsSink) ObserveRequest(string)    {}
func (NopMetricsSink) ObserveDuration(float64) {}

// Config bundles the orchestrator's tunables (spec §4.4).
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	MinSamples  int
	MaxInFlight int
}

type circuitState struct {
	failureStreak int
	cooldownUntil time.Time
}

// Orchestrator is the single-threaded (logically) periodic task that
// selects eligible devices and drives bounded-concurrency advisory calls
// (spec §4.4). It never holds a Registry lock across the HTTP call.
type Orchestrator struct {
	cfg     Config
	reg     *registry.Registry
	cache   *cache.Cache
	client  analyzer
	metrics MetricsSink
	logger  *zap.Logger

	mu       sync.Mutex
	circuits map[string]*circuitState

	sem chan struct{}
}

// New constructs an Orchestrator. metrics/logger may be nil.
func New(cfg Config, reg *registry.Registry, c *cache.Cache, client *Client, metrics MetricsSink, logger *zap.Logger) *Orchestrator {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaultMinSamples
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		reg:      reg,
		cache:    c,
		client:   client,
		metrics:  metrics,
		logger:   logger,
		circuits: make(map[string]*circuitState),
		sem:      make(chan struct{}, cfg.MaxInFlight),
	}
}

// cacheTTL is one analysis interval or 10s, whichever is larger (spec
// §4.4 step 4, §4.7).
func (o *Orchestrator) cacheTTL() time.Duration {
	if o.cfg.Interval > minCacheTTL {
		return o.cfg.Interval
	}
	return minCacheTTL
}

// Run fires a tick every cfg.Interval until ctx is cancelled. In-flight
// requests at cancellation are abandoned: their context is cancelled and
// their results discarded (spec §4.4 "Cancellation").
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// tick snapshots the online device set and dispatches one bounded-
// concurrency request per eligible device (spec §4.4 steps 1-3).
func (o *Orchestrator) tick(ctx context.Context) {
	now := time.Now()
	var wg sync.WaitGroup
	for _, id := range o.reg.OnlineDeviceIDs() {
		if !o.eligible(id, now) {
			continue
		}

		select {
		case o.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			defer func() { <-o.sem }()
			o.analyzeDevice(ctx, deviceID)
		}(id)
	}
	wg.Wait()
}

// eligible reports whether id should be analyzed this tick: enough samples,
// its analysis interval has elapsed, and it is not in cooldown (spec §4.4
// steps 2, 6).
func (o *Orchestrator) eligible(id string, now time.Time) bool {
	if o.reg.SampleCount(id) < o.cfg.MinSamples {
		return false
	}
	snap, ok := o.reg.Device(id)
	if !ok {
		return false
	}
	if !snap.LastAnalysisAt.IsZero() && now.Sub(snap.LastAnalysisAt) < o.cfg.Interval {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	cs, exists := o.circuits[id]
	if exists && now.Before(cs.cooldownUntil) {
		return false
	}
	return true
}

// analyzeDevice builds the aggregate, issues the HTTP call under timeout,
// and applies the outcome (spec §4.4 steps 3-6). It takes no Registry lock
// across the call: the aggregate is a value-only snapshot taken beforehand.
func (o *Orchestrator) analyzeDevice(ctx context.Context, deviceID string) {
	agg, ok := o.reg.Aggregate(deviceID)
	if !ok {
		return
	}
	req := buildRequest(agg)

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	start := time.Now()
	result, failure, err := o.client.Analyze(callCtx, req)
	o.metrics.ObserveDuration(time.Since(start).Seconds())

	now := time.Now()
	if err != nil {
		o.recordFailure(deviceID, failure, now)
		o.logger.Warn("advisory request failed",
			zap.String("device_id", deviceID), zap.String("kind", string(failure)), zap.Error(err))
		return
	}

	o.recordSuccess(deviceID)
	o.reg.SetLastAnalysisAt(deviceID, now)
	o.cache.Put(cachePrefix+deviceID, result, o.cacheTTL())
	o.reg.Emit(registry.Event{
		Type: registry.EventAIAnalysis, DeviceID: deviceID, Timestamp: now, Data: result,
	})
}

func (o *Orchestrator) recordSuccess(id string) {
	o.metrics.ObserveRequest("success")
	o.mu.Lock()
	delete(o.circuits, id)
	o.mu.Unlock()
}

// recordFailure tallies the per-device consecutive-failure streak and opens
// the circuit after failureStreakTrip consecutive failures, per spec §4.4
// step 6: "cooldown = 5·AI_ANALYSIS_INTERVAL_SECONDS".
func (o *Orchestrator) recordFailure(id string, kind FailureKind, now time.Time) {
	o.metrics.ObserveRequest(string(kind))

	o.mu.Lock()
	defer o.mu.Unlock()
	cs, ok := o.circuits[id]
	if !ok {
		cs = &circuitState{}
		o.circuits[id] = cs
	}
	cs.failureStreak++
	if cs.failureStreak >= failureStreakTrip {
		cs.cooldownUntil = now.Add(5 * o.cfg.Interval)
	}
}
