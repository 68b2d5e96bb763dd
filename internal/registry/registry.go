// Package registry is the canonical owner of all per-device state (spec
// §3, §4.3): a device's rolling sample window, its latest safety snapshot,
// and its liveness timestamps. Every mutation is serialized per device
// through a fine-grained, device-local lock; reads return value-only
// snapshots so callers never hold a lock across I/O (spec §4.3, §5).
package registry

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modax/controllayer/internal/apierr"
	"github.com/modax/controllayer/internal/bus"
)

// Plausible reading ranges used by sample validation (spec §4.3 step 1:
// "numeric, finite, within plausible ranges"). These bound obviously bad
// data (sensor glitches, decode garbage) without modeling any specific
// device's calibration.
const (
	maxPlausibleCurrentAmps  = 10000.0
	maxPlausibleVibration    = 1000.0
	minPlausibleTemperatureC = -273.15
	maxPlausibleTemperatureC = 2000.0

	// maxAggregateHistory caps how many Aggregate snapshots a device keeps,
	// matching spec §4.8's history endpoint cap ("N<=1000").
	maxAggregateHistory = 1000
)

// MetricsSink receives Registry-level observability events.
type MetricsSink interface {
	ObserveSampleRejected(deviceID, reason string)
	ObserveEventDropped(eventType string)
	SetDevicesOnline(n int)
}

// NopMetricsSink discards every observation.
type NopMetricsSink struct{}

func (NopMetricsSink) ObserveSampleRejected(string, string) {}
func (NopMetricsSink) ObserveEventDropped(string)           {}
func (NopMetricsSink) SetDevicesOnline(int)                 {}

// Auditor records security-audit events (spec §3 AuditEvent, §4.10). The
// audit ledger satisfies this interface directly.
type Auditor interface {
	Record(eventType, severity, actor, action string, context map[string]interface{}) error
}

// nopAuditor discards every event.
type nopAuditor struct{}

func (nopAuditor) Record(string, string, string, string, map[string]interface{}) error { return nil }

// deviceEntry holds one device's mutable state behind its own lock, so
// operations on different devices never contend (spec §4.3: "a device-local
// lock is sufficient; no cross-device lock required").
type deviceEntry struct {
	mu sync.Mutex

	deviceID       string
	window         []sample
	channelCounts  int // currents length established by the first sample; -1 until set
	tempCounts     int
	safety         bus.SafetyStatus
	hasSafety      bool
	lastSeenAt     time.Time
	lastAnalysisAt time.Time

	// aggHistory is a bounded, ascending-by-time log of the window's
	// Aggregate snapshot taken on every accepted sample, backing
	// GET /api/v1/devices/{id}/history (spec §4.8: "Last N aggregates").
	aggHistory []Aggregate
}

// Registry owns every DeviceState and the process-wide event stream.
type Registry struct {
	window          time.Duration
	maxDataPoints   int
	deviceOnlineTTL time.Duration

	metrics MetricsSink
	auditor Auditor
	logger  *zap.Logger

	events chan Event

	mu      sync.RWMutex
	devices map[string]*deviceEntry
}

// Config bundles the windowing parameters the Registry needs, taken from
// config.RegistryConfig (kept decoupled so registry does not import config).
type Config struct {
	AggregationWindow time.Duration
	MaxDataPoints     int
	DeviceOnlineTTL   time.Duration
}

// New constructs a Registry. metrics/auditor/logger may be nil, in which
// case a no-op implementation is used.
func New(cfg Config, metrics MetricsSink, auditor Auditor, logger *zap.Logger) *Registry {
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	if auditor == nil {
		auditor = nopAuditor{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		window:          cfg.AggregationWindow,
		maxDataPoints:   cfg.MaxDataPoints,
		deviceOnlineTTL: cfg.DeviceOnlineTTL,
		metrics:         metrics,
		auditor:         auditor,
		logger:          logger,
		events:          make(chan Event, eventBufferSize),
		devices:         make(map[string]*deviceEntry),
	}
}

// entry returns (creating if necessary) the deviceEntry for id. The
// Registry admits devices lazily on first reception (spec §3).
func (r *Registry) entry(id string) *deviceEntry {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if ok {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok = r.devices[id]; ok {
		return d
	}
	d = &deviceEntry{deviceID: id, channelCounts: -1, tempCounts: -1}
	r.devices[id] = d
	return d
}

// Known reports whether id has ever reported a sample or safety status
// (spec §4.6 step 1: command validation requires a known device).
func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[id]
	return ok
}

// InsertSample validates and appends a SensorSample to its device's window,
// evicts stale/excess entries, updates liveness, and emits a sensor_data
// event carrying only the new sample (spec §4.3).
func (r *Registry) InsertSample(s bus.SensorSample) error {
	if err := validateSample(s); err != nil {
		r.metrics.ObserveSampleRejected(s.DeviceID, "validation")
		return err
	}

	d := r.entry(s.DeviceID)
	now := time.Now()

	d.mu.Lock()
	if d.channelCounts == -1 {
		d.channelCounts = len(s.MotorCurrents)
		d.tempCounts = len(s.Temperatures)
	}
	if len(s.MotorCurrents) != d.channelCounts || len(s.Temperatures) != d.tempCounts {
		d.mu.Unlock()
		err := apierr.Validation("device %s: channel count changed (currents %d->%d, temps %d->%d)",
			s.DeviceID, d.channelCounts, len(s.MotorCurrents), d.tempCounts, len(s.Temperatures))
		r.metrics.ObserveSampleRejected(s.DeviceID, "channel_count_mismatch")
		return err
	}

	mag := s.Vibration.Magnitude
	if !s.Vibration.HasMagnitude {
		mag = math.Sqrt(s.Vibration.X*s.Vibration.X + s.Vibration.Y*s.Vibration.Y + s.Vibration.Z*s.Vibration.Z)
	}

	d.window = append(d.window, sample{
		ts:           s.Timestamp,
		currents:     append([]float64(nil), s.MotorCurrents...),
		temperatures: append([]float64(nil), s.Temperatures...),
		vibX:         s.Vibration.X,
		vibY:         s.Vibration.Y,
		vibZ:         s.Vibration.Z,
		vibMagnitude: mag,
	})
	r.evict(d, now)
	d.lastSeenAt = now
	if len(d.window) > 0 {
		d.aggHistory = append(d.aggHistory, computeAggregate(s.DeviceID, d.window))
		if over := len(d.aggHistory) - maxAggregateHistory; over > 0 {
			d.aggHistory = append(d.aggHistory[:0], d.aggHistory[over:]...)
		}
	}
	d.mu.Unlock()

	r.Emit(Event{Type: EventSensorData, DeviceID: s.DeviceID, Timestamp: now, Data: s})
	return nil
}

// evict drops entries from the front of the window while it exceeds
// MaxDataPoints or its oldest sample has fallen outside the aggregation
// window (spec §4.3 step 3). Caller must hold d.mu. Kept on Registry
// (rather than deviceEntry) because it is the only place the configured
// window duration is known.
func (r *Registry) evict(d *deviceEntry, now time.Time) {
	nowSecs := float64(now.Unix()) + float64(now.Nanosecond())/1e9
	cutoff := nowSecs - r.window.Seconds()
	start := 0
	for start < len(d.window) && d.window[start].ts < cutoff {
		start++
	}
	if start > 0 {
		d.window = append(d.window[:0], d.window[start:]...)
	}
	if over := len(d.window) - r.maxDataPoints; over > 0 {
		d.window = append(d.window[:0], d.window[over:]...)
	}
}

// InsertSafety overwrites a device's latest safety snapshot, updates
// liveness, emits a safety_status event, and — on an is_safe transition —
// emits an AuditEvent "safety_transition" (spec §4.3).
func (r *Registry) InsertSafety(s bus.SafetyStatus) error {
	if !finite(s.Timestamp) {
		r.metrics.ObserveSampleRejected(s.DeviceID, "non_finite_timestamp")
		return apierr.Validation("device %s: safety timestamp is not finite", s.DeviceID)
	}

	d := r.entry(s.DeviceID)
	now := time.Now()

	d.mu.Lock()
	prevSafe, hadPrev := false, d.hasSafety
	if hadPrev {
		prevSafe = d.safety.IsSafe()
	}
	d.safety = s
	d.hasSafety = true
	d.lastSeenAt = now
	newSafe := s.IsSafe()
	d.mu.Unlock()

	r.Emit(Event{Type: EventSafetyStatus, DeviceID: s.DeviceID, Timestamp: now, Data: s})

	if hadPrev && prevSafe != newSafe {
		sev := "warning"
		if !newSafe {
			sev = "critical"
		}
		_ = r.auditor.Record("safety_transition", sev, "device:"+s.DeviceID, "is_safe_transition",
			map[string]interface{}{"device_id": s.DeviceID, "from": prevSafe, "to": newSafe})
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func validateSample(s bus.SensorSample) error {
	if s.DeviceID == "" {
		return apierr.Validation("sample missing device_id")
	}
	if !finite(s.Timestamp) {
		return apierr.Validation("device %s: timestamp is not finite", s.DeviceID)
	}
	for _, c := range s.MotorCurrents {
		if !finite(c) || c < -maxPlausibleCurrentAmps || c > maxPlausibleCurrentAmps {
			return apierr.Validation("device %s: implausible current reading %v", s.DeviceID, c)
		}
	}
	for _, t := range s.Temperatures {
		if !finite(t) || t < minPlausibleTemperatureC || t > maxPlausibleTemperatureC {
			return apierr.Validation("device %s: implausible temperature reading %v", s.DeviceID, t)
		}
	}
	for _, v := range []float64{s.Vibration.X, s.Vibration.Y, s.Vibration.Z} {
		if !finite(v) || v < -maxPlausibleVibration || v > maxPlausibleVibration {
			return apierr.Validation("device %s: implausible vibration reading %v", s.DeviceID, v)
		}
	}
	if s.Vibration.HasMagnitude && (!finite(s.Vibration.Magnitude) || s.Vibration.Magnitude < 0 || s.Vibration.Magnitude > maxPlausibleVibration) {
		return apierr.Validation("device %s: implausible vibration magnitude %v", s.DeviceID, s.Vibration.Magnitude)
	}
	return nil
}
