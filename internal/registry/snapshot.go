package registry

import (
	"time"

	"github.com/modax/controllayer/internal/bus"
)

// onlineLocked reports whether d was seen within deviceOnlineTTL of now. Caller
// must hold d.mu.
func (r *Registry) onlineLocked(d *deviceEntry, now time.Time) bool {
	if d.lastSeenAt.IsZero() {
		return false
	}
	return now.Sub(d.lastSeenAt) <= r.deviceOnlineTTL
}

// Online reports whether id is currently online (spec §3, §4.3). Unknown
// devices are never online.
func (r *Registry) Online(id string) bool {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return r.onlineLocked(d, time.Now())
}

// OnlineDeviceIDs returns the IDs of every currently online device, sorted
// is not guaranteed. Recomputed on demand (spec §4.3).
func (r *Registry) OnlineDeviceIDs() []string {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.devices))
	for id, d := range r.devices {
		d.mu.Lock()
		online := r.onlineLocked(d, now)
		d.mu.Unlock()
		if online {
			ids = append(ids, id)
		}
	}
	r.metrics.SetDevicesOnline(len(ids))
	return ids
}

// DeviceSafety is the minimal view the Safety Gate needs of one online
// device (internal/safety).
type DeviceSafety struct {
	DeviceID string
	Safe     bool
}

// OnlineSafety returns the safety predicate of every online device that has
// reported at least one safety status. A device with no safety report yet
// is excluded rather than assumed safe (spec §4.5 is conservative: silence
// is treated like any other missing fact, not a claim of safety).
func (r *Registry) OnlineSafety() []DeviceSafety {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DeviceSafety, 0, len(r.devices))
	for id, d := range r.devices {
		d.mu.Lock()
		if r.onlineLocked(d, now) && d.hasSafety {
			out = append(out, DeviceSafety{DeviceID: id, Safe: d.safety.IsSafe()})
		}
		d.mu.Unlock()
	}
	return out
}

// Device returns a value-only snapshot of device id's state, or
// (zero, false) if it has never reported (spec §4.3's "deep copies or
// immutable views" rule).
func (r *Registry) Device(id string) (DeviceSnapshot, bool) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return DeviceSnapshot{}, false
	}

	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := DeviceSnapshot{
		DeviceID:       id,
		SampleCount:    len(d.window),
		LastSeenAt:     d.lastSeenAt,
		LastAnalysisAt: d.lastAnalysisAt,
		Online:         r.onlineLocked(d, now),
		HasSafety:      d.hasSafety,
		Safety:         d.safety,
	}
	if n := len(d.window); n > 0 {
		last := d.window[n-1]
		snap.Latest = latestSampleOf(id, last)
	}
	return snap, true
}

// Devices returns a snapshot of every device the Registry has ever seen
// (spec §4.8 GET /api/v1/devices).
func (r *Registry) Devices() []DeviceSnapshot {
	r.mu.RLock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]DeviceSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := r.Device(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

func latestSampleOf(id string, s sample) *LatestSample {
	return &LatestSample{
		DeviceID:      id,
		Timestamp:     s.ts,
		MotorCurrents: append([]float64(nil), s.currents...),
		Vibration: bus.Vibration{
			X: s.vibX, Y: s.vibY, Z: s.vibZ,
			Magnitude: s.vibMagnitude, HasMagnitude: true,
		},
		Temperatures: append([]float64(nil), s.temperatures...),
	}
}

// History returns up to limit of device id's most recent Aggregate
// snapshots, ascending by timestamp (spec §4.8: "Last N aggregates,
// N<=1000"). A new snapshot is appended on every accepted sample
// (registry.go's InsertSample), so this is a log of the window's
// statistical summary over time, not the raw samples behind it — those
// are never persisted past the rolling window (spec Non-goals).
func (r *Registry) History(id string, limit int) ([]Aggregate, bool) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	start := 0
	if limit > 0 && len(d.aggHistory) > limit {
		start = len(d.aggHistory) - limit
	}
	out := make([]Aggregate, len(d.aggHistory)-start)
	copy(out, d.aggHistory[start:])
	return out, true
}

// Samples returns up to limit of device id's current raw window samples,
// ascending by timestamp (used by the CSV/JSON export handler, which
// reports per-reading channel values rather than aggregates). limit<=0
// means the full window. The window only ever holds
// AGGREGATION_WINDOW_SECONDS/MAX_DATA_POINTS worth of samples (spec
// §4.3); this never reaches further back than that, since the core does
// not persist raw telemetry (spec Non-goals).
func (r *Registry) Samples(id string, limit int) ([]LatestSample, bool) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	start := 0
	if limit > 0 && len(d.window) > limit {
		start = len(d.window) - limit
	}
	out := make([]LatestSample, 0, len(d.window)-start)
	for _, s := range d.window[start:] {
		out = append(out, *latestSampleOf(id, s))
	}
	return out, true
}

// SetLastAnalysisAt records that an advisory request for id succeeded at t
// (spec §4.4 step 4). No-op if the device is unknown.
func (r *Registry) SetLastAnalysisAt(id string, t time.Time) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	d.mu.Lock()
	d.lastAnalysisAt = t
	d.mu.Unlock()
}
