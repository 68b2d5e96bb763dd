package registry

import (
	"time"

	"github.com/modax/controllayer/internal/bus"
)

// sample is the Registry's internal representation of one accepted
// SensorSample, with its timestamp pre-parsed and its effective vibration
// magnitude resolved (spec §4.3, §9: device-supplied magnitude wins over a
// derived one).
type sample struct {
	ts                  float64 // seconds, as received (spec §3)
	currents            []float64
	temperatures        []float64
	vibX, vibY, vibZ    float64
	vibMagnitude        float64
}

// ChannelStats is the mean/std/max summary of one scalar channel over the
// current window (spec §3 Aggregate).
type ChannelStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Max  float64 `json:"max"`
}

// VibrationStats bundles the four vibration channels' ChannelStats.
type VibrationStats struct {
	X         ChannelStats `json:"x"`
	Y         ChannelStats `json:"y"`
	Z         ChannelStats `json:"z"`
	Magnitude ChannelStats `json:"magnitude"`
}

// Aggregate is the statistical summary derived on demand from a device's
// rolling window (spec §3). Invariants: Std >= 0; Max >= Mean componentwise;
// if SampleCount < 2, every Std is 0.
type Aggregate struct {
	DeviceID        string  `json:"device_id"`
	TimeWindowStart float64 `json:"time_window_start"`
	TimeWindowEnd   float64 `json:"time_window_end"`
	SampleCount     int     `json:"sample_count"`

	CurrentMean []float64 `json:"current_mean"`
	CurrentStd  []float64 `json:"current_std"`
	CurrentMax  []float64 `json:"current_max"`

	Vibration VibrationStats `json:"vibration"`

	TemperatureMean []float64 `json:"temperature_mean"`
	TemperatureStd  []float64 `json:"temperature_std"`
	TemperatureMax  []float64 `json:"temperature_max"`
}

// LatestSample is the value-only snapshot of the most recent sample
// accepted for a device, returned by API/WS handlers (spec §4.3's "deep
// copies or immutable views" rule).
type LatestSample struct {
	DeviceID      string    `json:"device_id"`
	Timestamp     float64   `json:"timestamp"`
	MotorCurrents []float64 `json:"motor_currents"`
	Vibration     bus.Vibration `json:"vibration"`
	Temperatures  []float64 `json:"temperatures"`
}

// DeviceSnapshot is an immutable point-in-time view of a DeviceState,
// returned by Registry read operations so callers never hold the device
// lock (spec §4.3).
type DeviceSnapshot struct {
	DeviceID       string
	SampleCount    int
	LastSeenAt     time.Time
	LastAnalysisAt time.Time
	Online         bool
	HasSafety      bool
	Safety         bus.SafetyStatus
	Latest         *LatestSample
}
