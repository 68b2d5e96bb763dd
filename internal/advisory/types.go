// Package advisory orchestrates periodic calls to the external advisory
// HTTP service (spec §4.4, §6): it never runs inference itself, only builds
// requests from the Registry's aggregates, calls out under a timeout, and
// caches whatever comes back.
package advisory

import "github.com/modax/controllayer/internal/registry"

// Request is the exact wire contract POSTed to the advisory service (spec
// §6). Field names and the dropped temperature_std (present in Aggregate
// but not in this wire shape) are taken verbatim from the spec.
type Request struct {
	DeviceID        string    `json:"device_id"`
	TimeWindowStart float64   `json:"time_window_start"`
	TimeWindowEnd   float64   `json:"time_window_end"`
	CurrentMean     []float64 `json:"current_mean"`
	CurrentStd      []float64 `json:"current_std"`
	CurrentMax      []float64 `json:"current_max"`

	VibrationMean vibrationTriple `json:"vibration_mean"`
	VibrationStd  vibrationTriple `json:"vibration_std"`
	VibrationMax  vibrationTriple `json:"vibration_max"`

	TemperatureMean []float64 `json:"temperature_mean"`
	TemperatureMax  []float64 `json:"temperature_max"`

	SampleCount int `json:"sample_count"`
}

type vibrationTriple struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Magnitude float64 `json:"magnitude"`
}

// Result is the AdvisoryResult contract (spec §3): opaque to the core
// beyond these fields.
type Result struct {
	DeviceID                string   `json:"device_id"`
	TimestampMS             int64    `json:"timestamp_ms"`
	AnomalyDetected         bool     `json:"anomaly_detected"`
	AnomalyScore            float64  `json:"anomaly_score"`
	AnomalyDescription      string   `json:"anomaly_description"`
	PredictedWearLevel      float64  `json:"predicted_wear_level"`
	EstimatedRemainingHours int      `json:"estimated_remaining_hours"`
	Recommendations         []string `json:"recommendations"`
	Confidence              float64  `json:"confidence"`
}

// buildRequest projects a registry.Aggregate onto the advisory wire
// contract (spec §6), dropping temperature_std — the advisory service's
// request shape does not carry it even though Aggregate computes it.
func buildRequest(agg registry.Aggregate) Request {
	return Request{
		DeviceID:        agg.DeviceID,
		TimeWindowStart: agg.TimeWindowStart,
		TimeWindowEnd:   agg.TimeWindowEnd,
		CurrentMean:     agg.CurrentMean,
		CurrentStd:      agg.CurrentStd,
		CurrentMax:      agg.CurrentMax,
		VibrationMean: vibrationTriple{
			X: agg.Vibration.X.Mean, Y: agg.Vibration.Y.Mean, Z: agg.Vibration.Z.Mean, Magnitude: agg.Vibration.Magnitude.Mean,
		},
		VibrationStd: vibrationTriple{
			X: agg.Vibration.X.Std, Y: agg.Vibration.Y.Std, Z: agg.Vibration.Z.Std, Magnitude: agg.Vibration.Magnitude.Std,
		},
		VibrationMax: vibrationTriple{
			X: agg.Vibration.X.Max, Y: agg.Vibration.Y.Max, Z: agg.Vibration.Z.Max, Magnitude: agg.Vibration.Magnitude.Max,
		},
		TemperatureMean: agg.TemperatureMean,
		TemperatureMax:  agg.TemperatureMax,
		SampleCount:     agg.SampleCount,
	}
}
