package bus

import "encoding/json"

// SensorSample is the wire shape published on TopicSensorData, per spec §6.
type SensorSample struct {
	DeviceID      string    `json:"device_id"`
	Timestamp     float64   `json:"timestamp"`
	MotorCurrents []float64 `json:"motor_currents"`
	Vibration     Vibration `json:"vibration"`
	Temperatures  []float64 `json:"temperatures"`
}

// Vibration is a tri-axial vibration reading with an optional
// device-supplied magnitude. If Magnitude is zero-valued and the JSON
// payload omitted it, the caller derives sqrt(x²+y²+z²); if the device
// supplied it, the supplied value wins (spec §4.3, §9).
type Vibration struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Magnitude float64 `json:"magnitude"`
	// HasMagnitude records whether the payload included the magnitude key
	// at all, distinguishing "device reported 0" from "device omitted it".
	HasMagnitude bool `json:"-"`
}

// UnmarshalJSON distinguishes an explicit "magnitude" field from an absent
// one, so the aggregator can tell whether to trust or derive it.
func (v *Vibration) UnmarshalJSON(data []byte) error {
	var raw struct {
		X         float64  `json:"x"`
		Y         float64  `json:"y"`
		Z         float64  `json:"z"`
		Magnitude *float64 `json:"magnitude"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.X, v.Y, v.Z = raw.X, raw.Y, raw.Z
	if raw.Magnitude != nil {
		v.Magnitude = *raw.Magnitude
		v.HasMagnitude = true
	}
	return nil
}

// SafetyStatus is the wire shape published on TopicSensorSafety, per spec §6.
type SafetyStatus struct {
	DeviceID         string  `json:"device_id"`
	Timestamp        float64 `json:"timestamp"`
	EmergencyStop    bool    `json:"emergency_stop"`
	DoorClosed       bool    `json:"door_closed"`
	OverloadDetected bool    `json:"overload_detected"`
	TemperatureOK    bool    `json:"temperature_ok"`
}

// IsSafe computes the derived per-device safety predicate from spec §3:
// is_safe = !emergency_stop && door_closed && !overload_detected && temperature_ok.
func (s SafetyStatus) IsSafe() bool {
	return !s.EmergencyStop && s.DoorClosed && !s.OverloadDetected && s.TemperatureOK
}

// CommandRequest is the wire shape published on TopicControlCommands,
// and the payload accepted by POST /api/v1/control/command, per spec §3/§6.
type CommandRequest struct {
	DeviceID    string            `json:"device_id"`
	CommandType string            `json:"command_type"`
	Parameters  map[string]string `json:"parameters"`
}

// DecodeSensorSample decodes a SensorSample payload. Decode errors are the
// caller's responsibility to log and count; they must never crash the
// subscriber loop (spec §4.2).
func DecodeSensorSample(payload []byte) (SensorSample, error) {
	var s SensorSample
	err := json.Unmarshal(payload, &s)
	return s, err
}

// DecodeSafetyStatus decodes a SafetyStatus payload.
func DecodeSafetyStatus(payload []byte) (SafetyStatus, error) {
	var s SafetyStatus
	err := json.Unmarshal(payload, &s)
	return s, err
}

// DecodeCommandRequest decodes a CommandRequest payload.
func DecodeCommandRequest(payload []byte) (CommandRequest, error) {
	var c CommandRequest
	err := json.Unmarshal(payload, &c)
	return c, err
}

// Encode is a thin wrapper kept for symmetry with the Decode* helpers above;
// all outbound payloads on the bus are plain JSON.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
