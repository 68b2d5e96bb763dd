package api

import (
	"encoding/csv"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modax/controllayer/internal/advisory"
	"github.com/modax/controllayer/internal/apierr"
	"github.com/modax/controllayer/internal/bus"
	"github.com/modax/controllayer/internal/registry"
)

// statusResponse is the exact /api/v1/status shape (spec §6).
type statusResponse struct {
	IsSafe         bool     `json:"is_safe"`
	DevicesOnline  []string `json:"devices_online"`
	LastUpdate     float64  `json:"last_update"`
	AIEnabled      bool     `json:"ai_enabled"`
	AILastAnalysis *float64 `json:"ai_last_analysis"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if cached, ok := s.deps.Cache.Get("status"); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	online := s.deps.Registry.OnlineDeviceIDs()
	resp := statusResponse{
		IsSafe:        s.deps.Gate.Evaluate(),
		DevicesOnline: online,
		LastUpdate:    float64(time.Now().Unix()),
		AIEnabled:     s.deps.Config.Advisory.Enabled,
	}
	var lastAnalysis float64
	var any bool
	for _, id := range online {
		if snap, ok := s.deps.Registry.Device(id); ok && !snap.LastAnalysisAt.IsZero() {
			ts := float64(snap.LastAnalysisAt.Unix())
			if !any || ts > lastAnalysis {
				lastAnalysis, any = ts, true
			}
		}
	}
	if any {
		resp.AILastAnalysis = &lastAnalysis
	}

	s.deps.Cache.Put("status", resp, 2*time.Second)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if cached, ok := s.deps.Cache.Get("devices"); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	devices := s.deps.Registry.Devices()
	s.deps.Cache.Put("devices", devices, 5*time.Second)
	writeJSON(w, http.StatusOK, devices)
}

// deviceDetailResponse is a convenience view factored out of the full
// /api/v1/devices list (SPEC_FULL.md's supplemented device-detail
// endpoint): just enough for an HMI to poll one device without paying for
// the whole fleet snapshot.
type deviceDetailResponse struct {
	DeviceID string    `json:"device_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

func (s *Server) handleDeviceDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cacheKey := "device:" + id
	if cached, ok := s.deps.Cache.Get(cacheKey); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	snap, ok := s.deps.Registry.Device(id)
	if !ok {
		writeError(w, r, apierr.NotFound("unknown device %s", id))
		return
	}
	resp := deviceDetailResponse{DeviceID: snap.DeviceID, Online: snap.Online, LastSeen: snap.LastSeenAt}
	s.deps.Cache.Put(cacheKey, resp, 5*time.Second)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeviceData(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.deps.Registry.Device(id)
	if !ok {
		writeError(w, r, apierr.NotFound("unknown device %s", id))
		return
	}
	agg, _ := s.deps.Registry.Aggregate(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": id,
		"latest":    snap.Latest,
		"aggregate": agg,
	})
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := defaultHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, apierr.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, ok := s.deps.Registry.History(id, limit)
	if !ok {
		writeError(w, r, apierr.NotFound("unknown device %s", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"device_id": id, "aggregates": rows})
}

func (s *Server) handleDeviceSafety(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.deps.Registry.Device(id)
	if !ok {
		writeError(w, r, apierr.NotFound("unknown device %s", id))
		return
	}
	if !snap.HasSafety {
		writeError(w, r, apierr.NotFound("device %s has not reported a safety status", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": id,
		"safety":    snap.Safety,
		"is_safe":   snap.Safety.IsSafe(),
	})
}

func (s *Server) handleDeviceAIAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Registry.Known(id) {
		writeError(w, r, apierr.NotFound("unknown device %s", id))
		return
	}
	cached, ok := s.deps.Cache.Get("advisory:" + id)
	if !ok {
		writeError(w, r, apierr.NotFound("no cached advisory result for device %s", id))
		return
	}
	result, ok := cached.(advisory.Result)
	if !ok {
		writeError(w, r, apierr.New(apierr.KindInternal, "corrupt cached advisory result"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) handleControlCommand(w http.ResponseWriter, r *http.Request) {
	var req bus.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierr.Validation("malformed command payload: %v", err))
		return
	}
	actor := "apikey:" + r.Header.Get("X-API-Key")

	result, err := s.deps.Dispatch.Dispatch(r.Context(), req, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"published": result.Published})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apierr.Validation("malformed emergency-stop payload: %v", err))
		return
	}
	previous := s.deps.Gate.SetEstop(body.On)

	if s.deps.Auditor != nil {
		severity := "warning"
		if body.On {
			severity = "critical"
		}
		actor := "apikey:" + r.Header.Get("X-API-Key")
		_ = s.deps.Auditor.Record("control_executed", severity, actor, "emergency_stop",
			map[string]interface{}{"estop": body.On, "previous": previous})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"estop": body.On, "previous": previous})
}

var csvHeader = []string{"timestamp", "device_id", "current_a", "current_b", "current_c", "vibration", "temperature", "rpm", "power_kw"}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format := chi.URLParam(r, "format")
	if format != "csv" && format != "json" {
		writeError(w, r, apierr.Validation("unsupported export format %q", format))
		return
	}

	hours := maxExportHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, apierr.Validation("hours must be a positive integer"))
			return
		}
		hours = n
	}
	if hours > maxExportHours {
		hours = maxExportHours
	}

	rows, ok := s.deps.Registry.Samples(id, 0)
	if !ok {
		writeError(w, r, apierr.NotFound("unknown device %s", id))
		return
	}
	cutoff := float64(time.Now().Add(-time.Duration(hours) * time.Hour).Unix())
	filtered := make([]registry.LatestSample, 0, len(rows))
	for _, row := range rows {
		if row.Timestamp >= cutoff {
			filtered = append(filtered, row)
		}
	}

	if format == "json" {
		writeJSON(w, http.StatusOK, exportRows(filtered))
		return
	}
	writeCSV(w, filtered)
}

// exportRow is one exported record, matching the CSV header's fields.
type exportRow struct {
	Timestamp  string  `json:"timestamp"`
	DeviceID   string  `json:"device_id"`
	CurrentA   *float64 `json:"current_a"`
	CurrentB   *float64 `json:"current_b"`
	CurrentC   *float64 `json:"current_c"`
	Vibration  float64 `json:"vibration"`
	Temperature *float64 `json:"temperature"`
	RPM        *float64 `json:"rpm"`
	PowerKW    *float64 `json:"power_kw"`
}

func exportRows(samples []registry.LatestSample) []exportRow {
	out := make([]exportRow, 0, len(samples))
	for _, s := range samples {
		out = append(out, toExportRow(s))
	}
	return out
}

func toExportRow(s registry.LatestSample) exportRow {
	row := exportRow{
		Timestamp: time.Unix(int64(s.Timestamp), 0).UTC().Format(time.RFC3339),
		DeviceID:  s.DeviceID,
		Vibration: s.Vibration.Magnitude,
	}
	row.CurrentA = channelAt(s.MotorCurrents, 0)
	row.CurrentB = channelAt(s.MotorCurrents, 1)
	row.CurrentC = channelAt(s.MotorCurrents, 2)
	row.Temperature = channelAt(s.Temperatures, 0)
	return row
}

func channelAt(channels []float64, idx int) *float64 {
	if idx >= len(channels) {
		return nil
	}
	v := channels[idx]
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func writeCSV(w http.ResponseWriter, samples []registry.LatestSample) {
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write(csvHeader)
	for _, s := range samples {
		row := toExportRow(s)
		_ = cw.Write([]string{
			row.Timestamp,
			row.DeviceID,
			formatOptional(row.CurrentA),
			formatOptional(row.CurrentB),
			formatOptional(row.CurrentC),
			strconv.FormatFloat(row.Vibration, 'f', -1, 64),
			formatOptional(row.Temperature),
			formatOptional(row.RPM),
			formatOptional(row.PowerKW),
		})
	}
	cw.Flush()
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
