package fanout

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/modax/controllayer/internal/registry"
)

// MetricsSink receives Fan-out observability events.
type MetricsSink interface {
	SetSessionsActive(n int)
	ObserveSessionClosed(reason string)
}

// NopMetricsSink discards every observation.
type NopMetricsSink struct{}

func (NopMetricsSink) SetSessionsActive(int)    {}
func (NopMetricsSink) ObserveSessionClosed(string) {}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checking is handled by the API's CORS middleware upstream;
	// the handshake itself accepts any origin already authenticated by the
	// API-key check in ServeGlobal/ServeDevice's caller.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns every live session and is the Registry event stream's sole
// subscriber (spec §4.9, and registry's own doc comment on Events()).
type Hub struct {
	logger  *zap.Logger
	auditor Auditor
	metrics MetricsSink

	mu       sync.Mutex
	sessions map[string]*session

	done chan struct{}
}

// New constructs a Hub. auditor/metrics/logger may be nil.
func New(logger *zap.Logger, auditor Auditor, metrics MetricsSink) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	return &Hub{
		logger:   logger,
		auditor:  auditor,
		metrics:  metrics,
		sessions: make(map[string]*session),
		done:     make(chan struct{}),
	}
}

// Run consumes events off the Registry's stream and broadcasts them to
// matching sessions until events is closed or Stop is called.
func (h *Hub) Run(events <-chan registry.Event) {
	for {
		select {
		case <-h.done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(evt)
		}
	}
}

// Stop ends Run and closes every live session.
func (h *Hub) Stop() {
	close(h.done)
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.closeOnce.Do(func() { close(s.done) })
	}
}

func (h *Hub) broadcast(evt registry.Event) {
	payload, err := json.Marshal(pushMessage{
		Type: evt.Type, DeviceID: evt.DeviceID, Timestamp: evt.Timestamp, Data: evt.Data,
	})
	if err != nil {
		h.logger.Warn("fanout: failed to encode event", zap.Error(err))
		return
	}

	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.matches(evt.DeviceID) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.enqueue(evt.Type, payload)
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	h.metrics.SetSessionsActive(n)
}

func (h *Hub) unregister(s *session, reason string) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	n := len(h.sessions)
	h.mu.Unlock()
	h.metrics.SetSessionsActive(n)
	h.metrics.ObserveSessionClosed(reason)
}

// serve upgrades r and runs s's read/write pumps until the client
// disconnects or the session is closed for overflow (spec §4.9).
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, deviceID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("fanout: upgrade failed", zap.Error(err))
		return
	}

	s := newSession(uuid.NewString(), deviceID, conn, h.logger, h.auditor)
	h.register(s)

	go s.writePump()
	s.readPump(func() {
		reason := s.closeReason
		if reason == "" {
			reason = "client_disconnect"
		}
		h.unregister(s, reason)
	})
}

// ServeGlobal handles GET /ws: a session receiving every event (spec §4.9).
func (h *Hub) ServeGlobal(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

// ServeDevice handles GET /ws/device/{id}: a session scoped to one device.
func (h *Hub) ServeDevice(deviceID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, deviceID)
	}
}
