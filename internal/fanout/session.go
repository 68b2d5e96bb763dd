// Package fanout implements the Control Layer's real-time WebSocket push
// (spec §4.9): a Hub reads the Registry's event stream and broadcasts each
// event to every subscribed session, global or device-scoped, applying a
// bounded per-session queue with the specified back-pressure policy.
package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/modax/controllayer/internal/registry"
)

const (
	outboundQueueSize = 256
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10

	// closeCodeQueueOverflow is the dedicated close code used when a
	// safety_status event cannot be queued (spec §4.9).
	closeCodeQueueOverflow = 4001
)

// pushMessage is the JSON envelope pushed to every session (spec §4.9).
type pushMessage struct {
	Type      registry.EventType `json:"type"`
	DeviceID  string             `json:"device_id"`
	Timestamp time.Time          `json:"timestamp"`
	Data      interface{}        `json:"data"`
}

// Auditor records security-audit events. Satisfied directly by the audit
// ledger, same shape as registry.Auditor.
type Auditor interface {
	Record(eventType, severity, actor, action string, context map[string]interface{}) error
}

// session is one live WebSocket connection: either global (deviceID=="")
// or scoped to a single device.
type session struct {
	id       string
	deviceID string // "" means global: every event is delivered
	conn     *websocket.Conn
	outbound chan []byte
	logger   *zap.Logger
	auditor  Auditor

	closeOnce   sync.Once
	done        chan struct{}
	closeReason string
}

func newSession(id, deviceID string, conn *websocket.Conn, logger *zap.Logger, auditor Auditor) *session {
	return &session{
		id:       id,
		deviceID: deviceID,
		conn:     conn,
		outbound: make(chan []byte, outboundQueueSize),
		logger:   logger,
		auditor:  auditor,
		done:     make(chan struct{}),
	}
}

func (s *session) matches(deviceID string) bool {
	return s.deviceID == "" || s.deviceID == deviceID
}

// enqueue applies the back-pressure policy of spec §4.9: non-safety_status
// messages are dropped (oldest-first) to make room; a safety_status that
// cannot be queued closes the session with a dedicated close code and an
// audit event, since it must never be dropped silently.
func (s *session) enqueue(evtType registry.EventType, payload []byte) {
	select {
	case s.outbound <- payload:
		return
	default:
	}

	if s.tryDropOldestNonSafety() {
		select {
		case s.outbound <- payload:
			return
		default:
		}
	}

	if evtType != registry.EventSafetyStatus {
		return
	}
	s.closeForOverflow()
}

// tryDropOldestNonSafety drains up to the full queue looking for a single
// non-safety_status message to discard, preserving the order of whatever it
// keeps. Returns whether it freed a slot.
func (s *session) tryDropOldestNonSafety() bool {
	n := len(s.outbound)
	kept := make([][]byte, 0, n)
	freed := false
	for i := 0; i < n; i++ {
		msg := <-s.outbound
		if !freed {
			var probe pushMessage
			if json.Unmarshal(msg, &probe) == nil && probe.Type != registry.EventSafetyStatus {
				freed = true
				continue
			}
		}
		kept = append(kept, msg)
	}
	for _, msg := range kept {
		s.outbound <- msg
	}
	return freed
}

func (s *session) closeForOverflow() {
	s.closeOnce.Do(func() {
		s.closeReason = "queue_overflow"
		if s.auditor != nil {
			_ = s.auditor.Record("ws_session_closed", "warning", "session:"+s.id, "queue_overflow",
				map[string]interface{}{"session_id": s.id, "device_id": s.deviceID})
		}
		if s.conn != nil {
			deadline := time.Now().Add(writeWait)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCodeQueueOverflow, "outbound queue overflow"), deadline)
		}
		close(s.done)
	})
}

// writePump drains the outbound queue onto the wire and sends periodic
// pings. One goroutine per session (spec §5: "one writer task per
// session").
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case msg, ok := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump discards inbound frames (the protocol is server-push only) and
// exists solely to detect client disconnects and keep pong deadlines fresh.
func (s *session) readPump(onClose func()) {
	defer onClose()
	defer s.conn.Close()

	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
