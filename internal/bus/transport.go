// Package bus models the publish/subscribe message bus as a capability
// (Connect/Subscribe/Publish/Disconnect) so the Registry, Advisory
// Orchestrator and Command Dispatcher never depend on a concrete transport.
// The reference implementation is MQTT (mqtt.go); a future Sparkplug-B or
// OPC-UA transport would implement Transport without touching any other
// package (spec §9 "Design Notes").
package bus

import "context"

// Default topic catalog, per spec §4.2.
const (
	TopicSensorData      = "modax/sensor/data"
	TopicSensorSafety    = "modax/sensor/safety"
	TopicAIAnalysis      = "modax/ai/analysis"
	TopicControlCommands = "modax/control/commands"
)

// Default QoS per topic, per spec §4.2.
const (
	QoSSensorData      byte = 0
	QoSSensorSafety    byte = 1
	QoSAIAnalysis      byte = 1
	QoSControlCommands byte = 1
)

// ConnectionState is the bus client's connection lifecycle state.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Handler receives a decoded (topic, payload) pair for a matching
// subscription. Handlers must not block on network I/O; any decode error is
// the handler's responsibility to log and count (spec §4.2).
type Handler func(topic string, payload []byte)

// Transport is the capability every bus implementation provides.
type Transport interface {
	// Connect blocks until the first successful session is established or
	// the bounded attempt budget is exhausted, in which case it returns a
	// *TransportError.
	Connect(ctx context.Context) error

	// Subscribe registers handler for topicPattern at the given QoS.
	// Subscriptions are re-registered automatically across reconnects.
	Subscribe(topicPattern string, qos byte, handler Handler) error

	// Publish enqueues payload for delivery on topic at qos. It returns a
	// *BackpressureError only if the bounded outbound queue is full;
	// transient disconnection queues the message instead of failing.
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error

	// Disconnect is idempotent.
	Disconnect()

	// State returns the current connection state.
	State() ConnectionState

	// LastConnectedAt returns the wall time of the most recent successful
	// connection, or the zero value if never connected. Used by the API's
	// /ready handler (spec §4.8's readiness rule).
	LastConnectedAt() (t int64, ok bool)
}

// MetricsSink receives bus-level observability events. Implementations must
// be safe for concurrent use; the transport calls these synchronously from
// its own goroutines.
type MetricsSink interface {
	ObserveBusReceived(topic string)
	ObserveBusPublish(topic, result string)
}

// NopMetricsSink discards every observation. Used when no sink is wired.
type NopMetricsSink struct{}

func (NopMetricsSink) ObserveBusReceived(string)       {}
func (NopMetricsSink) ObserveBusPublish(string, string) {}
