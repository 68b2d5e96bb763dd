package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 60 * time.Second
	defaultQueueSize      = 10000
	defaultConnectAttempts = 5
)

type outboundMsg struct {
	topic   string
	payload []byte
	qos     byte
}

type subscription struct {
	topic   string
	qos     byte
	handler Handler
}

// MQTTConfig configures an MQTTTransport.
type MQTTConfig struct {
	BrokerHost string
	BrokerPort int
	ClientID   string
	Username   string
	Password   string
	TLSConfig  *tls.Config // nil disables TLS

	// QueueSize bounds the outbound publish queue. Default defaultQueueSize.
	QueueSize int

	// ConnectAttempts bounds the initial Connect attempt budget. Default
	// defaultConnectAttempts.
	ConnectAttempts int
}

// MQTTTransport is the reference Transport implementation: MQTT 3.1.1/5 via
// paho.mqtt.golang, with a hand-rolled reconnect loop so the backoff
// schedule matches spec §4.2 exactly — paho's built-in auto-reconnect does
// not expose jitter or an observable attempt counter.
type MQTTTransport struct {
	cfg     MQTTConfig
	logger  *zap.Logger
	metrics MetricsSink

	mu     sync.RWMutex
	client mqtt.Client
	subs   []subscription
	queue  chan outboundMsg

	state           atomic.Int32
	attempt         atomic.Int32
	lastConnectedAt atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMQTTTransport constructs an MQTTTransport. Connect must be called to
// establish the first session.
func NewMQTTTransport(cfg MQTTConfig, logger *zap.Logger, metrics MetricsSink) *MQTTTransport {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = defaultConnectAttempts
	}
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	t := &MQTTTransport{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan outboundMsg, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
	t.state.Store(int32(StateDisconnected))
	return t
}

func (t *MQTTTransport) State() ConnectionState {
	return ConnectionState(t.state.Load())
}

func (t *MQTTTransport) setState(s ConnectionState) {
	t.state.Store(int32(s))
}

func (t *MQTTTransport) LastConnectedAt() (int64, bool) {
	ts := t.lastConnectedAt.Load()
	return ts, ts != 0
}

func (t *MQTTTransport) buildOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if t.cfg.TLSConfig != nil {
		scheme = "ssl"
		opts.SetTLSConfig(t.cfg.TLSConfig)
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, t.cfg.BrokerHost, t.cfg.BrokerPort))
	opts.SetClientID(t.cfg.ClientID)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(false) // reconnect timing is managed explicitly, below
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		t.onConnected()
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		t.onConnectionLost(err)
	})
	return opts
}

// Connect blocks until the first session succeeds or the bounded attempt
// budget is exhausted.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	t.setState(StateConnecting)
	t.mu.Lock()
	t.client = mqtt.NewClient(t.buildOptions())
	client := t.client
	t.mu.Unlock()

	var lastErr error
	for i := 0; i < t.cfg.ConnectAttempts; i++ {
		token := client.Connect()
		if token.WaitTimeout(10*time.Second) && token.Error() == nil {
			go t.publishLoop()
			return nil
		}
		lastErr = token.Error()
		if lastErr == nil {
			lastErr = fmt.Errorf("connect timed out")
		}
		if t.logger != nil {
			t.logger.Warn("bus: initial connect attempt failed",
				zap.Int("attempt", i+1), zap.Error(lastErr))
		}
		select {
		case <-ctx.Done():
			t.setState(StateDisconnected)
			return &TransportError{Op: "connect", Err: ctx.Err()}
		case <-time.After(backoffDelay(i)):
		}
	}
	t.setState(StateDisconnected)
	return &TransportError{Op: "connect", Err: lastErr}
}

// onConnected resets the reconnect attempt counter, records the connect
// time, and re-registers every subscription (spec §4.2: subscriptions are
// "re-registered automatically across reconnects").
func (t *MQTTTransport) onConnected() {
	t.attempt.Store(0)
	t.lastConnectedAt.Store(time.Now().Unix())
	t.setState(StateConnected)

	t.mu.RLock()
	subs := append([]subscription(nil), t.subs...)
	client := t.client
	t.mu.RUnlock()

	for _, s := range subs {
		client.Subscribe(s.topic, s.qos, t.wrapHandler(s.handler))
	}
	if t.logger != nil {
		t.logger.Info("bus: connected")
	}
}

// onConnectionLost begins the managed reconnect loop with jittered
// exponential backoff: delay = min(max_delay, initial_delay·2^attempt),
// jittered ±20% (spec §4.2).
func (t *MQTTTransport) onConnectionLost(err error) {
	t.setState(StateReconnecting)
	if t.logger != nil {
		t.logger.Warn("bus: connection lost", zap.Error(err))
	}
	go t.reconnectLoop()
}

func (t *MQTTTransport) reconnectLoop() {
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		attempt := int(t.attempt.Add(1)) - 1
		delay := backoffDelay(attempt)
		select {
		case <-t.stopCh:
			return
		case <-time.After(delay):
		}

		t.mu.RLock()
		client := t.client
		t.mu.RUnlock()
		if client == nil {
			return
		}

		token := client.Connect()
		if token.WaitTimeout(10*time.Second) && token.Error() == nil {
			// onConnected (the registered OnConnectHandler) resets state and attempt.
			return
		}
		if t.logger != nil {
			t.logger.Warn("bus: reconnect attempt failed", zap.Int("attempt", attempt+1))
		}
	}
}

// backoffDelay implements spec §4.2's reconnection protocol:
// delay = min(max_delay, initial_delay·2^attempt), jittered ±20%.
func backoffDelay(attempt int) time.Duration {
	base := float64(initialReconnectDelay) * math.Pow(2, float64(attempt))
	if base > float64(maxReconnectDelay) {
		base = float64(maxReconnectDelay)
	}
	jitter := base * 0.2
	delta := (rand.Float64()*2 - 1) * jitter
	d := time.Duration(base + delta)
	if d < 0 {
		d = 0
	}
	return d
}

func (t *MQTTTransport) wrapHandler(h Handler) mqtt.MessageHandler {
	return func(c mqtt.Client, m mqtt.Message) {
		t.metrics.ObserveBusReceived(m.Topic())
		h(m.Topic(), m.Payload())
	}
}

// Subscribe registers handler for topicPattern. If already connected, the
// subscription is installed immediately; it is also replayed by
// onConnected after every reconnect.
func (t *MQTTTransport) Subscribe(topicPattern string, qos byte, handler Handler) error {
	t.mu.Lock()
	t.subs = append(t.subs, subscription{topic: topicPattern, qos: qos, handler: handler})
	client := t.client
	t.mu.Unlock()

	if client != nil && client.IsConnected() {
		token := client.Subscribe(topicPattern, qos, t.wrapHandler(handler))
		token.Wait()
		if err := token.Error(); err != nil {
			return &TransportError{Op: "subscribe " + topicPattern, Err: err}
		}
	}
	return nil
}

// Publish enqueues payload for the dedicated publisher goroutine to send.
// Returns a *BackpressureError if the bounded queue is full; a transient
// disconnect does not fail the call, it simply buffers (spec §4.2).
func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	select {
	case t.queue <- outboundMsg{topic: topic, payload: payload, qos: qos}:
		return nil
	default:
		t.metrics.ObserveBusPublish(topic, "backpressure")
		return &BackpressureError{Topic: topic, QueueSize: cap(t.queue)}
	}
}

// publishLoop is the bus client's single dedicated publisher task (spec §5):
// it drains the outbound queue serially, so publish order on a given topic
// matches enqueue order.
func (t *MQTTTransport) publishLoop() {
	for {
		select {
		case <-t.stopCh:
			return
		case msg, ok := <-t.queue:
			if !ok {
				return
			}
			t.mu.RLock()
			client := t.client
			t.mu.RUnlock()
			for client == nil || !client.IsConnected() {
				select {
				case <-t.stopCh:
					return
				case <-time.After(100 * time.Millisecond):
				}
				t.mu.RLock()
				client = t.client
				t.mu.RUnlock()
			}
			token := client.Publish(msg.topic, msg.qos, false, msg.payload)
			token.Wait()
			if err := token.Error(); err != nil {
				t.metrics.ObserveBusPublish(msg.topic, "error")
				if t.logger != nil {
					t.logger.Error("bus: publish failed", zap.String("topic", msg.topic), zap.Error(err))
				}
				continue
			}
			t.metrics.ObserveBusPublish(msg.topic, "success")
		}
	}
}

// Disconnect is idempotent.
func (t *MQTTTransport) Disconnect() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	t.setState(StateDisconnected)
}
