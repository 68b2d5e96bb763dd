package observability

import "fmt"

// These adapters let the narrow MetricsSink interfaces each leaf package
// defines (internal/bus, internal/registry, internal/cache) be satisfied by
// the single shared *Metrics instance built at startup, without any of
// those packages importing observability directly.

// BusSink adapts *Metrics to internal/bus.MetricsSink.
type BusSink struct{ M *Metrics }

func (s BusSink) ObserveBusReceived(topic string) {
	s.M.BusMessagesReceivedTotal.WithLabelValues(topic).Inc()
}

func (s BusSink) ObserveBusPublish(topic, result string) {
	s.M.BusPublishTotal.WithLabelValues(topic, result).Inc()
}

// RegistrySink adapts *Metrics to internal/registry.MetricsSink.
type RegistrySink struct{ M *Metrics }

func (s RegistrySink) ObserveSampleRejected(_ string, reason string) {
	s.M.SamplesRejectedTotal.WithLabelValues(reason).Inc()
}

func (s RegistrySink) ObserveEventDropped(eventType string) {
	s.M.EventsDroppedTotal.WithLabelValues(eventType).Inc()
}

func (s RegistrySink) SetDevicesOnline(n int) {
	s.M.DevicesOnline.Set(float64(n))
}

// CacheSink adapts *Metrics to internal/cache.MetricsSink, labeling every
// observation with the given cache name (status, devices, advisory).
type CacheSink struct{ M *Metrics }

func (s CacheSink) ObserveHit(cache string) {
	s.M.CacheHitsTotal.WithLabelValues(cache).Inc()
}

func (s CacheSink) ObserveMiss(cache string) {
	s.M.CacheMissesTotal.WithLabelValues(cache).Inc()
}

func (s CacheSink) SetSize(cache string, n int) {
	s.M.CacheSize.WithLabelValues(cache).Set(float64(n))
}

// APISink adapts *Metrics to internal/api.MetricsSink.
type APISink struct{ M *Metrics }

func (s APISink) ObserveRequest(method, endpoint string, status int) {
	s.M.APIRequestsTotal.WithLabelValues(method, endpoint, fmt.Sprintf("%d", status)).Inc()
}

func (s APISink) ObserveDuration(method, endpoint string, seconds float64) {
	s.M.APIRequestDuration.WithLabelValues(method, endpoint).Observe(seconds)
}

// AdvisorySink adapts *Metrics to internal/advisory.MetricsSink.
type AdvisorySink struct{ M *Metrics }

func (s AdvisorySink) ObserveRequest(result string) {
	s.M.AdvisoryRequestsTotal.WithLabelValues(result).Inc()
}

func (s AdvisorySink) ObserveDuration(seconds float64) {
	s.M.AdvisoryRequestDuration.Observe(seconds)
}

// CommandSink adapts *Metrics to internal/command.MetricsSink.
type CommandSink struct{ M *Metrics }

func (s CommandSink) ObserveDispatch(result string) {
	s.M.CommandsDispatchedTotal.WithLabelValues(result).Inc()
}

// FanoutSink adapts *Metrics to internal/fanout.MetricsSink.
type FanoutSink struct{ M *Metrics }

func (s FanoutSink) SetSessionsActive(n int) {
	s.M.WSSessionsActive.Set(float64(n))
}

func (s FanoutSink) ObserveSessionClosed(reason string) {
	s.M.WSSessionsClosedTotal.WithLabelValues(reason).Inc()
}
