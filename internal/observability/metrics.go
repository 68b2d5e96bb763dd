// Package observability provides the Control Layer's structured logging and
// Prometheus metrics.
//
// All metrics are registered on a dedicated prometheus.Registry (never the
// default global registry) so the process can be embedded or tested without
// colliding with other instrumented libraries.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor exposed by the Control
// Layer, grouped by the subsystem that reports it.
type Metrics struct {
	registry *prometheus.Registry

	// ─── API ──────────────────────────────────────────────────────────────
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// ─── Bus ──────────────────────────────────────────────────────────────
	BusMessagesReceivedTotal *prometheus.CounterVec
	BusPublishTotal          *prometheus.CounterVec

	// ─── Advisory ─────────────────────────────────────────────────────────
	AdvisoryRequestsTotal   *prometheus.CounterVec
	AdvisoryRequestDuration prometheus.Histogram

	// ─── Cache ────────────────────────────────────────────────────────────
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheSize        *prometheus.GaugeVec

	// ─── Commands ─────────────────────────────────────────────────────────
	CommandsDispatchedTotal *prometheus.CounterVec

	// ─── Registry / safety ────────────────────────────────────────────────
	DevicesOnline        prometheus.Gauge
	SystemSafe           prometheus.Gauge
	SamplesRejectedTotal *prometheus.CounterVec
	EventsDroppedTotal   *prometheus.CounterVec

	// ─── Fan-out ──────────────────────────────────────────────────────────
	WSSessionsActive    prometheus.Gauge
	WSSessionsClosedTotal *prometheus.CounterVec

	// ─── Process ──────────────────────────────────────────────────────────
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers every Control Layer Prometheus metric on
// a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controllayer",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total HTTP API requests, by method, endpoint and status code.",
		}, []string{"method", "endpoint", "status"}),

		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "controllayer",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),

		BusMessagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controllayer",
			Subsystem: "bus",
			Name:      "messages_received_total",
			Help:      "Total bus messages received, by topic.",
		}, []string{"topic"}),

		BusPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controllayer",
			Subsystem: "bus",
			Name:      "publish_total",
			Help:      "Total bus publish attempts, by topic and result.",
		}, []string{"topic", "result"}),

		AdvisoryRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controllayer",
			Subsystem: "advisory",
			Name:      "requests_total",
			Help:      "Total advisory HTTP requests, by result (success, timeout, transport_error, 5xx, 4xx_validation, decode_error).",
		}, []string{"result"}),

		AdvisoryRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "controllayer",
			Subsystem: "advisory",
			Name:      "request_duration_seconds",
			Help:      "Advisory HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controllayer",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total cache lookups that found a live entry, by cache.",
		}, []string{"cache"}),

		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controllayer",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total cache lookups that found no live entry, by cache.",
		}, []string{"cache"}),

		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "controllayer",
			Subsystem: "cache",
			Name:      "size",
			Help:      "Current number of live entries, by cache.",
		}, []string{"cache"}),

		CommandsDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controllayer",
			Subsystem: "commands",
			Name:      "dispatched_total",
			Help:      "Total command dispatch attempts, by result (executed, blocked, failed).",
		}, []string{"result"}),

		DevicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controllayer",
			Name:      "devices_online",
			Help:      "Current number of devices considered online.",
		}),

		SystemSafe: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controllayer",
			Name:      "system_safe",
			Help:      "Current global safety predicate (1 = safe, 0 = unsafe).",
		}),

		SamplesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controllayer",
			Subsystem: "registry",
			Name:      "samples_rejected_total",
			Help:      "Total inbound samples rejected by validation, by reason.",
		}, []string{"reason"}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controllayer",
			Subsystem: "registry",
			Name:      "events_dropped_total",
			Help:      "Total fan-out events dropped because the event buffer was full, by type.",
		}, []string{"type"}),

		WSSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controllayer",
			Subsystem: "ws",
			Name:      "sessions_active",
			Help:      "Current number of live WebSocket fan-out sessions.",
		}),

		WSSessionsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controllayer",
			Subsystem: "ws",
			Name:      "sessions_closed_total",
			Help:      "Total WebSocket fan-out sessions closed, by reason.",
		}, []string{"reason"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controllayer",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.APIRequestsTotal,
		m.APIRequestDuration,
		m.BusMessagesReceivedTotal,
		m.BusPublishTotal,
		m.AdvisoryRequestsTotal,
		m.AdvisoryRequestDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheSize,
		m.CommandsDispatchedTotal,
		m.DevicesOnline,
		m.SystemSafe,
		m.SamplesRejectedTotal,
		m.EventsDroppedTotal,
		m.WSSessionsActive,
		m.WSSessionsClosedTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the dedicated registry backing these metrics, for
// mounting under the API server's /metrics route.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the promhttp handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		h.ServeHTTP(w, r)
	})
}

// ServeStandalone starts a standalone metrics HTTP server on addr. Nothing
// in the default wiring calls it; that wiring mounts Handler directly on
// the API router instead.
func (m *Metrics) ServeStandalone(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically refreshes UptimeSeconds.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
