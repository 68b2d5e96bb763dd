// Package main — cmd/controllayer/main.go
//
// Control Layer entrypoint.
//
// Startup sequence:
//  1. Parse flags (--version only; there is no config file, see internal/config).
//  2. Load and validate config from the process environment.
//  3. Initialise structured logger (zap, JSON or console format).
//  4. Build the Prometheus metrics registry and its per-package sink adapters.
//  5. Construct Cache, Registry, Safety Gate, and the durable audit Ledger.
//  6. Connect the MQTT bus client and subscribe to sensor/safety topics.
//  7. Start the Fan-out Hub, reading the Registry's event stream.
//  8. Start the Advisory Orchestrator (if AI_ENABLED).
//  9. Start the HTTP API surface.
// 10. Block on SIGINT/SIGTERM for graceful shutdown; SIGHUP is ignored —
//     there is no hot-reload (spec §9).
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (stops the orchestrator and bus subscriptions).
//  2. Give the API server up to 30s to drain in-flight requests.
//  3. Stop the Fan-out Hub (closes every live WebSocket session).
//  4. Disconnect the bus client.
//  5. Close the audit ledger.
//  6. Flush the logger.
//  7. Exit 0.
//
// On config validation failure: exit 1. On bus connect failure (attempt
// budget exhausted): exit 2. On audit ledger open failure: exit 3.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/modax/controllayer/internal/advisory"
	"github.com/modax/controllayer/internal/api"
	"github.com/modax/controllayer/internal/audit"
	"github.com/modax/controllayer/internal/bus"
	"github.com/modax/controllayer/internal/cache"
	"github.com/modax/controllayer/internal/command"
	"github.com/modax/controllayer/internal/config"
	"github.com/modax/controllayer/internal/fanout"
	"github.com/modax/controllayer/internal/observability"
	"github.com/modax/controllayer/internal/registry"
	"github.com/modax/controllayer/internal/safety"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const (
	exitConfigInvalid  = 1
	exitBusUnreachable = 2
	exitFatal          = 3

	shutdownDeadline = 30 * time.Second
)

func main() {
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("controllayer %s (commit=%s built=%s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config invalid: %v\n", err)
		os.Exit(exitConfigInvalid)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.UseJSONLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("control layer starting",
		zap.String("version", Version), zap.String("commit", GitCommit), zap.String("built", BuildTime))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	ledger, err := audit.Open(cfg.Audit.LedgerPath, cfg.Audit.RetentionDays, os.Stdout)
	if err != nil {
		log.Error("audit ledger open failed", zap.Error(err), zap.String("path", cfg.Audit.LedgerPath))
		os.Exit(exitFatal)
	}
	defer ledger.Close() //nolint:errcheck
	log.Info("audit ledger opened", zap.String("path", cfg.Audit.LedgerPath))

	if pruned, err := ledger.PruneOld(); err != nil {
		log.Warn("audit ledger pruning failed", zap.Error(err))
	} else {
		log.Info("audit ledger pruned", zap.Int("deleted", pruned))
	}

	// One shared Cache instance: the API surface and the Advisory
	// Orchestrator both read/write it under distinct key prefixes
	// ("status", "devices", "advisory:{id}") so a cached advisory result
	// the orchestrator just wrote is immediately visible to GET
	// /api/v1/devices/{id}/ai-analysis.
	sharedCache := cache.New("api", observability.CacheSink{M: metrics})

	reg := registry.New(registry.Config{
		AggregationWindow: cfg.Registry.AggregationWindow,
		MaxDataPoints:     cfg.Registry.MaxDataPoints,
		DeviceOnlineTTL:   cfg.Registry.DeviceOnlineTTL,
	}, observability.RegistrySink{M: metrics}, ledger, log)

	gate := safety.New(reg)

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		log.Error("MQTT TLS config invalid", zap.Error(err))
		os.Exit(exitConfigInvalid)
	}

	transport := bus.NewMQTTTransport(bus.MQTTConfig{
		BrokerHost: cfg.Bus.BrokerHost,
		BrokerPort: cfg.Bus.BrokerPort,
		ClientID:   "controllayer",
		Username:   cfg.Bus.Username,
		Password:   cfg.Bus.Password,
		TLSConfig:  tlsConfig,
	}, log, observability.BusSink{M: metrics})

	if err := transport.Connect(ctx); err != nil {
		log.Error("bus connect failed, exhausted attempt budget", zap.Error(err))
		os.Exit(exitBusUnreachable)
	}
	log.Info("bus connected", zap.String("broker", fmt.Sprintf("%s:%d", cfg.Bus.BrokerHost, cfg.Bus.BrokerPort)))
	defer transport.Disconnect()

	subscribeSensorTopics(transport, reg, log)

	dispatcher := command.New(reg, gate, transport, ledger, observability.CommandSink{M: metrics})

	hub := fanout.New(log, ledger, observability.FanoutSink{M: metrics})
	go hub.Run(reg.Events())
	defer hub.Stop()

	if cfg.Advisory.Enabled {
		client := advisory.NewClient(cfg.Advisory.LayerURL, cfg.Advisory.Timeout)
		orchestrator := advisory.New(advisory.Config{
			Interval: cfg.Registry.AIAnalysisInterval,
			Timeout:  cfg.Advisory.Timeout,
		}, reg, sharedCache, client, observability.AdvisorySink{M: metrics}, log)
		go orchestrator.Run(ctx)
		log.Info("advisory orchestrator started", zap.String("url", cfg.Advisory.LayerURL))
	} else {
		log.Info("advisory orchestrator disabled (AI_ENABLED=false)")
	}

	server, err := api.New(api.Deps{
		Config:   cfg,
		Registry: reg,
		Cache:    sharedCache,
		Gate:     gate,
		Dispatch: dispatcher,
		Hub:      hub,
		Bus:      transport,
		Metrics:  metrics,
		Auditor:  ledger,
		Logger:   log,
	})
	if err != nil {
		log.Error("API server construction failed", zap.Error(err))
		os.Exit(exitFatal)
	}

	apiErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			apiErrCh <- err
		}
		close(apiErrCh)
	}()
	log.Info("API surface started", zap.String("addr", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)))

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — ignored, no hot-reload (spec §9)")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-apiErrCh:
		if err != nil {
			log.Error("API server exited unexpectedly", zap.Error(err))
		}
	}

	cancel()

	shutdownTimer := time.NewTimer(shutdownDeadline)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-apiErrCh:
		log.Info("API server stopped")
	}

	log.Info("control layer shutdown complete")
}

// subscribeSensorTopics wires the bus client's sensor data and safety
// subscriptions into the Registry (spec §4.2's topic catalog, §4.3's
// ingestion path). Decode errors are logged, not counted, and never fatal —
// a malformed message from one device must not interrupt the stream.
func subscribeSensorTopics(transport *bus.MQTTTransport, reg *registry.Registry, log *zap.Logger) {
	if err := transport.Subscribe(bus.TopicSensorData, bus.QoSSensorData, func(_ string, payload []byte) {
		sample, err := bus.DecodeSensorSample(payload)
		if err != nil {
			log.Warn("sensor sample decode failed", zap.Error(err))
			return
		}
		if err := reg.InsertSample(sample); err != nil {
			log.Debug("sensor sample rejected", zap.String("device_id", sample.DeviceID), zap.Error(err))
		}
	}); err != nil {
		log.Error("subscribe sensor data failed", zap.Error(err))
	}

	if err := transport.Subscribe(bus.TopicSensorSafety, bus.QoSSensorSafety, func(_ string, payload []byte) {
		status, err := bus.DecodeSafetyStatus(payload)
		if err != nil {
			log.Warn("safety status decode failed", zap.Error(err))
			return
		}
		if err := reg.InsertSafety(status); err != nil {
			log.Debug("safety status rejected", zap.String("device_id", status.DeviceID), zap.Error(err))
		}
	}); err != nil {
		log.Error("subscribe sensor safety failed", zap.Error(err))
	}
}

// buildTLSConfig builds the MQTT broker's client-side TLS config from
// cfg.Bus, or nil when MQTT_USE_TLS is unset. MQTT_TLS_INSECURE only takes
// effect when the operator has also set CONTROLLAYER_DEV_INSECURE_TLS
// (enforced by config.Validate); this is the one place that flag is read.
func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if !cfg.Bus.UseTLS {
		return nil, nil
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.Bus.TLSInsecure && cfg.DevInsecureTLS}

	if cfg.Bus.CACerts != "" {
		pem, err := os.ReadFile(cfg.Bus.CACerts)
		if err != nil {
			return nil, fmt.Errorf("read MQTT_CA_CERTS: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("MQTT_CA_CERTS %q contains no usable certificates", cfg.Bus.CACerts)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.Bus.CertFile != "" && cfg.Bus.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Bus.CertFile, cfg.Bus.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load MQTT client cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// buildLogger constructs a zap.Logger at the given level, JSON or console
// encoded.
func buildLogger(level string, useJSON bool) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if useJSON {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zcfg.Build()
}
