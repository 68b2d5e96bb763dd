package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gocors "github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/modax/controllayer/internal/cache"
	"github.com/modax/controllayer/internal/command"
	"github.com/modax/controllayer/internal/config"
	"github.com/modax/controllayer/internal/fanout"
	"github.com/modax/controllayer/internal/observability"
	"github.com/modax/controllayer/internal/ratelimit"
	"github.com/modax/controllayer/internal/registry"
	"github.com/modax/controllayer/internal/safety"
)

const (
	maxHistoryLimit = 1000
	maxExportHours  = 168
	defaultHistory  = 100
)

// Deps bundles everything the API Surface reads or drives; all fields are
// shared, already-constructed singletons (spec §9 "Global mutable state").
type Deps struct {
	Config   *config.Config
	Registry *registry.Registry
	Cache    *cache.Cache // keyed "status", "devices", "device:{id}", "advisory:{id}"
	Gate     *safety.Gate
	Dispatch *command.Dispatcher
	Hub      *fanout.Hub
	Bus      ReadinessSource
	Metrics  *observability.Metrics
	Auditor  Auditor
	Logger   *zap.Logger
}

// ReadinessSource reports the bus client's connection history for /ready.
type ReadinessSource interface {
	LastConnectedAt() (t int64, ok bool)
}

// Server is the Control Layer's HTTP API surface.
type Server struct {
	deps   Deps
	router chi.Router
	auth   *authenticator

	defaultLimiter *ratelimit.Limiter
	writeLimiter   *ratelimit.Limiter
	lowLimiter     *ratelimit.Limiter

	httpServer *http.Server

	configValidatedAt time.Time
	maxReadyGap       time.Duration
}

// New builds the router and wraps it in an *http.Server bound to
// cfg.API.Host:Port.
func New(deps Deps) (*Server, error) {
	cap, window, err := ratelimit.ParseRate(deps.Config.RateLimit.Default)
	if err != nil {
		return nil, err
	}

	s := &Server{
		deps:              deps,
		auth:              newAuthenticator(deps.Config.Auth, deps.Auditor),
		defaultLimiter:    ratelimit.New(cap, window),
		writeLimiter:      ratelimit.New(max(1, cap/5), window),
		lowLimiter:        ratelimit.New(max(1, cap/10), window),
		configValidatedAt: time.Now(),
		maxReadyGap:       2 * 60 * time.Second, // 2·max_delay (max_delay=60s, spec §4.2/§4.8)
	}

	r := chi.NewRouter()
	r.Use(requestID, accessLog(deps.Logger, observability.APISink{M: deps.Metrics}), s.cors())
	s.routes(r)
	s.router = r

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Config.API.Host, deps.Config.API.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) cors() func(http.Handler) http.Handler {
	origins := s.deps.Config.CORS.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return gocors.Handler(gocors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   s.deps.Config.CORS.AllowMethods,
		AllowedHeaders:   s.deps.Config.CORS.AllowHeaders,
		AllowCredentials: s.deps.Config.CORS.AllowCredentials,
		MaxAge:           300,
	})
}

func (s *Server) routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/metrics", s.deps.Metrics.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		read := requireAuth(s.auth, permRead)
		control := requireAuth(s.auth, permControl)

		r.With(read, rateLimit(s.defaultLimiter)).Get("/status", s.handleStatus)
		r.With(read, rateLimit(s.defaultLimiter)).Get("/devices", s.handleDevices)
		r.With(read, rateLimit(s.defaultLimiter)).Get("/devices/{id}", s.handleDeviceDetail)
		r.With(read, rateLimit(s.defaultLimiter)).Get("/devices/{id}/data", s.handleDeviceData)
		r.With(read, rateLimit(s.defaultLimiter)).Get("/devices/{id}/history", s.handleDeviceHistory)
		r.With(read, rateLimit(s.defaultLimiter)).Get("/devices/{id}/safety", s.handleDeviceSafety)
		r.With(read, rateLimit(s.defaultLimiter)).Get("/devices/{id}/ai-analysis", s.handleDeviceAIAnalysis)
		r.With(read, rateLimit(s.defaultLimiter)).Get("/cache/stats", s.handleCacheStats)
		r.With(read, rateLimit(s.lowLimiter)).Get("/export/{id}/{format}", s.handleExport)

		r.With(control, rateLimit(s.writeLimiter)).Post("/control/command", s.handleControlCommand)
		r.With(control, rateLimit(s.writeLimiter)).Post("/cnc/emergency-stop", s.handleEmergencyStop)
	})

	r.With(requireAuth(s.auth, permRead)).Get("/ws", s.deps.Hub.ServeGlobal)
	r.With(requireAuth(s.auth, permRead)).Get("/ws/device/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.deps.Hub.ServeDevice(chi.URLParam(r, "id")).ServeHTTP(w, r)
	})
}

// Handler returns the Server's routed http.Handler, for tests that want to
// drive requests (including WebSocket upgrades) without a live ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then performs a bounded graceful
// shutdown (spec §4.1: "hard deadline ≤ 30 s").
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	lastConnected, ok := s.deps.Bus.LastConnectedAt()
	ready := ok && time.Since(time.Unix(lastConnected, 0)) <= s.maxReadyGap
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}
