package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"remedy-engine/internal/config"
	"remedy-engine/internal/telemetry"
)

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps, metrics *telemetry.Metrics) *Server {
	s := &Server{
		handlers:  NewHandlers(deps),
		cfg:       cfg,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.routes(metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes(metrics *telemetry.Metrics) http.Handler {
	cfg := s.cfg
	h := s.handlers

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	exclusive := ExclusiveMiddleware()

	// Admin API, wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /memory", h.HandleMemory)
	apiMux.HandleFunc("GET /memory/snapshot", h.HandleSnapshot)
	apiMux.HandleFunc("POST /memory/snapshot", h.HandleMergeSnapshot)
	apiMux.HandleFunc("GET /patterns", h.HandlePatterns)
	apiMux.HandleFunc("GET /audit", h.HandleAudit)
	apiMux.HandleFunc("GET /monitors", h.HandleMonitors)
	apiMux.HandleFunc("POST /monitors/{name}/run", h.HandleRunMonitor)
	apiMux.HandleFunc("PUT /monitors/{name}/interval", h.HandleSetInterval)
	apiMux.Handle("POST /probe", exclusive(http.HandlerFunc(h.HandleProbe)))
	apiMux.Handle("POST /deploy", exclusive(http.HandlerFunc(h.HandleDeploy)))

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	d := s.handlers.deps
	dbOK := d.DB == nil || d.DB.Healthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Database: dbOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if d.Guardian != nil {
		resp.Guardian = d.Guardian.Running()
		resp.Monitors = len(d.Guardian.Statuses())
	}
	if d.Memory != nil {
		resp.MemoryEntries = d.Memory.Stats().Entries
	}
	if d.Library != nil {
		resp.Patterns = d.Library.Len()
	}

	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
