// Package api provides the HTTP surface of the storyboard pipeline.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/kino-pipeline/internal/auth"
	"github.com/amillerrr/kino-pipeline/internal/config"
	"github.com/amillerrr/kino-pipeline/internal/health"
	"github.com/amillerrr/kino-pipeline/internal/storage"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 0 // uploads and event streams are long-lived
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	cfg         *config.Config
	log         *slog.Logger
	rateLimiter *auth.RateLimiter
}

// ServerConfig holds dependencies for the server. Media is optional.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Store         ProjectStore
	Pipeline      Pipeline
	Posters       PosterWall
	Layout        *storage.Layout
	Media         MediaSigner
	JWTService    *auth.JWTService
	RateLimiter   *auth.RateLimiter
	HealthChecker *health.Checker
	// EventInterval is how often event streams poll the store.
	EventInterval time.Duration
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Store == nil || cfg.Pipeline == nil || cfg.Layout == nil || cfg.JWTService == nil {
		return nil, errors.New("api: store, pipeline, layout and jwt service are required")
	}

	h := NewHandlers(&HandlersConfig{
		Config:         cfg.Config,
		Logger:         cfg.Logger,
		Store:          cfg.Store,
		Pipeline:       cfg.Pipeline,
		Posters:        cfg.Posters,
		Layout:         cfg.Layout,
		Media:          cfg.Media,
		JWTService:     cfg.JWTService,
		RateLimiter:    cfg.RateLimiter,
		AllowedOrigins: cfg.Config.CORS.AllowedOrigins,
		EventInterval:  cfg.EventInterval,
	})

	mux := http.NewServeMux()

	// Public endpoints
	if cfg.HealthChecker != nil {
		mux.HandleFunc("GET /health", cfg.HealthChecker.Handler())
		mux.HandleFunc("GET /health/deep", cfg.HealthChecker.DeepHandler())
	}
	mux.HandleFunc("POST /auth/login", h.LoginHandler)
	mux.HandleFunc("GET /media/{id}/{path...}", h.MediaHandler)

	// Protected endpoints
	authMiddleware := cfg.JWTService.Middleware(cfg.RateLimiter)
	mux.HandleFunc("GET /projects", authMiddleware(h.ListProjectsHandler))
	mux.HandleFunc("POST /projects", authMiddleware(h.CreateProjectHandler))
	mux.HandleFunc("GET /projects/{id}", authMiddleware(h.GetProjectHandler))
	mux.HandleFunc("DELETE /projects/{id}", authMiddleware(h.DeleteProjectHandler))
	mux.HandleFunc("POST /projects/{id}/upload", authMiddleware(h.UploadHandler))
	mux.HandleFunc("POST /projects/{id}/retry", authMiddleware(h.RetryHandler))
	mux.HandleFunc("GET /projects/{id}/events", authMiddleware(h.EventsHandler))
	mux.HandleFunc("GET /projects/{id}/posters", authMiddleware(h.ListPostersHandler))
	mux.HandleFunc("POST /projects/{id}/posters/generate", authMiddleware(h.GeneratePostersHandler))
	mux.HandleFunc("DELETE /projects/{id}/posters/{poster_id}", authMiddleware(h.DeletePosterHandler))

	// Metrics endpoint (internal only)
	mux.Handle("GET /metrics", internalOnlyMiddleware(promhttp.Handler()))

	handler := CORSMiddleware(cfg.Config.CORS.AllowedOrigins)(
		RequestIDMiddleware(
			MetricsMiddleware(cfg.Logger)(mux),
		),
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.API.Port,
		Handler:           handler,
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer:  httpServer,
		handler:     handler,
		cfg:         cfg.Config,
		log:         cfg.Logger,
		rateLimiter: cfg.RateLimiter,
	}, nil
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

// Private networks for internal-only middleware
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Requests through the load balancer carry X-Forwarded-For.
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// isInternalRequest checks if the request is from an internal network.
func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
