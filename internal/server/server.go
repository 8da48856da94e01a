// Package server hosts the backend: the provisioning API under /api and a
// sync endpoint under /sync that devices pull from, push to and subscribe
// to for change notifications.
//
// A single process can serve both. The sync server URL registered for a
// deployment is the /sync prefix, e.g. https://sync.example.com/sync.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/graphnote/graphnote/internal/logging"
	"github.com/graphnote/graphnote/internal/provision"
	"github.com/graphnote/graphnote/internal/serverdb"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8080")
	Addr string

	// AllowedOrigins for CORS and websocket origin checks (default: "*")
	AllowedOrigins []string

	RateLimit RateLimit

	// PingInterval between keepalive events on subscriptions (default: 30s)
	PingInterval time.Duration

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:           ":8080",
		AllowedOrigins: []string{"*"},
		RateLimit:      RateLimit{RPS: 20, Burst: 40},
		PingInterval:   30 * time.Second,
	}
}

// Server serves the provisioning API and the sync endpoint.
type Server struct {
	cfg    Config
	db     *serverdb.DB
	svc    *provision.Service
	hub    *hub
	router chi.Router

	listener net.Listener
	http     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a server and starts its background loops. Call Stop to
// release them even if Start is never called.
func New(db *serverdb.DB, svc *provision.Service, config *Config) (*Server, error) {
	if db == nil || svc == nil {
		return nil, fmt.Errorf("database and provisioning service are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		db:     db,
		svc:    svc,
		hub:    newHub(cfg.PingInterval, cfg.Logger),
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger,
	}

	var limiter *limiterStore
	if cfg.RateLimit.RPS > 0 {
		limiter = newLimiterStore(cfg.RateLimit, 10*time.Minute)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			limiter.janitor(ctx)
		}()
	}
	s.router = s.routes(limiter)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.run(ctx)
	}()

	return s, nil
}

func (s *Server) routes(limiter *limiterStore) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	if limiter != nil {
		r.Use(rateLimit(limiter))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/spaces", s.handleCreateSpace)
		r.Get("/users/{userID}/spaces", s.handleListSpaces)
		r.Get("/sync-servers", s.handleListServers)
		r.Post("/spaces/{spaceID}/sync-server", s.handleBindServer)
		r.Post("/spaces/{spaceID}/access-token", s.handleIssueToken)
	})

	r.Route("/sync", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Route("/spaces/{spaceID}", func(r chi.Router) {
			r.Use(s.requireAccess)
			r.Get("/nodes", s.handlePull)
			r.Post("/nodes", s.handlePush)
			r.Get("/events", s.handleEvents)
		})
	})

	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	// No write timeout: event subscriptions are long-lived.
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "err", err)
		}
	}()
	return nil
}

// Stop shuts the server down and closes all subscriptions.
func (s *Server) Stop() error {
	s.cancel()

	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("server stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Subscribers returns the number of open event subscriptions.
func (s *Server) Subscribers() int {
	return s.hub.Subscribers()
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"took", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
