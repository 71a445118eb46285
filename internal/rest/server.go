package rest

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/kv"
	"github.com/KilimcininKorOglu/kervan/internal/logging"
	"github.com/KilimcininKorOglu/kervan/internal/raft"
)

// ServerConfig holds the API server configuration.
type ServerConfig struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RateLimit      int
	CORSOrigins    []string
	ProposeTimeout time.Duration
}

// DefaultServerConfig returns the default API configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:        ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		RateLimit:      0,
		CORSOrigins:    []string{"*"},
		ProposeTimeout: 5 * time.Second,
	}
}

// Server is the HTTP API server.
type Server struct {
	config   *ServerConfig
	logger   logging.Logger
	handlers *Handlers
	router   *Router
	handler  http.Handler
	server   *http.Server
	listener net.Listener
}

// NewServer creates an API server bound to the given node and store.
func NewServer(cfg *ServerConfig, node *raft.Node, store *kv.Store, logger logging.Logger) *Server {
	s := &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(node, store, cfg.ProposeTimeout),
		router:   NewRouter(),
	}
	s.setupRoutes()
	s.handler = s.compose()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/v1/health", s.handlers.HandleHealth)
	s.router.GET("/api/v1/status", s.handlers.HandleStatus)

	s.router.GET("/api/v1/kv/{key}", s.handlers.HandleGetKey)
	s.router.PUT("/api/v1/kv/{key}", s.handlers.HandlePutKey)
	s.router.DELETE("/api/v1/kv/{key}", s.handlers.HandleDeleteKey)

	s.router.PUT("/api/v1/cluster/voters", s.handlers.HandleChangeVoters)
	s.router.POST("/api/v1/cluster/learners", s.handlers.HandleAddLearner)
	s.router.POST("/api/v1/cluster/learners/{id}/promote", s.handlers.HandlePromoteLearner)
	s.router.DELETE("/api/v1/cluster/learners/{id}", s.handlers.HandleRemoveLearner)
}

// compose wraps the router in the middleware chain. The middleware sits
// outside the router so that 404s and CORS preflights pass through it.
func (s *Server) compose() http.Handler {
	var handler http.Handler = s.router
	if s.config.RateLimit > 0 {
		handler = RateLimitMiddleware(s.config.RateLimit)(handler)
	}
	if len(s.config.CORSOrigins) > 0 {
		handler = CORSMiddleware(s.config.CORSOrigins)(handler)
	}
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RecoveryMiddleware(s.logger)(handler)
	return handler
}

// Handler returns the composed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("api server listening", "address", listener.Addr().String())
	go s.server.Serve(listener)
	return nil
}

// Addr returns the bound listen address, or the configured one before
// Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// Stop shuts the server down, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.logger.Info("api server stopped")
	return err
}
