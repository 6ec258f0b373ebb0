package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/presence"
	"github.com/Tyrowin/chatrelay/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server wires the presence registry, chat router, hub and HTTP routes.
type Server struct {
	cfg        *config.Config
	hub        *Hub
	registry   *presence.Registry
	router     *chat.Router
	engine     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger
}

// New builds a Server around st. pub may be nil.
func New(cfg *config.Config, st store.Store, pub chat.Publisher, logger zerolog.Logger) *Server {
	hub := NewHub(logger)
	registry := presence.NewRegistry()
	router := chat.NewRouter(registry, st, hub, pub, chat.Options{
		MaxUsernameLength:   cfg.Chat.MaxUsernameLength,
		NotifyUndeliverable: cfg.Chat.NotifyUndeliverable,
	})
	hub.SetHandler(router)

	engine := SetupRoutes(NewHandlers(hub, router, cfg, logger), logger)

	return &Server{
		cfg:        cfg,
		hub:        hub,
		registry:   registry,
		router:     router,
		engine:     engine,
		httpServer: CreateServer(cfg.Server.Port, engine),
		logger:     logger,
	}
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Registry() *presence.Registry {
	return s.registry
}

// StartHub runs the hub's event loop in a separate goroutine.
// This should be called before the HTTP server accepts connections.
func (s *Server) StartHub() {
	go s.hub.Run()
	s.logger.Info().Msg("Hub started and ready to manage WebSocket connections")
}

// Start runs the hub and serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.StartHub()
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then closes every WebSocket client.
// The hub gets the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("HTTP server shutdown error")
		errs = append(errs, err)
	}
	if err := s.hub.Shutdown(s.cfg.Server.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
