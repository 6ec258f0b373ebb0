package server

import (
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// SetupRoutes builds the gin engine with every application route.
func SetupRoutes(h *Handlers, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(logging.GinMiddleware(logger))

	r.GET("/", h.Health)
	r.GET("/health", h.Health)
	r.GET("/ws", h.WebSocket)

	api := r.Group("/api")
	api.GET("/roster", h.Roster)

	r.NoRoute(notFound)
	r.NoMethod(methodNotAllowed)
	return r
}
