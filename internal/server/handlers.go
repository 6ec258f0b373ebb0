package server

import (
	"net/http"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// RosterSource lists the online usernames.
type RosterSource interface {
	Usernames() []string
}

// Handlers holds the HTTP handlers and what they need.
type Handlers struct {
	hub       *Hub
	roster    RosterSource
	upgrader  websocket.Upgrader
	websocket config.WebSocketConfig
	rateLimit config.RateLimitConfig
	logger    zerolog.Logger
}

func NewHandlers(hub *Hub, roster RosterSource, cfg *config.Config, logger zerolog.Logger) *Handlers {
	origins := newOriginPolicy(cfg.Server.AllowedOrigins, logger)
	return &Handlers{
		hub:    hub,
		roster: roster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		websocket: cfg.WebSocket,
		rateLimit: cfg.RateLimit,
		logger:    logger,
	}
}

// WebSocket upgrades the request and registers the new client with the hub,
// which starts its pumps.
func (h *Handlers) WebSocket(c *gin.Context) {
	logger := logging.Ctx(c.Request.Context())

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response.
		logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, h.hub, c.ClientIP(), h.websocket, h.rateLimit, logger)
	if !h.hub.Register(client) {
		_ = conn.Close()
	}
}

// Health reports that the server is up.
func (h *Handlers) Health(c *gin.Context) {
	c.String(http.StatusOK, "Chat relay is running!")
}

// Roster returns the online usernames in join order.
func (h *Handlers) Roster(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"usernames": h.roster.Usernames()})
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

func methodNotAllowed(c *gin.Context) {
	c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
}
