package server

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client is one WebSocket connection. Its ID is the connection ID the chat
// layer addresses it by.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	sendMu      sync.Mutex
	done        chan struct{}
	backlog     atomic.Bool // targeted events queued; cleared when send drains
	hub         *Hub
	addr        string
	closed      bool
	ws          config.WebSocketConfig
	rateLimiter *rateLimiter
	rateLimit   config.RateLimitConfig
	logger      zerolog.Logger
}

// NewClient creates a Client with a fresh connection ID.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, ws config.WebSocketConfig, rl config.RateLimitConfig, logger zerolog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(ws.MaxMessageSize)
	}
	id := uuid.NewString()

	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, ws.SendBuffer),
		done:        make(chan struct{}),
		hub:         hub,
		addr:        addr,
		ws:          ws,
		rateLimiter: newRateLimiter(rl),
		rateLimit:   rl,
		logger: logger.With().
			Str(logging.FieldConnID, id).
			Str(logging.FieldClientIP, addr).
			Logger(),
	}
}

// closeSend closes the send channel once no sender holds it. The hub closes
// done before calling it.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	close(c.send)
	c.sendMu.Unlock()
}

// ID returns the connection ID.
func (c *Client) ID() string {
	return c.id
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ws.PongWait)); err != nil {
		c.logger.Warn().Err(err).Msg("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.ws.PongWait)); err != nil {
			c.logger.Warn().Err(err).Msg("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read error at a level matching its cause.
// Every read error ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("max_bytes", c.ws.MaxMessageSize).Msg("Message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info().Err(err).Msg("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info().Err(err).Msg("Client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn().Err(err).Msg("Unexpected WebSocket close")
	default:
		c.logger.Warn().Err(err).Msg("WebSocket read error")
	}
}

// checkRateLimit reports whether the next message may be processed. A
// rejected sender is told when to retry.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter == nil {
		return true
	}
	ok, retryAfter := c.rateLimiter.take()
	if ok {
		return true
	}

	c.logger.Warn().
		Int("burst", c.rateLimit.Burst).
		Dur("refill_interval", c.rateLimit.RefillInterval).
		Dur("retry_after", retryAfter).
		Msg("Rate limit exceeded; discarding message")
	c.hub.notify(c, chat.NewError(chat.CodeRateLimited,
		fmt.Sprintf("too many messages; retry in %s", retryAfter.Round(time.Millisecond))))
	return false
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("Error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.hub.dispatch(c, rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.ws.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn().Err(err).Msg("Error closing connection in writePump")
	}
}

// handleMessage writes one event, or a close frame once the send channel is
// closed, and returns false if the connection should be closed.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ws.WriteWait)); err != nil {
		c.logger.Warn().Err(err).Msg("Error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	// One event per frame; clients decode each frame as a JSON object.
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("Error writing message")
		}
		return false
	}
	if len(c.send) == 0 {
		c.backlog.Store(false)
	}
	return true
}

func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn().Err(err).Msg("Error writing close message")
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ws.WriteWait)); err != nil {
		c.logger.Warn().Err(err).Msg("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn().Err(err).Msg("Error writing ping message")
		return false
	}
	return true
}
