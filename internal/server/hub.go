package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/rs/zerolog"
)

// EventHandler receives every inbound message and every disconnect.
// *chat.Router implements it.
type EventHandler interface {
	Dispatch(ctx context.Context, connID string, raw []byte) error
	Disconnect(ctx context.Context, connID string)
}

// Hub tracks live WebSocket clients by connection ID and delivers events to
// them. It implements chat.Channel.
type Hub struct {
	clients  map[string]*Client
	register chan *Client
	handler  EventHandler
	mutex    sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	logger   zerolog.Logger
}

var _ chat.Channel = (*Hub)(nil)

// NewHub creates a Hub. Call SetHandler before clients are registered and
// run the event loop with Run.
func NewHub(logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:  make(map[string]*Client),
		register: make(chan *Client),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "hub").Logger(),
	}
}

// SetHandler sets the receiver of inbound events.
func (h *Hub) SetHandler(handler EventHandler) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.handler = handler
}

func (h *Hub) eventHandler() EventHandler {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.handler
}

// Register hands a new client to the event loop, which starts its pumps.
// It returns false when the hub is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// ClientCount returns the number of live clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Run starts the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn().Msg("Received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client.id] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			client.logger.Info().Int("clients", clientCount).Msg("Client registered")

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()
		}
	}
}

// dispatch passes a message from client to the handler.
func (h *Hub) dispatch(client *Client, raw []byte) {
	handler := h.eventHandler()
	if handler == nil {
		return
	}
	ctx := logging.WithLogger(context.Background(), client.logger)
	_ = handler.Dispatch(ctx, client.id, raw)
}

// unregister removes client and reports its disconnect. It is called once,
// when the client's read pump exits.
func (h *Hub) unregister(client *Client) {
	h.mutex.Lock()
	if current, ok := h.clients[client.id]; ok && current == client {
		delete(h.clients, client.id)
		client.closed = true
		close(client.done)
		clientCount := len(h.clients)
		h.mutex.Unlock()
		client.closeSend()
		client.logger.Info().Int("clients", clientCount).Msg("Client unregistered")
	} else {
		h.mutex.Unlock()
	}

	if handler := h.eventHandler(); handler != nil {
		ctx := logging.WithLogger(context.Background(), client.logger)
		handler.Disconnect(ctx, client.id)
	}
}

// safeSend queues message for client without blocking. A client whose queue
// still holds targeted events is given up to WriteWait for room instead.
func (h *Hub) safeSend(client *Client, message []byte) bool {
	return h.send(client, message, false)
}

// sendWait queues message for client, waiting up to WriteWait for room.
func (h *Hub) sendWait(client *Client, message []byte) bool {
	return h.send(client, message, true)
}

func (h *Hub) send(client *Client, message []byte, wait bool) bool {
	h.mutex.RLock()
	current, exists := h.clients[client.id]
	live := exists && current == client && !client.closed
	h.mutex.RUnlock()
	if !live {
		return false
	}

	// sendMu keeps the channel open while we write to it; removal closes done
	// first so a waiting sender lets go.
	client.sendMu.Lock()
	defer client.sendMu.Unlock()

	select {
	case <-client.done:
		return false
	default:
	}

	select {
	case client.send <- message:
		if wait {
			client.backlog.Store(true)
		}
		return true
	default:
	}

	if !wait && !client.backlog.Load() {
		return false
	}
	client.backlog.Store(true)

	timer := time.NewTimer(client.ws.WriteWait)
	defer timer.Stop()
	select {
	case client.send <- message:
		return true
	case <-client.done:
		return false
	case <-h.ctx.Done():
		return false
	case <-timer.C:
		client.logger.Warn().Dur("write_wait", client.ws.WriteWait).Msg("Send queue did not drain in time")
		return false
	}
}

func (h *Hub) encode(ev chat.Event) ([]byte, bool) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str(logging.FieldEvent, ev.EventType()).Msg("Failed to encode event")
		return nil, false
	}
	return payload, true
}

func (h *Hub) lookup(connID string) (*Client, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	client, ok := h.clients[connID]
	return client, ok
}

// EmitTo sends ev to one connection. It waits for room in the connection's
// queue, so long sequences such as history replay arrive complete.
func (h *Hub) EmitTo(connID string, ev chat.Event) {
	client, ok := h.lookup(connID)
	if !ok {
		return
	}
	payload, ok := h.encode(ev)
	if !ok {
		return
	}
	if !h.sendWait(client, payload) {
		h.removeFailedClients([]*Client{client})
	}
}

// notify queues ev for client if there is room. A full queue just loses it.
func (h *Hub) notify(client *Client, ev chat.Event) {
	if payload, ok := h.encode(ev); ok {
		h.safeSend(client, payload)
	}
}

// BroadcastExcept sends ev to every connection but connID.
func (h *Hub) BroadcastExcept(connID string, ev chat.Event) {
	payload, ok := h.encode(ev)
	if !ok {
		return
	}

	clients := h.getClientSnapshot()
	var clientsToRemove []*Client
	for _, client := range clients {
		if client.id == connID {
			continue
		}
		if !h.safeSend(client, payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}
	h.removeFailedClients(clientsToRemove)
}

// BroadcastAll sends ev to every connection.
func (h *Hub) BroadcastAll(ev chat.Event) {
	h.BroadcastExcept("", ev)
}

// Close ends a connection after its queued events are written.
func (h *Hub) Close(connID string) {
	client, ok := h.lookup(connID)
	if !ok {
		return
	}
	h.removeClients([]*Client{client}, "Client closed by server")
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// removeFailedClients drops clients whose send queue stayed full.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	h.removeClients(clientsToRemove, "Client removed due to full send buffer")
}

// removeClients deletes the clients and closes their send channels, which
// makes their write pumps send a close frame. Their read pumps then exit and
// report the disconnect.
func (h *Hub) removeClients(clientsToRemove []*Client, reason string) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var removed []*Client
	for _, client := range clientsToRemove {
		if current, exists := h.clients[client.id]; exists && current == client {
			delete(h.clients, client.id)
			client.closed = true
			close(client.done)
			removed = append(removed, client)
		}
	}
	h.mutex.Unlock()

	// Close channels after releasing the lock
	for _, client := range removed {
		client.closeSend()
		client.logger.Info().Msg(reason)
	}
}

// shutdownClients closes every client connection.
func (h *Hub) shutdownClients() {
	h.logger.Info().Msg("Shutting down all client connections...")

	clients := h.getClientSnapshot()
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				client.logger.Warn().Err(err).Msg("Error closing client connection")
			}
		}
	}

	h.logger.Info().Int("clients", len(clients)).Msg("Closed client connections")
}

// Shutdown stops the event loop, closes every connection and waits up to
// timeout for the client goroutines to finish.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
