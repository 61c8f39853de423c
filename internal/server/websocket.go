package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-tdoa/internal/locator"
	"github.com/teslashibe/go-tdoa/internal/protocol"
)

// WSHub manages fix stream connections and broadcasts every new fix
type WSHub struct {
	locator *locator.Locator
	logger  *slog.Logger

	mu sync.RWMutex
	// each connection has its own write lock; broadcasts and command
	// replies may write concurrently
	clients map[*websocket.Conn]*sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(loc *locator.Locator, logger *slog.Logger) *WSHub {
	return &WSHub{
		locator: loc,
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
		done:    make(chan struct{}),
	}
}

// Run forwards locator fixes to all clients until ctx is done or the
// locator stops (blocking)
func (h *WSHub) Run(ctx context.Context) {
	h.runMu.Lock()
	ctx, h.cancel = context.WithCancel(ctx)
	h.runMu.Unlock()
	defer close(h.done)

	fixes := h.locator.Subscribe()
	defer h.locator.Unsubscribe(fixes)

	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return
		case fix, ok := <-fixes:
			if !ok {
				h.logger.Info("websocket hub stopped", "reason", "locator stopped")
				return
			}
			msg, err := protocol.NewFixMessage(fix)
			if err != nil {
				h.logger.Warn("websocket marshal error", "error", err)
				continue
			}
			h.broadcast(msg)
		}
	}
}

func (h *WSHub) broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, wmu := range h.clients {
		wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		wmu.Unlock()
		if err != nil {
			// Removed when its read loop ends
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the fix stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	wmu := &sync.Mutex{}

	h.mu.Lock()
	h.clients[c] = wmu
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			break
		}

		if reply := h.handleCommand(data); reply != nil {
			wmu.Lock()
			c.WriteJSON(reply)
			wmu.Unlock()
		}
	}
}

// handleCommand answers a client message, or returns nil when no reply is due
func (h *WSHub) handleCommand(data []byte) *protocol.Message {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return protocol.NewErrorMessage(err)
	}

	switch msg.Type {
	case protocol.TypePing:
		reply, _ := protocol.NewMessage(protocol.TypePong, nil)
		return reply
	case protocol.TypeGetStats:
		reply, err := protocol.NewMessage(protocol.TypeStats, h.locator.Stats())
		if err != nil {
			return protocol.NewErrorMessage(err)
		}
		return reply
	}
	return nil
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the hub and disconnects all clients
func (h *WSHub) Close() {
	h.runMu.Lock()
	cancel := h.cancel
	h.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-h.done
	}

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
}
