// Package uplink keeps a WebSocket connection to a collector that receives
// fixes and may send measured events back for solving.
package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-tdoa/internal/locator"
	"github.com/teslashibe/go-tdoa/internal/protocol"
)

// SourceName labels events received over the uplink.
const SourceName = "uplink"

// Config holds uplink configuration
type Config struct {
	URL              string        // WebSocket URL (e.g., "ws://collector.example.com/ws/station")
	Station          string        // Sent as X-Station on the handshake
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Ping interval for keepalive
	WriteTimeout     time.Duration // Write timeout
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8090/ws/station",
		Station:          "go-tdoa",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     15 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Client manages the collector connection
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}

	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex

	onEvent func(locator.Event)

	// Stats
	fixesSent        atomic.Uint64
	fixesDropped     atomic.Uint64
	messagesReceived atomic.Uint64
	eventsReceived   atomic.Uint64
	reconnects       atomic.Uint64
}

// NewClient creates a new uplink client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// OnEvent sets the callback for events sent by the collector
func (c *Client) OnEvent(callback func(locator.Event)) {
	c.mu.Lock()
	c.onEvent = callback
	c.mu.Unlock()
}

// Connect starts the connection loop in the background
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("uplink url not configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.connectionLoop(ctx)
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (c *Client) connectionLoop(ctx context.Context) {
	defer close(c.done)

	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("uplink connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			// Exponential backoff
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		backoff = c.cfg.ReconnectBackoff

		c.readLoop(ctx)
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("connecting to collector", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	if c.cfg.Station != "" {
		header.Set("X-Station", c.cfg.Station)
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to collector")

	go c.pingLoop(ctx, conn)

	return nil
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()

			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("uplink read error", "error", err)
			}
			c.closeConnection()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeEvent:
		ev, err := msg.GetEvent()
		if err != nil {
			c.logger.Warn("invalid event from collector", "error", err)
			c.SendMessage(protocol.NewErrorMessage(err))
			return
		}
		if ev.Source == "" {
			ev.Source = SourceName
		}
		c.eventsReceived.Add(1)

		c.mu.Lock()
		cb := c.onEvent
		c.mu.Unlock()
		if cb != nil {
			cb(*ev)
		}

	case protocol.TypePing:
		pong := &protocol.Message{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()}
		c.SendMessage(pong)
	}
}

// SendMessage sends a message to the collector
func (c *Client) SendMessage(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warn("send error", "error", err)
		c.closeConnection()
		return fmt.Errorf("write: %w", err)
	}

	return nil
}

// SendFix publishes one fix
func (c *Client) SendFix(fix locator.Fix) error {
	msg, err := protocol.NewFixMessage(fix)
	if err != nil {
		return err
	}
	if err := c.SendMessage(msg); err != nil {
		c.fixesDropped.Add(1)
		return err
	}
	c.fixesSent.Add(1)
	return nil
}

// Publish sends every fix from ch until ctx is done or ch is closed. Fixes
// produced while disconnected are dropped.
func (c *Client) Publish(ctx context.Context, ch <-chan locator.Fix) {
	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-ch:
			if !ok {
				return
			}
			if err := c.SendFix(fix); err != nil {
				c.logger.Debug("fix not published", "fix_id", fix.ID, "error", err)
			}
		}
	}
}

func (c *Client) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts down the client
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConnection()
	if cancel != nil {
		<-c.done
	}
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats contains uplink statistics
type Stats struct {
	Connected        bool   `json:"connected"`
	FixesSent        uint64 `json:"fixes_sent"`
	FixesDropped     uint64 `json:"fixes_dropped"`
	MessagesReceived uint64 `json:"messages_received"`
	EventsReceived   uint64 `json:"events_received"`
	Reconnects       uint64 `json:"reconnects"`
}

// GetStats returns uplink statistics
func (c *Client) GetStats() Stats {
	return Stats{
		Connected:        c.IsConnected(),
		FixesSent:        c.fixesSent.Load(),
		FixesDropped:     c.fixesDropped.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		EventsReceived:   c.eventsReceived.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}
