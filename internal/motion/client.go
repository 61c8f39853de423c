// Package motion provides the HTTP client for a remote flight controller
package motion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-tdoa/internal/geom"
)

// Config holds flight controller client configuration
type Config struct {
	BaseURL     string        // Base URL of the controller API (e.g., "http://localhost:8080")
	Timeout     time.Duration // HTTP request timeout
	RateLimitHz int           // Max move commands per second per platform (0 = unlimited)
	Velocity    float64       // Cruise velocity sent with every move (m/s)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:8080",
		Timeout:     2 * time.Second,
		RateLimitHz: 2,
		Velocity:    5,
	}
}

// MoveRequest is the body of a position move
type MoveRequest struct {
	Platform string  `json:"platform"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Velocity float64 `json:"velocity"`
}

// Client sends move commands to the flight controller
type Client struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	// Rate limiting
	mu          sync.Mutex
	lastMoveAt  map[string]time.Time
	minInterval time.Duration

	// Stats
	commandsSent    atomic.Uint64
	commandErrors   atomic.Uint64
	commandsSkipped atomic.Uint64
	lastFailed      atomic.Bool
}

// NewClient creates a new flight controller client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	var minInterval time.Duration
	if cfg.RateLimitHz > 0 {
		minInterval = time.Second / time.Duration(cfg.RateLimitHz)
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		lastMoveAt:  make(map[string]time.Time),
		minInterval: minInterval,
	}
}

// MoveTo implements locator.MotionSink. Commands faster than the rate limit
// are dropped without error.
func (c *Client) MoveTo(ctx context.Context, platform string, target geom.Point3) error {
	if c.minInterval > 0 {
		c.mu.Lock()
		if time.Since(c.lastMoveAt[platform]) < c.minInterval {
			c.mu.Unlock()
			c.commandsSkipped.Add(1)
			return nil
		}
		c.lastMoveAt[platform] = time.Now()
		c.mu.Unlock()
	}

	data, err := json.Marshal(MoveRequest{
		Platform: platform,
		X:        target.X,
		Y:        target.Y,
		Z:        target.Z,
		Velocity: c.cfg.Velocity,
	})
	if err != nil {
		return fmt.Errorf("marshal move: %w", err)
	}

	url := c.cfg.BaseURL + "/api/move/position"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.fail()
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		c.fail()
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	c.commandsSent.Add(1)
	c.lastFailed.Store(false)
	c.logger.Debug("move sent", "platform", platform, "target", target.String())
	return nil
}

func (c *Client) fail() {
	c.commandErrors.Add(1)
	c.lastFailed.Store(true)
}

// GetStatus fetches the controller status
func (c *Client) GetStatus(ctx context.Context) (map[string]any, error) {
	url := c.cfg.BaseURL + "/api/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return status, nil
}

// Stats contains client statistics
type Stats struct {
	CommandsSent    uint64 `json:"commands_sent"`
	CommandErrors   uint64 `json:"command_errors"`
	CommandsSkipped uint64 `json:"commands_skipped"`
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	return Stats{
		CommandsSent:    c.commandsSent.Load(),
		CommandErrors:   c.commandErrors.Load(),
		CommandsSkipped: c.commandsSkipped.Load(),
	}
}

// Healthy reports whether the last move command succeeded
func (c *Client) Healthy() bool {
	return !c.lastFailed.Load()
}

// IsHealthy checks if the controller is reachable
func (c *Client) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	_, err := c.GetStatus(ctx)
	return err == nil
}
