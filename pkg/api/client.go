// Package api is a Go client for the go-tdoa HTTP and WebSocket API
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNoFix is returned by Latest before the daemon has solved any event.
var ErrNoFix = errors.New("no fix yet")

// Point is a position in metres.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// SolveRequest is a stateless solve. Zero Speed uses the daemon's
// configured speed of sound.
type SolveRequest struct {
	Positions    []Point   `json:"positions"`
	ArrivalTimes []float64 `json:"arrival_times"`
	Speed        float64   `json:"speed,omitempty"`
}

// Solution is the result of a stateless solve.
type Solution struct {
	Position  Point   `json:"position"`
	Reference int     `json:"reference"`
	Range     float64 `json:"range"`
	Method    string  `json:"method"`
	Residual  float64 `json:"residual"`
}

// Event is a measured event submitted for the locator. Arrival times are
// ordered by platform, then by sensor; no platforms means the whole fleet.
type Event struct {
	ID           string    `json:"id,omitempty"`
	Platforms    []string  `json:"platforms,omitempty"`
	ArrivalTimes []float64 `json:"arrival_times"`
}

// Fix is a solved source position.
type Fix struct {
	ID          string    `json:"id"`
	EventID     string    `json:"event_id"`
	Position    Point     `json:"position"`
	Reference   int       `json:"reference"`
	Range       float64   `json:"range"`
	Method      string    `json:"method"`
	Residual    float64   `json:"residual"`
	ErrorMeters *float64  `json:"error_m,omitempty"`
	SolvedAt    time.Time `json:"solved_at"`
	LatencyMs   float64   `json:"latency_ms"`
}

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("go-tdoa: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to one go-tdoa daemon
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL (e.g. "http://localhost:9100").
// A nil httpClient uses a client with a 5 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Solve runs a stateless solve
func (c *Client) Solve(ctx context.Context, req SolveRequest) (Solution, error) {
	var sol Solution
	err := c.do(ctx, http.MethodPost, "/api/solve", req, &sol)
	return sol, err
}

// SubmitEvent queues an event and returns its ID
func (c *Client) SubmitEvent(ctx context.Context, ev Event) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/events", ev, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Latest returns the most recent fix, or ErrNoFix
func (c *Client) Latest(ctx context.Context) (Fix, error) {
	var fix Fix
	err := c.do(ctx, http.MethodGet, "/api/fixes/latest", nil, &fix)

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return Fix{}, ErrNoFix
	}
	return fix, err
}

// Fixes returns up to limit recent fixes, newest first
func (c *Client) Fixes(ctx context.Context, limit int) ([]Fix, error) {
	var resp struct {
		Fixes []Fix `json:"fixes"`
	}
	path := "/api/fixes?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Fixes, nil
}

// Stream delivers fixes from the daemon's fix stream until ctx is done or
// the connection drops; the returned channel is then closed.
func (c *Client) Stream(ctx context.Context) (<-chan Fix, error) {
	u, err := url.Parse(c.baseURL + "/api/fixes/stream")
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	out := make(chan Fix, 16)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(out)
		defer conn.Close()

		for {
			var msg struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != "fix" {
				continue
			}

			var fix Fix
			if err := json.Unmarshal(msg.Data, &fix); err != nil {
				continue
			}
			select {
			case out <- fix:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
