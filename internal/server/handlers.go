package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-tdoa/internal/geom"
	"github.com/teslashibe/go-tdoa/internal/locator"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

const (
	defaultFixLimit = 20
	maxFixLimit     = 1000
)

// SolveRequest is the body of POST /api/solve. A zero Speed uses the
// configured speed of sound.
type SolveRequest struct {
	Positions    []geom.Point3 `json:"positions"`
	ArrivalTimes []float64     `json:"arrival_times"`
	Speed        float64       `json:"speed,omitempty"`
}

// EventRequest is the body of POST /api/events. Arrival times are ordered by
// platform, then by sensor within the platform; no platforms means all.
type EventRequest struct {
	ID           string    `json:"id,omitempty"`
	Platforms    []string  `json:"platforms,omitempty"`
	ArrivalTimes []float64 `json:"arrival_times"`
}

// PlatformView is a platform with its current world geometry.
type PlatformView struct {
	Name    string        `json:"name"`
	Origin  geom.Point3   `json:"origin"`
	Sensors []geom.Point3 `json:"sensors"`
}

func errorJSON(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// solveStatus maps solver errors to HTTP status codes.
func solveStatus(err error) int {
	switch {
	case errors.Is(err, tdoa.ErrDegenerateGeometry):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, tdoa.ErrInputLengthMismatch),
		errors.Is(err, tdoa.ErrInsufficientSensors),
		errors.Is(err, tdoa.ErrInvalidSpeed),
		errors.Is(err, tdoa.ErrInvalidInput):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) solver() tdoa.Solver {
	return tdoa.Solver{
		Speed:        s.cfg.Solver.SpeedOfSound,
		MaxCondition: s.cfg.Solver.MaxCondition,
	}
}

// solveHandler runs a stateless solve on caller-supplied geometry
func (s *Server) solveHandler(c *fiber.Ctx) error {
	var req SolveRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
	}

	solver := s.solver()
	if req.Speed != 0 {
		solver.Speed = req.Speed
	}

	start := time.Now()
	sol, err := solver.SolveDetailed(req.Positions, req.ArrivalTimes)
	s.deps.Metrics.SolveFinished(err, time.Since(start))
	if err != nil {
		return errorJSON(c, solveStatus(err), err)
	}

	return c.JSON(sol)
}

// eventHandler queues a measured event for the locator
func (s *Server) eventHandler(c *fiber.Ctx) error {
	var req EventRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
	}
	if len(req.ArrivalTimes) == 0 {
		return errorJSON(c, fiber.StatusBadRequest, errors.New("arrival_times is required"))
	}

	sensors, err := s.sensorCount(req.Platforms)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	if sensors != len(req.ArrivalTimes) {
		return errorJSON(c, fiber.StatusBadRequest, fmt.Errorf("%w: %d sensors, %d arrival times",
			tdoa.ErrInputLengthMismatch, sensors, len(req.ArrivalTimes)))
	}

	ev := locator.Event{
		ID:           req.ID,
		Platforms:    req.Platforms,
		ArrivalTimes: req.ArrivalTimes,
	}
	if ev.ID == "" {
		ev.ID = newID()
	}

	switch err := s.deps.Queue.Push(ev); {
	case errors.Is(err, locator.ErrQueueFull):
		return errorJSON(c, fiber.StatusTooManyRequests, err)
	case errors.Is(err, locator.ErrSourceClosed):
		return errorJSON(c, fiber.StatusServiceUnavailable, err)
	case err != nil:
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id":     ev.ID,
		"queued": s.deps.Queue.Len(),
	})
}

// sensorCount totals the sensors of the named platforms, or of the whole
// fleet when names is empty.
func (s *Server) sensorCount(names []string) (int, error) {
	if len(names) == 0 {
		var n int
		for _, p := range s.deps.Fleet.Platforms() {
			n += len(p.Sensors)
		}
		return n, nil
	}

	var n int
	for _, name := range names {
		p, ok := s.deps.Fleet.Platform(name)
		if !ok {
			return 0, fmt.Errorf("%w: %q", locator.ErrUnknownPlatform, name)
		}
		n += len(p.Sensors)
	}
	return n, nil
}

func (s *Server) latestHandler(c *fiber.Ctx) error {
	fix, ok := s.deps.Locator.Latest()
	if !ok {
		return errorJSON(c, fiber.StatusNotFound, errors.New("no fix yet"))
	}
	return c.JSON(fix)
}

// fixesHandler lists recent fixes from the store when persistence is
// enabled, otherwise from the in-memory history
func (s *Server) fixesHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultFixLimit)
	if limit < 1 {
		return errorJSON(c, fiber.StatusBadRequest, errors.New("limit must be positive"))
	}
	if limit > maxFixLimit {
		limit = maxFixLimit
	}

	var (
		fixes  []locator.Fix
		origin = "memory"
	)
	if s.deps.Store != nil {
		var err error
		fixes, err = s.deps.Store.Recent(c.UserContext(), limit)
		if err != nil {
			s.logger.Warn("fix store query failed", "error", err)
			return errorJSON(c, fiber.StatusInternalServerError, err)
		}
		origin = "store"
	} else {
		fixes = s.deps.Locator.History(limit)
	}

	if fixes == nil {
		fixes = []locator.Fix{}
	}
	return c.JSON(fiber.Map{
		"fixes":  fixes,
		"count":  len(fixes),
		"source": origin,
	})
}

func (s *Server) platformsHandler(c *fiber.Ctx) error {
	platforms := s.deps.Fleet.Platforms()
	out := make([]PlatformView, 0, len(platforms))

	for _, p := range platforms {
		origin, err := s.deps.Fleet.Position(c.UserContext(), p.Name)
		if err != nil {
			return errorJSON(c, fiber.StatusInternalServerError, err)
		}
		out = append(out, PlatformView{
			Name:    p.Name,
			Origin:  origin,
			Sensors: p.Array(origin).Positions,
		})
	}

	return c.JSON(out)
}

func (s *Server) statsHandler(c *fiber.Ctx) error {
	return c.JSON(s.deps.Locator.Stats())
}

// configHandler returns the public part of the configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	cfg := s.cfg
	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             cfg.Server.Port,
			"read_timeout_ms":  cfg.Server.ReadTimeout.Milliseconds(),
			"write_timeout_ms": cfg.Server.WriteTimeout.Milliseconds(),
		},
		"solver": fiber.Map{
			"speed_of_sound": cfg.Solver.SpeedOfSound,
			"max_condition":  cfg.Solver.MaxCondition,
		},
		"platforms": cfg.Platforms,
		"locator": fiber.Map{
			"history_size":    cfg.Locator.HistorySize,
			"queue_size":      cfg.Locator.QueueSize,
			"follower":        cfg.Locator.Follower,
			"approach_offset": cfg.Locator.ApproachOffset,
		},
		"simulation": fiber.Map{
			"enabled":     cfg.Simulation.Enabled,
			"interval_ms": cfg.Simulation.Interval.Milliseconds(),
			"anchor":      cfg.Simulation.Anchor,
			"listeners":   cfg.Simulation.Listeners,
		},
		"motion_enabled": cfg.Motion.BaseURL != "",
		"store_enabled":  cfg.Store.Path != "",
		"uplink_enabled": cfg.Uplink.URL != "",
	})
}
