package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/teslashibe/go-tdoa/internal/geom"
	"github.com/teslashibe/go-tdoa/internal/locator"
	"github.com/teslashibe/go-tdoa/internal/sensor"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

// SourceName labels simulated events.
const SourceName = "sim"

// GunshotConfig configures the gunshot generator
type GunshotConfig struct {
	Interval time.Duration

	// Anchor is the platform shots spawn around
	Anchor string

	// Listeners are the platforms that hear the shots; empty means all
	Listeners []string

	// GroundZ is the centre height of spawned shots, ZSpread the half range
	GroundZ float64
	ZSpread float64

	// JitterSec is the standard deviation of Gaussian arrival time noise
	JitterSec float64

	Speed float64
	Seed  uint64
}

// DefaultGunshotConfig returns sensible defaults
func DefaultGunshotConfig() GunshotConfig {
	return GunshotConfig{
		Interval: 2 * time.Second,
		Anchor:   "drone1",
		GroundZ:  -3,
		ZSpread:  2,
		Speed:    tdoa.DefaultSpeedOfSound,
	}
}

// GunshotSource implements locator.Source with simulated shots fired near
// the anchor platform.
type GunshotSource struct {
	fleet  *Fleet
	cfg    GunshotConfig
	logger *slog.Logger

	rngMu  sync.Mutex
	src    *rand.PCG
	jitter distuv.Normal

	ticker    *time.Ticker
	closed    chan struct{}
	closeOnce sync.Once

	spawned atomic.Int64
}

// NewGunshotSource creates a generator firing every cfg.Interval.
func NewGunshotSource(fleet *Fleet, cfg GunshotConfig, logger *slog.Logger) *GunshotSource {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultGunshotConfig().Interval
	}
	if cfg.Speed <= 0 {
		cfg.Speed = tdoa.DefaultSpeedOfSound
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	src := rand.NewPCG(seed, seed>>1|1)

	return &GunshotSource{
		fleet:  fleet,
		cfg:    cfg,
		logger: logger,
		src:    src,
		jitter: distuv.Normal{Mu: 0, Sigma: cfg.JitterSec, Src: src},
		ticker: time.NewTicker(cfg.Interval),
		closed: make(chan struct{}),
	}
}

// Next waits for the next tick and fires a shot at a random ground point.
func (g *GunshotSource) Next(ctx context.Context) (locator.Event, error) {
	select {
	case <-ctx.Done():
		return locator.Event{}, ctx.Err()
	case <-g.closed:
		return locator.Event{}, locator.ErrSourceClosed
	case <-g.ticker.C:
	}

	point, err := g.RandomPoint(ctx)
	if err != nil {
		return locator.Event{}, err
	}
	return g.SpawnAt(ctx, point)
}

// RandomPoint picks a shot location within altitude/2 + 5 m of the anchor
// horizontally and within ZSpread of GroundZ vertically.
func (g *GunshotSource) RandomPoint(ctx context.Context) (geom.Point3, error) {
	anchor, err := g.fleet.Position(ctx, g.cfg.Anchor)
	if err != nil {
		return geom.Point3{}, fmt.Errorf("anchor: %w", err)
	}

	half := math.Abs(anchor.Z-g.cfg.GroundZ)/2 + 5

	g.rngMu.Lock()
	defer g.rngMu.Unlock()

	horiz := distuv.Uniform{Min: -half, Max: half, Src: g.src}
	p := geom.P(anchor.X+horiz.Rand(), anchor.Y+horiz.Rand(), g.cfg.GroundZ)
	if g.cfg.ZSpread > 0 {
		vert := distuv.Uniform{Min: -g.cfg.ZSpread, Max: g.cfg.ZSpread, Src: g.src}
		p.Z += vert.Rand()
	}
	return p, nil
}

// SpawnAt fires a shot at point and returns the event the listeners hear.
func (g *GunshotSource) SpawnAt(ctx context.Context, point geom.Point3) (locator.Event, error) {
	names := g.listeners()
	platforms := make([]sensor.Platform, 0, len(names))
	for _, name := range names {
		p, ok := g.fleet.Platform(name)
		if !ok {
			return locator.Event{}, fmt.Errorf("%w: %q", locator.ErrUnknownPlatform, name)
		}
		platforms = append(platforms, p)
	}

	arr, err := sensor.Assemble(ctx, g.fleet, platforms...)
	if err != nil {
		return locator.Event{}, err
	}

	times := arr.ArrivalTimes(point, g.cfg.Speed)
	if g.cfg.JitterSec > 0 {
		g.rngMu.Lock()
		for i := range times {
			times[i] += g.jitter.Rand()
		}
		g.rngMu.Unlock()
	}

	truth := point
	ev := locator.Event{
		ID:           uuid.NewString(),
		Source:       SourceName,
		Platforms:    names,
		ArrivalTimes: times,
		DetectedAt:   time.Now(),
		Truth:        &truth,
	}

	n := g.spawned.Add(1)
	g.logger.Debug("gunshot spawned",
		"event_id", ev.ID,
		"position", point.String(),
		"sensors", arr.Len(),
		"count", n,
	)
	return ev, nil
}

func (g *GunshotSource) listeners() []string {
	if len(g.cfg.Listeners) > 0 {
		return append([]string(nil), g.cfg.Listeners...)
	}

	platforms := g.fleet.Platforms()
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = p.Name
	}
	return names
}

// Spawned returns the number of shots fired.
func (g *GunshotSource) Spawned() int64 {
	return g.spawned.Load()
}

// Close stops the generator
func (g *GunshotSource) Close() error {
	g.closeOnce.Do(func() {
		g.ticker.Stop()
		close(g.closed)
	})
	return nil
}

// Healthy returns true until the generator is closed and while the fleet
// is healthy
func (g *GunshotSource) Healthy() bool {
	select {
	case <-g.closed:
		return false
	default:
		return g.fleet.Healthy()
	}
}

// Name returns the source type name
func (g *GunshotSource) Name() string {
	return SourceName
}
