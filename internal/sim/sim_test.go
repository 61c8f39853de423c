package sim

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-tdoa/internal/geom"
	"github.com/teslashibe/go-tdoa/internal/locator"
	"github.com/teslashibe/go-tdoa/internal/sensor"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

var offsets = []geom.Point3{
	geom.P(0.5, 0, 0.1), geom.P(0, 0.5, 0.1), geom.P(0, -0.5, 0.1), geom.P(-0.5, 0, -0.2),
}

func twoDroneFleet() *Fleet {
	f := NewFleet()
	f.Add(sensor.NewPlatform("drone1", offsets...), geom.P(0, 0, -20))
	f.Add(sensor.NewPlatform("drone2", offsets...), geom.P(30, 10, -25))
	return f
}

func TestFleet_PositionAndMove(t *testing.T) {
	f := twoDroneFleet()
	ctx := context.Background()

	p, err := f.Position(ctx, "drone2")
	require.NoError(t, err)
	assert.Equal(t, geom.P(30, 10, -25), p)

	require.NoError(t, f.MoveTo(ctx, "drone2", geom.P(1, 2, -3)))
	p, err = f.Position(ctx, "drone2")
	require.NoError(t, err)
	assert.Equal(t, geom.P(1, 2, -3), p)
	assert.Equal(t, int64(1), f.Moves())
}

func TestFleet_Unknown(t *testing.T) {
	f := twoDroneFleet()
	ctx := context.Background()

	_, err := f.Position(ctx, "ghost")
	assert.ErrorIs(t, err, locator.ErrUnknownPlatform)

	err = f.MoveTo(ctx, "ghost", geom.P(0, 0, 0))
	assert.ErrorIs(t, err, locator.ErrUnknownPlatform)

	_, ok := f.Platform("ghost")
	assert.False(t, ok)
}

func TestFleet_MoveRejectsNonFinite(t *testing.T) {
	f := twoDroneFleet()
	assert.Error(t, f.MoveTo(context.Background(), "drone1", geom.P(math.NaN(), 0, 0)))
	assert.Equal(t, int64(0), f.Moves())
}

func TestFleet_PlatformsKeepOrder(t *testing.T) {
	f := twoDroneFleet()
	f.Add(sensor.NewPlatform("drone1", offsets[:1]...), geom.P(5, 5, 5))

	ps := f.Platforms()
	require.Len(t, ps, 2)
	assert.Equal(t, "drone1", ps[0].Name)
	assert.Len(t, ps[0].Sensors, 1, "re-adding replaces the definition")
	assert.Equal(t, "drone2", ps[1].Name)
}

func TestGunshotSource_SpawnAtSolves(t *testing.T) {
	f := twoDroneFleet()
	g := NewGunshotSource(f, DefaultGunshotConfig(), nil)
	defer g.Close()

	shot := geom.P(12, 40, -3)
	ev, err := g.SpawnAt(context.Background(), shot)
	require.NoError(t, err)

	assert.Equal(t, []string{"drone1", "drone2"}, ev.Platforms)
	assert.Len(t, ev.ArrivalTimes, 8)
	assert.Equal(t, SourceName, ev.Source)
	require.NotNil(t, ev.Truth)
	assert.Equal(t, shot, *ev.Truth)

	arr, err := sensor.Assemble(context.Background(), f, f.Platforms()...)
	require.NoError(t, err)

	got, err := tdoa.Solve(arr.Positions, ev.ArrivalTimes, tdoa.DefaultSpeedOfSound)
	require.NoError(t, err)
	assert.InDelta(t, 0, got.Distance(shot), 1e-3)
}

func TestGunshotSource_FixedTestPoints(t *testing.T) {
	f := NewFleet()
	f.Add(sensor.NewPlatform("drone1", offsets...), geom.P(0, 0, -20))

	cfg := DefaultGunshotConfig()
	g := NewGunshotSource(f, cfg, nil)
	defer g.Close()

	arr, err := sensor.Assemble(context.Background(), f, f.Platforms()...)
	require.NoError(t, err)

	for _, d := range []float64{10, 50, 100} {
		shot := geom.P(0, d, 0)
		ev, err := g.SpawnAt(context.Background(), shot)
		require.NoError(t, err)

		got, err := tdoa.Solve(arr.Positions, ev.ArrivalTimes, cfg.Speed)
		require.NoError(t, err, "distance %v", d)
		assert.InDelta(t, 0, got.Distance(shot), 1e-3*d, "distance %v", d)
	}
}

func TestGunshotSource_ListenersSubset(t *testing.T) {
	f := twoDroneFleet()
	cfg := DefaultGunshotConfig()
	cfg.Listeners = []string{"drone2"}

	g := NewGunshotSource(f, cfg, nil)
	defer g.Close()

	ev, err := g.SpawnAt(context.Background(), geom.P(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"drone2"}, ev.Platforms)
	assert.Len(t, ev.ArrivalTimes, 4)
}

func TestGunshotSource_UnknownListener(t *testing.T) {
	cfg := DefaultGunshotConfig()
	cfg.Listeners = []string{"ghost"}

	g := NewGunshotSource(twoDroneFleet(), cfg, nil)
	defer g.Close()

	_, err := g.SpawnAt(context.Background(), geom.P(0, 0, 0))
	assert.ErrorIs(t, err, locator.ErrUnknownPlatform)
}

func TestGunshotSource_RandomPointBounds(t *testing.T) {
	f := twoDroneFleet()
	cfg := DefaultGunshotConfig()
	cfg.Seed = 42

	g := NewGunshotSource(f, cfg, nil)
	defer g.Close()

	// anchor at z=-20, ground at -3: half-width 17/2 + 5
	half := 13.5
	for i := 0; i < 200; i++ {
		p, err := g.RandomPoint(context.Background())
		require.NoError(t, err)

		assert.LessOrEqual(t, math.Abs(p.X), half)
		assert.LessOrEqual(t, math.Abs(p.Y), half)
		assert.LessOrEqual(t, math.Abs(p.Z-cfg.GroundZ), cfg.ZSpread)
	}
}

func TestGunshotSource_SeedIsDeterministic(t *testing.T) {
	cfg := DefaultGunshotConfig()
	cfg.Seed = 7

	a := NewGunshotSource(twoDroneFleet(), cfg, nil)
	b := NewGunshotSource(twoDroneFleet(), cfg, nil)
	defer a.Close()
	defer b.Close()

	for i := 0; i < 5; i++ {
		pa, err := a.RandomPoint(context.Background())
		require.NoError(t, err)
		pb, err := b.RandomPoint(context.Background())
		require.NoError(t, err)
		assert.Equal(t, pa, pb)
	}
}

func TestGunshotSource_Jitter(t *testing.T) {
	f := twoDroneFleet()
	cfg := DefaultGunshotConfig()
	cfg.JitterSec = 1e-6
	cfg.Seed = 3

	g := NewGunshotSource(f, cfg, nil)
	defer g.Close()

	shot := geom.P(12, 40, -3)
	ev, err := g.SpawnAt(context.Background(), shot)
	require.NoError(t, err)

	arr, err := sensor.Assemble(context.Background(), f, f.Platforms()...)
	require.NoError(t, err)
	exact := arr.ArrivalTimes(shot, cfg.Speed)

	var moved bool
	for i := range exact {
		diff := math.Abs(ev.ArrivalTimes[i] - exact[i])
		assert.Less(t, diff, 1e-5)
		if diff > 0 {
			moved = true
		}
	}
	assert.True(t, moved, "jitter should perturb arrival times")
}

func TestGunshotSource_Next(t *testing.T) {
	cfg := DefaultGunshotConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.Seed = 1

	g := NewGunshotSource(twoDroneFleet(), cfg, nil)
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := g.Next(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.NotNil(t, ev.Truth)
	assert.Equal(t, int64(1), g.Spawned())
}

func TestGunshotSource_Close(t *testing.T) {
	cfg := DefaultGunshotConfig()
	cfg.Interval = time.Hour

	g := NewGunshotSource(twoDroneFleet(), cfg, nil)
	assert.True(t, g.Healthy())

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.False(t, g.Healthy())

	_, err := g.Next(context.Background())
	assert.True(t, errors.Is(err, locator.ErrSourceClosed))
}

func TestGunshotSource_NextHonoursContext(t *testing.T) {
	cfg := DefaultGunshotConfig()
	cfg.Interval = time.Hour

	g := NewGunshotSource(twoDroneFleet(), cfg, nil)
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGunshotSource_UnhealthyFleet(t *testing.T) {
	f := twoDroneFleet()
	g := NewGunshotSource(f, DefaultGunshotConfig(), nil)
	defer g.Close()

	f.SetHealthy(false)
	assert.False(t, g.Healthy())
}
