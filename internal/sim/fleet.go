// Package sim provides a simulated drone fleet and a gunshot generator that
// synthesizes arrival times for it.
package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-tdoa/internal/geom"
	"github.com/teslashibe/go-tdoa/internal/locator"
	"github.com/teslashibe/go-tdoa/internal/sensor"
)

// Fleet is an in-memory platform registry. It reports platform origins and
// relocates platforms instantly on MoveTo.
type Fleet struct {
	mu        sync.RWMutex
	order     []string
	platforms map[string]sensor.Platform
	origins   map[string]geom.Point3
	healthy   bool

	moves atomic.Int64
}

// NewFleet creates an empty fleet
func NewFleet() *Fleet {
	return &Fleet{
		platforms: make(map[string]sensor.Platform),
		origins:   make(map[string]geom.Point3),
		healthy:   true,
	}
}

// Add registers a platform at origin, replacing any platform of the same
// name in place.
func (f *Fleet) Add(p sensor.Platform, origin geom.Point3) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.platforms[p.Name]; !exists {
		f.order = append(f.order, p.Name)
	}
	f.platforms[p.Name] = p
	f.origins[p.Name] = origin
}

// Position implements sensor.PositionProvider.
func (f *Fleet) Position(_ context.Context, name string) (geom.Point3, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	origin, ok := f.origins[name]
	if !ok {
		return geom.Point3{}, fmt.Errorf("%w: %q", locator.ErrUnknownPlatform, name)
	}
	return origin, nil
}

// Platform implements locator.Fleet.
func (f *Fleet) Platform(name string) (sensor.Platform, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.platforms[name]
	return p, ok
}

// Platforms implements locator.Fleet, in registration order.
func (f *Fleet) Platforms() []sensor.Platform {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]sensor.Platform, len(f.order))
	for i, name := range f.order {
		out[i] = f.platforms[name]
	}
	return out
}

// MoveTo implements locator.MotionSink.
func (f *Fleet) MoveTo(_ context.Context, name string, target geom.Point3) error {
	if !target.IsFinite() {
		return fmt.Errorf("invalid target %v for %s", target, name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.origins[name]; !ok {
		return fmt.Errorf("%w: %q", locator.ErrUnknownPlatform, name)
	}
	f.origins[name] = target
	f.moves.Add(1)
	return nil
}

// Moves returns the number of successful MoveTo calls.
func (f *Fleet) Moves() int64 {
	return f.moves.Load()
}

// Healthy returns true if the fleet is operational
func (f *Fleet) Healthy() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.healthy
}

// SetHealthy sets the fleet health state
func (f *Fleet) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}
