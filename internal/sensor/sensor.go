// Package sensor models microphones mounted on mobile platforms and the
// arrays assembled from them for a localization solve.
package sensor

import (
	"context"
	"fmt"

	"github.com/teslashibe/go-tdoa/internal/geom"
)

// Sensor is a microphone fixed to a platform.
type Sensor struct {
	// Offset from the platform origin, in the platform frame (metres)
	Offset geom.Point3 `json:"offset"`
}

// WorldPosition returns the sensor position for a platform at origin.
func (s Sensor) WorldPosition(origin geom.Point3) geom.Point3 {
	return WorldPosition(s, origin)
}

// WorldPosition returns origin + sensor offset.
func WorldPosition(s Sensor, origin geom.Point3) geom.Point3 {
	return origin.Add(s.Offset)
}

// Platform owns an ordered set of sensors. The sensor set is fixed at
// construction; only the platform origin moves.
type Platform struct {
	Name    string   `json:"name"`
	Sensors []Sensor `json:"sensors"`
}

// NewPlatform creates a platform with one sensor per offset, in order.
func NewPlatform(name string, offsets ...geom.Point3) Platform {
	sensors := make([]Sensor, len(offsets))
	for i, off := range offsets {
		sensors[i] = Sensor{Offset: off}
	}
	return Platform{Name: name, Sensors: sensors}
}

// Array returns the world-frame array of the platform's sensors.
func (p Platform) Array(origin geom.Point3) Array {
	a := Array{
		Positions: make([]geom.Point3, len(p.Sensors)),
		Refs:      make([]Ref, len(p.Sensors)),
	}
	for i, s := range p.Sensors {
		a.Positions[i] = s.WorldPosition(origin)
		a.Refs[i] = Ref{Platform: p.Name, Index: i}
	}
	return a
}

// PositionProvider reports the current world origin of a named platform.
type PositionProvider interface {
	Position(ctx context.Context, platform string) (geom.Point3, error)
}

// Assemble queries every platform origin once and combines the resulting
// arrays in argument order.
func Assemble(ctx context.Context, provider PositionProvider, platforms ...Platform) (Array, error) {
	arrays := make([]Array, 0, len(platforms))
	for _, p := range platforms {
		origin, err := provider.Position(ctx, p.Name)
		if err != nil {
			return Array{}, fmt.Errorf("position of %s: %w", p.Name, err)
		}
		arrays = append(arrays, p.Array(origin))
	}
	return Combine(arrays...), nil
}
