// Package geom provides the 3D point type shared by the sensor and solver packages
package geom

import (
	"fmt"
	"math"
)

// Point3 is a position or offset in metres.
type Point3 struct {
	X float64 `json:"x" mapstructure:"x"`
	Y float64 `json:"y" mapstructure:"y"`
	Z float64 `json:"z" mapstructure:"z"`
}

// P is shorthand for Point3{X: x, Y: y, Z: z}.
func P(x, y, z float64) Point3 {
	return Point3{X: x, Y: y, Z: z}
}

// Add returns p + o.
func (p Point3) Add(o Point3) Point3 {
	return Point3{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z}
}

// Sub returns p - o.
func (p Point3) Sub(o Point3) Point3 {
	return Point3{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z}
}

// Scale returns p * k.
func (p Point3) Scale(k float64) Point3 {
	return Point3{X: p.X * k, Y: p.Y * k, Z: p.Z * k}
}

// Dot returns the dot product of p and o.
func (p Point3) Dot(o Point3) float64 {
	return p.X*o.X + p.Y*o.Y + p.Z*o.Z
}

// MagnitudeSq returns ‖p‖².
func (p Point3) MagnitudeSq() float64 {
	return p.Dot(p)
}

// Magnitude returns the Euclidean norm of p.
func (p Point3) Magnitude() float64 {
	return math.Sqrt(p.MagnitudeSq())
}

// Distance returns the straight-line distance between p and o.
func (p Point3) Distance(o Point3) float64 {
	return p.Sub(o).Magnitude()
}

// IsFinite reports whether every component is neither NaN nor infinite.
func (p Point3) IsFinite() bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Z)
}

// Array returns the components in x, y, z order.
func (p Point3) Array() [3]float64 {
	return [3]float64{p.X, p.Y, p.Z}
}

func (p Point3) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", p.X, p.Y, p.Z)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
