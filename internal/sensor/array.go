package sensor

import (
	"github.com/teslashibe/go-tdoa/internal/geom"
)

// Ref identifies the platform sensor behind an array entry.
type Ref struct {
	Platform string `json:"platform"`
	Index    int    `json:"index"`
}

// Array is an ordered set of sensor world positions. Index i corresponds to
// index i of any arrival-time slice solved against it; keeping the two in
// step is the caller's job.
type Array struct {
	Positions []geom.Point3 `json:"positions"`
	Refs      []Ref         `json:"refs,omitempty"`
}

// Len returns the number of sensors in the array.
func (a Array) Len() int {
	return len(a.Positions)
}

// Combine concatenates arrays, keeping sensor order within each array and
// array order across the arguments. Arrival times must be concatenated in
// the same order.
func Combine(arrays ...Array) Array {
	var n int
	for _, a := range arrays {
		n += a.Len()
	}

	out := Array{
		Positions: make([]geom.Point3, 0, n),
		Refs:      make([]Ref, 0, n),
	}
	for _, a := range arrays {
		out.Positions = append(out.Positions, a.Positions...)
		for i := range a.Positions {
			var ref Ref
			if i < len(a.Refs) {
				ref = a.Refs[i]
			}
			out.Refs = append(out.Refs, ref)
		}
	}
	return out
}

// ArrivalTimeEstimate returns the propagation time from source to a sensor.
func ArrivalTimeEstimate(sensorWorld, source geom.Point3, speed float64) float64 {
	return sensorWorld.Distance(source) / speed
}

// ArrivalTimes returns the propagation time from source to every sensor.
func (a Array) ArrivalTimes(source geom.Point3, speed float64) []float64 {
	times := make([]float64, len(a.Positions))
	for i, p := range a.Positions {
		times[i] = ArrivalTimeEstimate(p, source, speed)
	}
	return times
}

// RelativeTimes subtracts the earliest arrival from every entry. The
// returned index is the earliest sensor; ties resolve to the lowest index.
// An empty input returns (nil, -1).
func RelativeTimes(times []float64) ([]float64, int) {
	if len(times) == 0 {
		return nil, -1
	}

	ref := 0
	for i, t := range times {
		if t < times[ref] {
			ref = i
		}
	}

	earliest := times[ref]
	rel := make([]float64, len(times))
	for i, t := range times {
		rel[i] = t - earliest
	}
	return rel, ref
}
