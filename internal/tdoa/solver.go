// Package tdoa locates an impulsive sound source from the times at which it
// reached a set of sensors at known positions (time difference of arrival).
//
// The solver is closed form. With sensor positions p and arrival times t,
// the earliest sensor r is the reference and every other sensor j gives one
// row of
//
//	S·x + d·rho = mu
//	S[j]   = p[j] - p[r]
//	rho[j] = (t[j] - t[r]) · speed
//	mu[j]  = (‖p[j]‖² - ‖p[r]‖² - rho[j]²) / 2
//
// where x is the source and d = ‖x - p[r]‖ is the unknown range to the
// reference. Rows keep the input order with the reference row skipped.
//
// The projection method removes d with M = (I - C)·diag(rho)⁻¹, C being the
// cyclic row shift, so that M·rho = 0, and solves the normal equations
// (SᵀMᵀMS)·x = SᵀMᵀM·mu. M has rank N-2, so this needs N >= 5 and no
// sensor tied with the reference. Otherwise, or when the projected system is
// singular, the intersection method writes x = a - d·b from the least-squares
// solution of S·x = mu - d·rho and picks d from ‖x - p[r]‖ = d.
package tdoa

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/teslashibe/go-tdoa/internal/geom"
	"github.com/teslashibe/go-tdoa/internal/sensor"
)

// DefaultSpeedOfSound is the speed of sound in air at about 20 °C, in m/s.
const DefaultSpeedOfSound = 343.0

// DefaultMaxCondition is the largest 1-norm condition number accepted for
// the 3×3 normal matrix before the geometry is declared degenerate.
const DefaultMaxCondition = 1e12

// MinSensors is the smallest array the solver accepts.
const MinSensors = 4

// Method names the algorithm that produced a solution.
type Method string

const (
	MethodProjection   Method = "projection"
	MethodIntersection Method = "intersection"
)

// Solution is a source estimate with solve diagnostics.
type Solution struct {
	Position geom.Point3 `json:"position"`

	// Reference is the index of the earliest-arriving sensor.
	Reference int `json:"reference"`

	// Range is the distance from the reference sensor to Position.
	Range float64 `json:"range"`

	Method Method `json:"method"`

	// Residual is ‖S·x + d·rho - mu‖ / √(N-1), in m².
	Residual float64 `json:"residual"`
}

// Solver holds solve parameters. The zero value uses the defaults.
type Solver struct {
	// Speed is the propagation speed in position units per time unit.
	Speed float64

	// MaxCondition bounds the condition number of inverted matrices.
	MaxCondition float64
}

// New returns a Solver for the given propagation speed.
func New(speed float64) Solver {
	return Solver{Speed: speed, MaxCondition: DefaultMaxCondition}
}

// Solve estimates the source position using DefaultMaxCondition.
func Solve(positions []geom.Point3, arrivalTimes []float64, speed float64) (geom.Point3, error) {
	return New(speed).Solve(positions, arrivalTimes)
}

// Solve estimates the source position in the frame of positions.
func (s Solver) Solve(positions []geom.Point3, arrivalTimes []float64) (geom.Point3, error) {
	sol, err := s.SolveDetailed(positions, arrivalTimes)
	if err != nil {
		return geom.Point3{}, err
	}
	return sol.Position, nil
}

// SolveArray is Solve for a sensor.Array.
func (s Solver) SolveArray(a sensor.Array, arrivalTimes []float64) (Solution, error) {
	return s.SolveDetailed(a.Positions, arrivalTimes)
}

// SolveDetailed estimates the source position and reports how it was found.
func (s Solver) SolveDetailed(positions []geom.Point3, arrivalTimes []float64) (Solution, error) {
	if len(positions) != len(arrivalTimes) {
		return Solution{}, fmt.Errorf("%w: %d sensors, %d arrival times",
			ErrInputLengthMismatch, len(positions), len(arrivalTimes))
	}
	if len(positions) < MinSensors {
		return Solution{}, fmt.Errorf("%w: got %d, need at least %d",
			ErrInsufficientSensors, len(positions), MinSensors)
	}

	speed := s.speed()
	if !(speed > 0) || math.IsInf(speed, 0) {
		return Solution{}, fmt.Errorf("%w: %v", ErrInvalidSpeed, speed)
	}

	for i, p := range positions {
		if !p.IsFinite() {
			return Solution{}, fmt.Errorf("%w: sensor %d position %v", ErrInvalidInput, i, p)
		}
		if t := arrivalTimes[i]; math.IsNaN(t) || math.IsInf(t, 0) {
			return Solution{}, fmt.Errorf("%w: sensor %d arrival time %v", ErrInvalidInput, i, t)
		}
	}

	sys := newSystem(positions, arrivalTimes, speed)

	if sys.projectable() {
		sol, err := s.project(sys)
		if err == nil {
			return sol, nil
		}
	}
	return s.intersect(sys)
}

func (s Solver) speed() float64 {
	if s.Speed == 0 {
		return DefaultSpeedOfSound
	}
	return s.Speed
}

func (s Solver) maxCondition() float64 {
	if s.MaxCondition <= 0 {
		return DefaultMaxCondition
	}
	return s.MaxCondition
}

// system is the linearized TDOA equation set S·x + d·rho = mu.
type system struct {
	ref  int
	pref geom.Point3
	rows int

	s   *mat.Dense
	rho *mat.VecDense
	mu  *mat.VecDense
}

func newSystem(positions []geom.Point3, arrivalTimes []float64, speed float64) *system {
	rel, ref := sensor.RelativeTimes(arrivalTimes)
	pref := positions[ref]
	rows := len(positions) - 1

	sys := &system{
		ref:  ref,
		pref: pref,
		rows: rows,
		s:    mat.NewDense(rows, 3, nil),
		rho:  mat.NewVecDense(rows, nil),
		mu:   mat.NewVecDense(rows, nil),
	}

	row := 0
	for j, p := range positions {
		if j == ref {
			continue
		}
		rng := rel[j] * speed
		off := p.Sub(pref).Array()
		sys.s.SetRow(row, off[:])
		sys.rho.SetVec(row, rng)
		sys.mu.SetVec(row, (p.MagnitudeSq()-pref.MagnitudeSq()-rng*rng)/2)
		row++
	}
	return sys
}

// projectable reports whether the projection method can determine all
// three coordinates.
func (sys *system) projectable() bool {
	if sys.rows < 4 {
		return false
	}
	for i := 0; i < sys.rows; i++ {
		if sys.rho.AtVec(i) == 0 {
			return false
		}
	}
	return true
}

// eliminator returns M = (I - C)·diag(rho)⁻¹ where C moves row i to row
// i+1 mod n. M·rho is zero by construction.
func (sys *system) eliminator() *mat.Dense {
	n := sys.rows

	shift := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		shift.Set(i, i, 1)
		shift.Set((i+1)%n, i, -1)
	}

	inv := mat.NewDiagDense(n, nil)
	for i := 0; i < n; i++ {
		inv.SetDiag(i, 1/sys.rho.AtVec(i))
	}

	var m mat.Dense
	m.Mul(shift, inv)
	return &m
}

func (s Solver) project(sys *system) (Solution, error) {
	m := sys.eliminator()

	var a mat.Dense
	a.Mul(m, sys.s)

	var b mat.VecDense
	b.MulVec(m, sys.mu)

	var normal mat.Dense
	normal.Mul(a.T(), &a)

	inv, err := s.invert(&normal)
	if err != nil {
		return Solution{}, err
	}

	var atb, x mat.VecDense
	atb.MulVec(a.T(), &b)
	x.MulVec(inv, &atb)

	pos := geom.P(x.AtVec(0), x.AtVec(1), x.AtVec(2))
	d := pos.Distance(sys.pref)

	return Solution{
		Position:  pos,
		Reference: sys.ref,
		Range:     d,
		Method:    MethodProjection,
		Residual:  sys.residual(&x, d) / math.Sqrt(float64(sys.rows)),
	}, nil
}

type candidate struct {
	x        *mat.VecDense
	d        float64
	residual float64
}

func (s Solver) intersect(sys *system) (Solution, error) {
	var normal mat.Dense
	normal.Mul(sys.s.T(), sys.s)

	inv, err := s.invert(&normal)
	if err != nil {
		return Solution{}, err
	}

	var pinv mat.Dense
	pinv.Mul(inv, sys.s.T())

	var a, b mat.VecDense
	a.MulVec(&pinv, sys.mu)
	b.MulVec(&pinv, sys.rho)

	// ‖a - d·b - p[r]‖² = d²
	w := geom.P(a.AtVec(0), a.AtVec(1), a.AtVec(2)).Sub(sys.pref)
	bv := geom.P(b.AtVec(0), b.AtVec(1), b.AtVec(2))
	roots := quadraticRoots(bv.MagnitudeSq()-1, -2*w.Dot(bv), w.MagnitudeSq())

	var cands []candidate
	for _, d := range roots {
		if d < 0 {
			if d < -rootTolerance {
				continue
			}
			d = 0
		}
		x := mat.NewVecDense(3, nil)
		x.AddScaledVec(&a, -d, &b)
		cands = append(cands, candidate{x: x, d: d, residual: sys.residual(x, d)})
	}
	if len(cands) == 0 {
		return Solution{}, fmt.Errorf("%w: no non-negative range to reference sensor %d",
			ErrDegenerateGeometry, sys.ref)
	}

	best := sys.pick(cands)
	return Solution{
		Position:  geom.P(best.x.AtVec(0), best.x.AtVec(1), best.x.AtVec(2)),
		Reference: sys.ref,
		Range:     best.d,
		Method:    MethodIntersection,
		Residual:  best.residual / math.Sqrt(float64(sys.rows)),
	}, nil
}

// rootTolerance absorbs rounding that pushes a zero range slightly negative.
const rootTolerance = 1e-9

// pick returns the candidate with the smallest residual. Candidates whose
// residuals agree to rounding fit the data equally (the two mirror
// solutions of a four-sensor array); the one farther from the reference
// wins.
func (sys *system) pick(cands []candidate) candidate {
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].residual < cands[j].residual
	})

	tol := 1e-9 * math.Max(1, mat.Norm(sys.mu, 2))
	best := cands[0]
	for _, c := range cands[1:] {
		if c.residual-cands[0].residual <= tol && c.d > best.d {
			best = c
		}
	}
	return best
}

// residual returns ‖S·x + d·rho - mu‖.
func (sys *system) residual(x *mat.VecDense, d float64) float64 {
	var r mat.VecDense
	r.MulVec(sys.s, x)
	r.AddScaledVec(&r, d, sys.rho)
	r.SubVec(&r, sys.mu)
	return mat.Norm(&r, 2)
}

func (s Solver) invert(m *mat.Dense) (*mat.Dense, error) {
	if c := mat.Cond(m, 1); math.IsNaN(c) || c > s.maxCondition() {
		return nil, fmt.Errorf("%w: normal matrix condition number %.3g", ErrDegenerateGeometry, c)
	}

	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateGeometry, err)
	}
	return &inv, nil
}

// quadraticRoots returns the real roots of qa·d² + qb·d + qc. A negative
// discriminant is treated as zero so that noisy measurements still yield
// the closest real range.
func quadraticRoots(qa, qb, qc float64) []float64 {
	if math.Abs(qa) < 1e-12 {
		if qb == 0 {
			return nil
		}
		return []float64{-qc / qb}
	}

	disc := qb*qb - 4*qa*qc
	if disc < 0 {
		disc = 0
	}

	q := -0.5 * (qb + math.Copysign(math.Sqrt(disc), qb))
	if q == 0 {
		return []float64{0}
	}
	return []float64{q / qa, qc / q}
}
