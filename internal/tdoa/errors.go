package tdoa

import "errors"

// Solve failures. Returned errors wrap one of these; match with errors.Is.
var (
	// ErrInputLengthMismatch means the arrival-time and sensor counts differ.
	ErrInputLengthMismatch = errors.New("arrival time count does not match sensor count")

	// ErrInsufficientSensors means fewer than MinSensors were supplied.
	ErrInsufficientSensors = errors.New("insufficient sensors")

	// ErrDegenerateGeometry means an intermediate matrix was singular or
	// too ill-conditioned to invert, or no non-negative range fits the
	// measurements.
	ErrDegenerateGeometry = errors.New("degenerate sensor geometry")

	// ErrInvalidSpeed means the propagation speed was not positive and finite.
	ErrInvalidSpeed = errors.New("invalid propagation speed")

	// ErrInvalidInput means a position or arrival time was NaN or infinite.
	ErrInvalidInput = errors.New("non-finite input")
)
