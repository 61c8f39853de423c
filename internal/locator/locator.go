package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/teslashibe/go-tdoa/internal/geom"
	"github.com/teslashibe/go-tdoa/internal/metrics"
	"github.com/teslashibe/go-tdoa/internal/sensor"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

// Fix is a solved source position for one event.
type Fix struct {
	ID        string      `json:"id"`
	EventID   string      `json:"event_id"`
	Position  geom.Point3 `json:"position"`
	Reference int         `json:"reference"`
	Range     float64     `json:"range"`
	Method    tdoa.Method `json:"method"`
	Residual  float64     `json:"residual"`

	// ErrorMeters is the distance to the true source, when known
	ErrorMeters *float64 `json:"error_m,omitempty"`

	SolvedAt  time.Time `json:"solved_at"`
	LatencyMs float64   `json:"latency_ms"`
}

// Fleet resolves platform definitions and their current origins.
type Fleet interface {
	sensor.PositionProvider

	// Platform returns the named platform definition
	Platform(name string) (sensor.Platform, bool)

	// Platforms returns every platform in a stable order
	Platforms() []sensor.Platform
}

// MotionSink accepts platform move requests.
type MotionSink interface {
	MoveTo(ctx context.Context, platform string, target geom.Point3) error
}

// MotionSinks fans a move request out to several sinks.
type MotionSinks []MotionSink

// MoveTo implements MotionSink. Every sink is tried; errors are joined.
func (m MotionSinks) MoveTo(ctx context.Context, platform string, target geom.Point3) error {
	var errs []error
	for _, s := range m {
		if err := s.MoveTo(ctx, platform, target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FixStore persists fixes.
type FixStore interface {
	Insert(ctx context.Context, fix Fix) error
}

// Config configures the locator
type Config struct {
	Solver      tdoa.Solver
	HistorySize int

	// Follower is moved to each fix plus ApproachOffset; empty disables
	Follower       string
	ApproachOffset geom.Point3
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Solver:         tdoa.New(tdoa.DefaultSpeedOfSound),
		HistorySize:    100,
		ApproachOffset: geom.P(0, 0, -20),
	}
}

// Option configures optional collaborators.
type Option func(*Locator)

// WithStore persists every fix.
func WithStore(s FixStore) Option {
	return func(l *Locator) { l.store = s }
}

// WithMotion sends the follower toward every fix.
func WithMotion(m MotionSink) Option {
	return func(l *Locator) { l.motion = m }
}

// WithMetrics records event and solve metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Locator) { l.metrics = c }
}

// Locator pulls events from a source and solves them against the fleet.
type Locator struct {
	source Source
	fleet  Fleet
	cfg    Config
	logger *slog.Logger

	store   FixStore
	motion  MotionSink
	metrics *metrics.Collector

	mu      sync.RWMutex
	latest  Fix
	hasFix  bool
	history []Fix

	events       atomic.Int64
	fixes        atomic.Int64
	solveErrors  atomic.Int64
	sourceErrors atomic.Int64
	totalSolveNs atomic.Int64

	// Lifecycle
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	subsMu sync.RWMutex
	subs   map[chan Fix]struct{}
}

// New creates a locator
func New(source Source, fleet Fleet, cfg Config, logger *slog.Logger, opts ...Option) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}

	l := &Locator{
		source:  source,
		fleet:   fleet,
		cfg:     cfg,
		logger:  logger,
		history: make([]Fix, 0, cfg.HistorySize),
		done:    make(chan struct{}),
		subs:    make(map[chan Fix]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run pulls and solves events until ctx is done or the source is closed
// (blocking, use goroutine). Solve failures are logged and skipped.
func (l *Locator) Run(ctx context.Context) error {
	l.runMu.Lock()
	ctx, l.cancel = context.WithCancel(ctx)
	l.runMu.Unlock()
	defer close(l.done)

	l.logger.Info("locator started",
		"source", l.source.Name(),
		"speed", l.cfg.Solver.Speed,
		"follower", l.cfg.Follower,
	)

	for {
		ev, err := l.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("locator stopped",
					"events", l.events.Load(),
					"fixes", l.fixes.Load(),
					"errors", l.solveErrors.Load(),
				)
				return ctx.Err()
			}
			if errors.Is(err, ErrSourceClosed) {
				l.logger.Info("event source closed", "source", l.source.Name())
				return nil
			}

			l.sourceErrors.Add(1)
			l.logger.Warn("event source failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(retryDelay):
			}
			continue
		}

		if _, err := l.SolveOnce(ctx, ev); err != nil {
			l.logger.Warn("solve failed",
				"event_id", ev.ID,
				"source", ev.Source,
				"error", err,
			)
		}
	}
}

// SolveOnce solves a single event synchronously and publishes the fix.
func (l *Locator) SolveOnce(ctx context.Context, ev Event) (Fix, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	l.events.Add(1)
	l.metrics.EventReceived(ev.Source)

	start := time.Now()
	sol, err := l.solve(ctx, ev)
	elapsed := time.Since(start)

	l.metrics.SolveFinished(err, elapsed)
	if err != nil {
		l.solveErrors.Add(1)
		return Fix{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}

	l.fixes.Add(1)
	l.totalSolveNs.Add(elapsed.Nanoseconds())

	fix := Fix{
		ID:        uuid.NewString(),
		EventID:   ev.ID,
		Position:  sol.Position,
		Reference: sol.Reference,
		Range:     sol.Range,
		Method:    sol.Method,
		Residual:  sol.Residual,
		SolvedAt:  time.Now(),
		LatencyMs: float64(elapsed.Microseconds()) / 1000,
	}
	if ev.Truth != nil {
		e := ev.Truth.Distance(sol.Position)
		fix.ErrorMeters = &e
		l.metrics.FixErrorObserved(e)
	}

	l.record(fix)
	l.notifySubscribers(fix)

	l.logger.Debug("fix",
		"event_id", ev.ID,
		"position", fix.Position.String(),
		"method", fix.Method,
		"reference", fix.Reference,
		"residual", fix.Residual,
		"latency_ms", fix.LatencyMs,
	)

	if l.store != nil {
		if err := l.store.Insert(ctx, fix); err != nil {
			l.logger.Warn("failed to store fix", "fix_id", fix.ID, "error", err)
		}
	}

	if l.motion != nil && l.cfg.Follower != "" {
		target := fix.Position.Add(l.cfg.ApproachOffset)
		if err := l.motion.MoveTo(ctx, l.cfg.Follower, target); err != nil {
			l.logger.Warn("failed to move follower",
				"platform", l.cfg.Follower,
				"target", target.String(),
				"error", err,
			)
		}
	}

	return fix, nil
}

func (l *Locator) solve(ctx context.Context, ev Event) (tdoa.Solution, error) {
	platforms, err := l.platforms(ev.Platforms)
	if err != nil {
		return tdoa.Solution{}, err
	}

	arr, err := sensor.Assemble(ctx, l.fleet, platforms...)
	if err != nil {
		return tdoa.Solution{}, err
	}

	return l.cfg.Solver.SolveArray(arr, ev.ArrivalTimes)
}

func (l *Locator) platforms(names []string) ([]sensor.Platform, error) {
	if len(names) == 0 {
		return l.fleet.Platforms(), nil
	}

	out := make([]sensor.Platform, 0, len(names))
	for _, name := range names {
		p, ok := l.fleet.Platform(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, name)
		}
		out = append(out, p)
	}
	return out, nil
}

func (l *Locator) record(fix Fix) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.latest = fix
	l.hasFix = true

	l.history = append(l.history, fix)
	if len(l.history) > l.cfg.HistorySize {
		copy(l.history, l.history[1:])
		l.history = l.history[:l.cfg.HistorySize]
	}
}

func (l *Locator) notifySubscribers(fix Fix) {
	l.subsMu.RLock()
	defer l.subsMu.RUnlock()

	for ch := range l.subs {
		select {
		case ch <- fix:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives every new fix
func (l *Locator) Subscribe() chan Fix {
	ch := make(chan Fix, 10)

	l.subsMu.Lock()
	l.subs[ch] = struct{}{}
	n := len(l.subs)
	l.subsMu.Unlock()

	l.metrics.SetSubscribers(n)
	return ch
}

// Unsubscribe removes a subscriber
func (l *Locator) Unsubscribe(ch chan Fix) {
	l.subsMu.Lock()
	if _, exists := l.subs[ch]; exists {
		delete(l.subs, ch)
		close(ch)
	}
	n := len(l.subs)
	l.subsMu.Unlock()

	l.metrics.SetSubscribers(n)
}

// Latest returns the most recent fix, if any
func (l *Locator) Latest() (Fix, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latest, l.hasFix
}

// History returns up to limit fixes, newest first. A non-positive limit
// returns all retained fixes.
func (l *Locator) History(limit int) []Fix {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.history)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Fix, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.history[i])
	}
	return out
}

// Stats contains locator statistics
type Stats struct {
	Events          int64      `json:"events"`
	Fixes           int64      `json:"fixes"`
	SolveErrors     int64      `json:"solve_errors"`
	SourceErrors    int64      `json:"source_errors"`
	AvgSolveMs      float64    `json:"avg_solve_ms"`
	HistorySize     int        `json:"history_size"`
	SubscriberCount int        `json:"subscriber_count"`
	Source          string     `json:"source"`
	SourceHealthy   bool       `json:"source_healthy"`
	LastFixAt       *time.Time `json:"last_fix_at,omitempty"`

	// MeanErrorM averages ErrorMeters over retained fixes that carry one
	MeanErrorM *float64 `json:"mean_error_m,omitempty"`
}

// Stats returns locator statistics
func (l *Locator) Stats() Stats {
	fixes := l.fixes.Load()

	avg := float64(0)
	if fixes > 0 {
		avg = float64(l.totalSolveNs.Load()) / float64(fixes) / 1e6
	}

	l.mu.RLock()
	historySize := len(l.history)
	var last *time.Time
	if l.hasFix {
		at := l.latest.SolvedAt
		last = &at
	}
	var errs []float64
	for _, f := range l.history {
		if f.ErrorMeters != nil {
			errs = append(errs, *f.ErrorMeters)
		}
	}
	l.mu.RUnlock()

	var meanErr *float64
	if len(errs) > 0 {
		m := stat.Mean(errs, nil)
		meanErr = &m
	}

	l.subsMu.RLock()
	subs := len(l.subs)
	l.subsMu.RUnlock()

	return Stats{
		Events:          l.events.Load(),
		Fixes:           fixes,
		SolveErrors:     l.solveErrors.Load(),
		SourceErrors:    l.sourceErrors.Load(),
		AvgSolveMs:      avg,
		HistorySize:     historySize,
		SubscriberCount: subs,
		Source:          l.source.Name(),
		SourceHealthy:   l.source.Healthy(),
		LastFixAt:       last,
		MeanErrorM:      meanErr,
	}
}

// Stop stops the locator gracefully
func (l *Locator) Stop() {
	l.runMu.Lock()
	cancel := l.cancel
	l.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-l.done
	}

	l.subsMu.Lock()
	for ch := range l.subs {
		close(ch)
		delete(l.subs, ch)
	}
	l.subsMu.Unlock()

	l.metrics.SetSubscribers(0)
}
