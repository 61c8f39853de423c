// Package locator turns impulsive events heard by platform-mounted sensors
// into source position fixes.
package locator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-tdoa/internal/geom"
)

var (
	// ErrQueueFull is returned by Push when the queue buffer is full.
	ErrQueueFull = errors.New("event queue full")

	// ErrSourceClosed is returned once a source has been closed and drained.
	ErrSourceClosed = errors.New("event source closed")

	// ErrUnknownPlatform means an event names a platform the fleet does not have.
	ErrUnknownPlatform = errors.New("unknown platform")
)

// Event is one impulsive sound as heard by the sensors of Platforms.
// ArrivalTimes lists the sensors of each platform in platform order, the
// platforms in slice order. An empty Platforms means every fleet platform.
type Event struct {
	ID           string    `json:"id"`
	Source       string    `json:"source,omitempty"`
	Platforms    []string  `json:"platforms,omitempty"`
	ArrivalTimes []float64 `json:"arrival_times"`
	DetectedAt   time.Time `json:"detected_at"`

	// Truth is the actual source position, known only in simulation
	Truth *geom.Point3 `json:"truth,omitempty"`
}

// Source provides events
type Source interface {
	// Next blocks until an event is available or ctx is done
	Next(ctx context.Context) (Event, error)

	// Close releases the source; Next returns ErrSourceClosed afterwards
	Close() error

	// Healthy returns true if the source is operational
	Healthy() bool

	// Name returns the source type name
	Name() string
}

// QueueSource is a Source fed by Push, used for externally measured events.
type QueueSource struct {
	name string
	ch   chan Event

	mu     sync.RWMutex
	closed bool
}

// NewQueueSource creates a queue holding up to size pending events.
func NewQueueSource(name string, size int) *QueueSource {
	if size < 1 {
		size = 1
	}
	return &QueueSource{
		name: name,
		ch:   make(chan Event, size),
	}
}

// Push enqueues an event without blocking. Missing ID, Source and DetectedAt
// are filled in.
func (q *QueueSource) Push(ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Source == "" {
		ev.Source = q.name
	}
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = time.Now()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrSourceClosed
	}

	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Next implements Source. Events queued before Close are still delivered.
func (q *QueueSource) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-q.ch:
		if !ok {
			return Event{}, ErrSourceClosed
		}
		return ev, nil
	}
}

// Len returns the number of pending events.
func (q *QueueSource) Len() int {
	return len(q.ch)
}

// Close implements Source.
func (q *QueueSource) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

// Healthy implements Source.
func (q *QueueSource) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return !q.closed
}

// Name implements Source.
func (q *QueueSource) Name() string {
	return q.name
}

// MergedSource interleaves the events of several sources.
type MergedSource struct {
	sources []Source
	out     chan Event

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// retryDelay paces a pump whose source keeps failing.
const retryDelay = 100 * time.Millisecond

// Merge returns a source that yields events from all sources in arrival
// order. It is closed once every underlying source is.
func Merge(sources ...Source) *MergedSource {
	ctx, cancel := context.WithCancel(context.Background())
	return &MergedSource{
		sources: sources,
		out:     make(chan Event),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m *MergedSource) start() {
	m.once.Do(func() {
		for _, s := range m.sources {
			m.wg.Add(1)
			go m.pump(s)
		}
		go func() {
			m.wg.Wait()
			close(m.out)
		}()
	})
}

func (m *MergedSource) pump(s Source) {
	defer m.wg.Done()

	for {
		ev, err := s.Next(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return
			}
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		if ev.Source == "" {
			ev.Source = s.Name()
		}

		select {
		case m.out <- ev:
		case <-m.ctx.Done():
			return
		}
	}
}

// Next implements Source.
func (m *MergedSource) Next(ctx context.Context) (Event, error) {
	m.start()

	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-m.out:
		if !ok {
			return Event{}, ErrSourceClosed
		}
		return ev, nil
	}
}

// Close closes every underlying source and stops forwarding.
func (m *MergedSource) Close() error {
	m.cancel()

	var errs []error
	for _, s := range m.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	m.start()
	m.wg.Wait()
	return errors.Join(errs...)
}

// Healthy reports whether every underlying source is healthy.
func (m *MergedSource) Healthy() bool {
	for _, s := range m.sources {
		if !s.Healthy() {
			return false
		}
	}
	return true
}

// Name implements Source.
func (m *MergedSource) Name() string {
	names := make([]string, len(m.sources))
	for i, s := range m.sources {
		names[i] = s.Name()
	}
	return "merged(" + strings.Join(names, ",") + ")"
}
