// Package clocksync keeps the offset between the local clock and the
// collector clock.
package clocksync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sofatutor/logshipper/internal/metrics"
)

// DefaultInterval is the minimum time between two sync attempts.
const DefaultInterval = 5 * time.Minute

// TimeSource reports the collector offset in milliseconds.
type TimeSource interface {
	SyncTime(ctx context.Context) (ok bool, deltaMillis float64)
}

// Syncer refreshes the time delta at most once per interval. A failed
// refresh keeps the previous delta.
type Syncer struct {
	source   TimeSource
	clock    clock.PassiveClock
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	delta    float64
	lastSync time.Time
	// attempting is set while a refresh is in flight so concurrent callers
	// do not issue a second request.
	attempting bool
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithInterval sets the refresh interval.
func WithInterval(d time.Duration) Option {
	return func(s *Syncer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock sets the clock used to decide when a refresh is due.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Syncer) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records sync results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// New creates a Syncer. The first RefreshIfDue call always attempts a sync.
func New(source TimeSource, opts ...Option) *Syncer {
	s := &Syncer{
		source:   source,
		clock:    clock.RealClock{},
		interval: DefaultInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DeltaMillis returns the current offset to add to local timestamps.
func (s *Syncer) DeltaMillis() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delta
}

// LastSync returns the time of the last successful sync, zero if none.
func (s *Syncer) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// RefreshIfDue queries the source when the interval has elapsed since the
// last successful sync. It reports whether a sync was attempted.
func (s *Syncer) RefreshIfDue(ctx context.Context) bool {
	if s.source == nil {
		return false
	}
	now := s.clock.Now()

	s.mu.Lock()
	if s.attempting || (!s.lastSync.IsZero() && now.Sub(s.lastSync) < s.interval) {
		s.mu.Unlock()
		return false
	}
	s.attempting = true
	s.mu.Unlock()

	ok, delta := s.source.SyncTime(ctx)
	s.metrics.TimeSync(ok, delta)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempting = false
	if !ok {
		s.logger.Debug("Time sync failed, keeping previous delta", zap.Float64("delta_ms", s.delta))
		return true
	}
	s.delta = delta
	s.lastSync = s.clock.Now()
	return true
}
