package shipper

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sofatutor/logshipper/internal/severity"
)

type options struct {
	logger         *zap.Logger
	registerer     prometheus.Registerer
	client         *http.Client
	clock          clock.Clock
	pid            func() int
	hostname       func() (string, error)
	mapper         *severity.Mapper
	category       string
	retries        int
	retryDelay     time.Duration
	httpTimeout    time.Duration
	fastInterval   time.Duration
	normalInterval time.Duration
	syncInterval   time.Duration
	maxBufferBytes int
	maxChunkBytes  int
	compress       bool
}

// Option customizes a Manager.
type Option func(*options)

// WithLogger sets the logger for the shipper's own diagnostics. By default
// diagnostics are discarded.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the pipeline metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient sets the client used for batches and time sync.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithClock sets the clock used for timestamps, time sync and scheduling.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithPID sets the process id source used to detect a process change.
func WithPID(pid func() int) Option {
	return func(o *options) { o.pid = pid }
}

// WithHostname sets the computer name source.
func WithHostname(fn func() (string, error)) Option {
	return func(o *options) { o.hostname = fn }
}

// WithMapper sets the table used by LogLevel.
func WithMapper(m *severity.Mapper) Option {
	return func(o *options) { o.mapper = m }
}

// WithCategory sets the category of the severity helpers (Info, Error...).
func WithCategory(category string) Option {
	return func(o *options) { o.category = category }
}

// WithRetryPolicy sets the number of retries after the first attempt and
// the fixed delay between attempts.
func WithRetryPolicy(retries int, delay time.Duration) Option {
	return func(o *options) {
		o.retries = retries
		o.retryDelay = delay
	}
}

// WithHTTPTimeout bounds every HTTP call. It is clamped to 1-30s.
func WithHTTPTimeout(d time.Duration) Option {
	return func(o *options) { o.httpTimeout = d }
}

// WithIntervals sets the fast and normal flush intervals.
func WithIntervals(fast, normal time.Duration) Option {
	return func(o *options) {
		o.fastInterval = fast
		o.normalInterval = normal
	}
}

// WithSyncInterval sets the minimum time between clock refreshes.
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) { o.syncInterval = d }
}

// WithLimits overrides the buffer and chunk ceilings in bytes.
func WithLimits(maxBufferBytes, maxChunkBytes int) Option {
	return func(o *options) {
		o.maxBufferBytes = maxBufferBytes
		o.maxChunkBytes = maxChunkBytes
	}
}

// WithCompression gzips request bodies.
func WithCompression(enabled bool) Option {
	return func(o *options) { o.compress = enabled }
}
