// Package shipper is the producer-facing API: it accepts log lines from any
// goroutine, batches them in memory and ships them to the collector in the
// background.
//
// A Manager is an explicit service object. Create it with New, call
// Configure once the credentials are known, log from anywhere, and call
// Stop from the host's shutdown path so buffered lines are drained.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sofatutor/logshipper/internal/buffer"
	"github.com/sofatutor/logshipper/internal/clocksync"
	"github.com/sofatutor/logshipper/internal/flusher"
	"github.com/sofatutor/logshipper/internal/logentry"
	"github.com/sofatutor/logshipper/internal/metrics"
	"github.com/sofatutor/logshipper/internal/obfuscate"
	"github.com/sofatutor/logshipper/internal/region"
	"github.com/sofatutor/logshipper/internal/sender"
	"github.com/sofatutor/logshipper/internal/severity"
)

// Version is reported in the start-up message.
const Version = "1.0.0"

// ErrStopped is returned by Configure after Stop.
var ErrStopped = errors.New("shipper: manager is stopped")

// Config carries the identity and destination of a Manager.
type Config struct {
	PrivateKey      string
	ApplicationName string
	SubsystemName   string
	// Region is one of the supported codes. When empty the CORALOGIX_REGION
	// environment variable is used.
	Region string
	// IngressURL replaces the region endpoints with a custom base URL.
	IngressURL string
	// ComputerName defaults to the host name.
	ComputerName string
	SyncTime     bool
}

// Manager owns the buffer, the sender and the background flusher.
type Manager struct {
	opts    options
	logger  *zap.Logger
	metrics *metrics.Metrics
	mapper  *severity.Mapper
	buf     *buffer.Buffer
	time    *lazyTime
	// cycleMu is shared by every flusher of this Manager so a restarted
	// flusher and Flush callers cannot reorder batches.
	cycleMu sync.Mutex

	mu         sync.Mutex
	configured bool
	stopped    bool
	syncTime   bool
	endpoints  region.Endpoints
	sender     *sender.HTTPSender
	flusher    *flusher.Flusher
}

// New creates an unconfigured Manager. Lines logged before Configure are
// buffered and shipped once it is called.
func New(opts ...Option) *Manager {
	o := options{
		clock:    clock.RealClock{},
		pid:      os.Getpid,
		hostname: os.Hostname,
		mapper:   severity.DefaultMapper(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	m := &Manager{
		opts:    o,
		logger:  o.logger,
		metrics: metrics.New(o.registerer),
		mapper:  o.mapper,
		time:    &lazyTime{},
	}
	m.buf = buffer.New(
		buffer.WithLimits(o.maxBufferBytes, o.maxChunkBytes),
		buffer.WithClock(o.clock),
		buffer.WithTimeKeeper(m.time),
		buffer.WithPID(o.pid),
		buffer.WithRestartHook(m.restartFlusher),
		buffer.WithLogger(o.logger.Named("buffer")),
		buffer.WithMetrics(m.metrics),
	)
	return m
}

// Configure sets the identity and destination, queues the start-up message
// and starts shipping. Only the first successful call has an effect.
// Region problems are returned here, never at send time.
func (m *Manager) Configure(cfg Config) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.configured {
		m.mu.Unlock()
		return nil
	}

	endpoints, err := m.resolveEndpoints(cfg)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to configure shipper: %w", err)
	}

	snd, err := sender.New(sender.Options{
		LogURL:     endpoints.LogURL,
		TimeURL:    endpoints.TimeURL,
		PrivateKey: cfg.PrivateKey,
		Timeout:    m.opts.httpTimeout,
		Retries:    m.opts.retries,
		RetryDelay: m.opts.retryDelay,
		Compress:   m.opts.compress,
		Client:     m.opts.client,
		Clock:      m.opts.clock,
		Logger:     m.logger.Named("sender"),
		Metrics:    m.metrics,
	})
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to configure shipper: %w", err)
	}
	m.time.set(clocksync.New(snd,
		clocksync.WithInterval(m.opts.syncInterval),
		clocksync.WithClock(m.opts.clock),
		clocksync.WithLogger(m.logger.Named("clocksync")),
		clocksync.WithMetrics(m.metrics),
	))

	id := logentry.Identity{
		PrivateKey:      cfg.PrivateKey,
		ApplicationName: cfg.ApplicationName,
		SubsystemName:   cfg.SubsystemName,
		ComputerName:    m.computerName(cfg.ComputerName),
		Region:          endpoints.Region,
	}.WithDefaults()
	m.buf.Configure(id)

	m.endpoints = endpoints
	m.sender = snd
	m.syncTime = cfg.SyncTime
	m.configured = true
	m.flusher = m.newFlusher()
	f := m.flusher
	m.mu.Unlock()

	m.logger.Info("Configured shipper",
		zap.String("application", id.ApplicationName),
		zap.String("subsystem", id.SubsystemName),
		obfuscate.KeyField(cfg.PrivateKey),
		zap.String("log_url", endpoints.LogURL),
		zap.Bool("sync_time", cfg.SyncTime))

	m.buf.AddLine(fmt.Sprintf(
		"The Application Name %s and Subsystem Name %s from the Go SDK, version %s has started to send data",
		id.ApplicationName, id.SubsystemName, Version,
	), severity.Info, logentry.DefaultCategory, nil)
	f.Start()
	return nil
}

func (m *Manager) resolveEndpoints(cfg Config) (region.Endpoints, error) {
	if strings.TrimSpace(cfg.IngressURL) != "" {
		ep := region.ForBaseURL(cfg.IngressURL)
		if r, err := region.Normalize(cfg.Region); err == nil {
			ep.Region = r
		}
		return ep, nil
	}
	return region.Resolve(cfg.Region)
}

func (m *Manager) computerName(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if m.opts.hostname == nil {
		return ""
	}
	name, err := m.opts.hostname()
	if err != nil {
		m.logger.Debug("Failed to read host name", zap.Error(err))
		return ""
	}
	return name
}

// newFlusher builds a flusher over the current sender. Callers hold m.mu.
func (m *Manager) newFlusher() *flusher.Flusher {
	return flusher.New(m.buf, m.sender, flusher.Config{
		SyncTime:       m.syncTime,
		FastThreshold:  m.buf.MaxChunkBytes() / 2,
		FastInterval:   m.opts.fastInterval,
		NormalInterval: m.opts.normalInterval,
		Clock:          m.opts.clock,
		Logger:         m.logger.Named("flusher"),
		Guard:          &m.cycleMu,
	})
}

// restartFlusher replaces the flusher after the buffer detected a new
// process. The previous loop is signalled but not awaited.
func (m *Manager) restartFlusher() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.configured || m.stopped {
		return
	}
	m.logger.Info("Process changed, restarting flusher")
	old := m.flusher
	go func() { _ = old.Stop(context.Background()) }()
	m.flusher = m.newFlusher()
	m.flusher.Start()
}

// Configured reports whether Configure has succeeded.
func (m *Manager) Configured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configured
}

// Endpoints returns the resolved URLs, zero before Configure.
func (m *Manager) Endpoints() region.Endpoints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoints
}

// Metrics returns the pipeline instruments.
func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// Log enqueues one line. It never fails: lines that cannot be buffered are
// dropped and counted. Extra fields named text, timestamp, severity or
// category are overwritten by the line's own values.
func (m *Manager) Log(sev severity.Severity, message any, category string, fields map[string]any) {
	m.buf.AddLine(message, sev, category, fields)
}

// LogByName logs with a severity given by name, e.g. "warning". Unknown
// names return a *severity.UnknownSeverityError and nothing is logged.
func (m *Manager) LogByName(name string, message any, category string, fields map[string]any) error {
	sev, err := severity.Parse(name)
	if err != nil {
		m.logger.Error("Invalid severity name", zap.String("name", name))
		return err
	}
	m.Log(sev, message, category, fields)
	return nil
}

// LogLevel logs with a numeric level of a host logging framework (0, 10,
// 20...), translated by the Manager's mapper.
func (m *Manager) LogLevel(level int, message any, category string, fields map[string]any) {
	m.Log(m.mapper.Map(level), message, category, fields)
}

func (m *Manager) Debug(message any, fields map[string]any) {
	m.Log(severity.Debug, message, m.opts.category, fields)
}

func (m *Manager) Verbose(message any, fields map[string]any) {
	m.Log(severity.Verbose, message, m.opts.category, fields)
}

func (m *Manager) Info(message any, fields map[string]any) {
	m.Log(severity.Info, message, m.opts.category, fields)
}

func (m *Manager) Warning(message any, fields map[string]any) {
	m.Log(severity.Warning, message, m.opts.category, fields)
}

func (m *Manager) Error(message any, fields map[string]any) {
	m.Log(severity.Error, message, m.opts.category, fields)
}

func (m *Manager) Critical(message any, fields map[string]any) {
	m.Log(severity.Critical, message, m.opts.category, fields)
}

// Flush sends everything buffered at the time of the call on the calling
// goroutine, bypassing the schedule, in order with the background loop. It
// returns once those lines are sent or ctx is done. Before Configure it
// does nothing.
func (m *Manager) Flush(ctx context.Context) {
	m.mu.Lock()
	f := m.flusher
	m.mu.Unlock()
	if f == nil {
		return
	}
	m.logger.Debug("Flushing buffer")
	f.FlushAll(ctx)
}

// Stop drains the lines buffered when the loop observes it and terminates
// the background loop, waiting at most until ctx is done. Lines logged
// after that stay buffered. Later calls return immediately.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	f := m.flusher
	m.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Stop(ctx)
}

// lazyTime forwards to the clock syncer once Configure has created it.
type lazyTime struct {
	syncer atomic.Pointer[clocksync.Syncer]
}

func (l *lazyTime) set(s *clocksync.Syncer) {
	l.syncer.Store(s)
}

func (l *lazyTime) DeltaMillis() float64 {
	if s := l.syncer.Load(); s != nil {
		return s.DeltaMillis()
	}
	return 0
}

func (l *lazyTime) RefreshIfDue(ctx context.Context) bool {
	if s := l.syncer.Load(); s != nil {
		return s.RefreshIfDue(ctx)
	}
	return false
}
