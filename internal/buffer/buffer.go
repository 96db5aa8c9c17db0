// Package buffer implements the in-memory ingest queue shared by producers
// and the background flusher.
//
// Every accepted line caches its serialized size, so the byte accounting
// stays exact across cuts: the size of the JSON array holding the first n
// entries is 2 + sum(sizes) + (n-1).
package buffer

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sofatutor/logshipper/internal/logentry"
	"github.com/sofatutor/logshipper/internal/metrics"
	"github.com/sofatutor/logshipper/internal/severity"
)

const (
	// DefaultMaxBufferBytes is the buffered byte size at which new lines are
	// rejected.
	DefaultMaxBufferBytes = 12 * 1024 * 1024
	// DefaultMaxChunkBytes caps the serialized size of one batch and of one
	// entry.
	DefaultMaxChunkBytes = 1536 * 1024
)

// TimeKeeper supplies the collector clock offset and refreshes it.
type TimeKeeper interface {
	DeltaMillis() float64
	RefreshIfDue(ctx context.Context) bool
}

type entry struct {
	line logentry.LogLine
	size int
}

// Buffer is a FIFO of log lines guarded by a single mutex. It never holds
// the mutex across network I/O.
type Buffer struct {
	maxBufferBytes int
	maxChunkBytes  int

	clock   clock.PassiveClock
	time    TimeKeeper
	pid     func() int
	restart func()
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	entries    []entry
	byteSize   int
	configured bool
	template   logentry.Identity
	ownerPID   int
}

// Option customizes a Buffer.
type Option func(*Buffer)

// WithLimits overrides the buffer and chunk ceilings.
func WithLimits(maxBufferBytes, maxChunkBytes int) Option {
	return func(b *Buffer) {
		if maxBufferBytes > 0 {
			b.maxBufferBytes = maxBufferBytes
		}
		if maxChunkBytes > 0 {
			b.maxChunkBytes = maxChunkBytes
		}
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(b *Buffer) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithTimeKeeper sets the source of the time delta.
func WithTimeKeeper(tk TimeKeeper) Option {
	return func(b *Buffer) { b.time = tk }
}

// WithPID sets the function that reports the current process id.
func WithPID(pid func() int) Option {
	return func(b *Buffer) {
		if pid != nil {
			b.pid = pid
		}
	}
}

// WithRestartHook registers fn to run after the buffer detects it is
// running in a new process and has reset its state.
func WithRestartHook(fn func()) Option {
	return func(b *Buffer) { b.restart = fn }
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records accepted and dropped lines.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// New creates an empty, unconfigured Buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		maxBufferBytes: DefaultMaxBufferBytes,
		maxChunkBytes:  DefaultMaxChunkBytes,
		clock:          clock.RealClock{},
		pid:            os.Getpid,
		logger:         zap.NewNop(),
		template:       logentry.Identity{}.WithDefaults(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ownerPID = b.pid()
	return b
}

// MaxChunkBytes returns the configured chunk ceiling.
func (b *Buffer) MaxChunkBytes() int {
	return b.maxChunkBytes
}

// Configure installs the identity stamped on every cut batch and enables
// cutting.
func (b *Buffer) Configure(id logentry.Identity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.template = id.WithDefaults()
	b.configured = true
}

// Configured reports whether Configure has been called.
func (b *Buffer) Configured() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.configured
}

// Size returns the buffered byte size.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byteSize
}

// Len returns the number of buffered lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// AddLine normalizes and enqueues one line. Lines are dropped, never
// returned as errors, when the buffer is full or the line alone exceeds the
// chunk ceiling.
func (b *Buffer) AddLine(message any, sev severity.Severity, category string, fields map[string]any) {
	restarted := b.add(message, sev, category, fields)
	if restarted && b.restart != nil {
		b.restart()
	}
}

func (b *Buffer) add(message any, sev severity.Severity, category string, fields map[string]any) (restarted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pid := b.pid(); pid != b.ownerPID {
		b.logger.Debug("Process changed, resetting buffer",
			zap.Int("old_pid", b.ownerPID),
			zap.Int("pid", pid))
		b.entries = nil
		b.byteSize = 0
		b.ownerPID = pid
		restarted = true
	}

	if b.byteSize >= b.maxBufferBytes {
		b.logger.Debug("Buffer full, dropping line",
			zap.Int("buffer_bytes", b.byteSize),
			zap.Int("max_buffer_bytes", b.maxBufferBytes))
		b.metrics.Dropped(metrics.ReasonOverflow, 1)
		return restarted
	}

	line := logentry.LogLine{
		Text:            logentry.MessageText(message),
		TimestampMillis: b.nowMillis(),
		Severity:        sev.Normalize(),
		Category:        logentry.Category(category),
		Fields:          copyFields(fields),
	}
	data, err := json.Marshal(line)
	if err != nil {
		b.logger.Warn("Failed to encode log line, dropping", zap.Error(err))
		b.metrics.Dropped(metrics.ReasonEncoding, 1)
		return restarted
	}
	if len(data) >= b.maxChunkBytes {
		b.logger.Warn("Log line too big, dropping",
			zap.Int("size", len(data)),
			zap.Int("max_chunk_bytes", b.maxChunkBytes))
		b.metrics.Dropped(metrics.ReasonOversize, 1)
		return restarted
	}

	b.entries = append(b.entries, entry{line: line, size: len(data)})
	b.byteSize += len(data)
	b.metrics.Accepted()
	b.metrics.SetBuffered(b.byteSize)
	return restarted
}

func (b *Buffer) nowMillis() float64 {
	ms := float64(b.clock.Now().UnixNano()) / 1e6
	if b.time != nil {
		ms += b.time.DeltaMillis()
	}
	return ms
}

func copyFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// CutBatch removes the longest FIFO prefix whose JSON array fits the chunk
// ceiling, halving from the whole buffer, and returns it with the current
// identity. A single entry is always taken. ok is false when nothing was
// cut. With doTimeSync the clock offset is refreshed first, outside the
// buffer lock.
func (b *Buffer) CutBatch(ctx context.Context, doTimeSync bool) (bulk *logentry.Bulk, ok bool) {
	if !b.Configured() {
		return nil, false
	}
	if doTimeSync && b.time != nil {
		b.time.RefreshIfDue(ctx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.entries)
	if size == 0 {
		return nil, false
	}
	for size > 1 && b.arrayBytes(size) > b.maxChunkBytes {
		size /= 2
	}
	if size < 1 {
		size = 1
	}

	removed := 0
	lines := make([]logentry.LogLine, size)
	for i := 0; i < size; i++ {
		lines[i] = b.entries[i].line
		removed += b.entries[i].size
	}
	rest := make([]entry, len(b.entries)-size)
	copy(rest, b.entries[size:])
	b.entries = rest

	b.byteSize -= removed
	if b.byteSize < 0 {
		b.byteSize = 0
	}
	b.metrics.SetBuffered(b.byteSize)
	b.logger.Debug("Cut batch",
		zap.Int("batch_size", size),
		zap.Int("remaining", len(b.entries)),
		zap.Int("buffer_bytes", b.byteSize))

	return &logentry.Bulk{Identity: b.template, Entries: lines}, true
}

// arrayBytes is the serialized size of a JSON array of the first n entries.
// Callers hold b.mu.
func (b *Buffer) arrayBytes(n int) int {
	total := 2 + n - 1
	for i := 0; i < n; i++ {
		total += b.entries[i].size
	}
	return total
}
