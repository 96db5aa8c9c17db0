// Package flusher runs the background loop that cuts batches from the
// buffer and hands them to the sender.
package flusher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sofatutor/logshipper/internal/logentry"
)

const (
	// FastInterval is used while the buffer holds more than half a chunk.
	FastInterval = 100 * time.Millisecond
	// NormalInterval is the idle polling interval.
	NormalInterval = 500 * time.Millisecond
)

// Cutter is the buffer side of the loop.
type Cutter interface {
	CutBatch(ctx context.Context, doTimeSync bool) (*logentry.Bulk, bool)
	Size() int
	Len() int
}

// Sender delivers one batch. It must not return before the batch has been
// delivered or given up.
type Sender interface {
	SendBatch(ctx context.Context, bulk *logentry.Bulk)
}

// State is the lifecycle state of a Flusher.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the Flusher parameters.
type Config struct {
	// SyncTime enables clock refresh on every scheduled cut.
	SyncTime bool
	// FastThreshold is the buffered byte size above which FastInterval is
	// used. Typically half the chunk ceiling.
	FastThreshold  int
	FastInterval   time.Duration
	NormalInterval time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
	// Guard makes one cut and its send atomic. Flushers and FlushAll
	// callers sharing a buffer must share the Guard, otherwise batches can
	// be sent out of cut order. Defaults to a private mutex.
	Guard sync.Locker
}

// Flusher owns one background goroutine. Stop is cooperative: it is
// observed between iterations and while sleeping, never during a send.
type Flusher struct {
	cutter Cutter
	sender Sender
	cfg    Config
	logger *zap.Logger

	state     atomic.Int32
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// New creates an idle Flusher.
func New(cutter Cutter, sender Sender, cfg Config) *Flusher {
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = FastInterval
	}
	if cfg.NormalInterval <= 0 {
		cfg.NormalInterval = NormalInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Guard == nil {
		cfg.Guard = &sync.Mutex{}
	}
	return &Flusher{
		cutter: cutter,
		sender: sender,
		cfg:    cfg,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (f *Flusher) State() State {
	return State(f.state.Load())
}

// Start launches the loop. Calling it more than once has no effect.
func (f *Flusher) Start() {
	f.startOnce.Do(func() {
		f.state.Store(int32(Running))
		f.logger.Debug("Starting flusher")
		go f.run()
	})
}

// Stop asks the loop to drain and waits for it to finish or for ctx to be
// done. A Flusher that was never started terminates immediately.
func (f *Flusher) Stop(ctx context.Context) error {
	f.startOnce.Do(func() {
		f.state.Store(int32(Terminated))
		close(f.done)
	})
	f.stopOnce.Do(func() {
		f.logger.Debug("Stopping flusher")
		close(f.stopCh)
	})
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flusher did not finish draining: %w", ctx.Err())
	}
}

// Done is closed once the loop has terminated.
func (f *Flusher) Done() <-chan struct{} {
	return f.done
}

// FlushAll cuts and sends synchronously the entries buffered when it was
// called, or until ctx is done. Lines added meanwhile are left for the
// loop. It does not refresh the clock.
func (f *Flusher) FlushAll(ctx context.Context) {
	f.sendBuffered(ctx)
}

func (f *Flusher) run() {
	defer close(f.done)
	defer f.state.Store(int32(Terminated))

	ctx := context.Background()
	for {
		select {
		case <-f.stopCh:
			f.drain(ctx)
			return
		default:
		}

		f.cycle(ctx, f.cfg.SyncTime)

		interval := f.cfg.NormalInterval
		if f.cutter.Size() > f.cfg.FastThreshold {
			interval = f.cfg.FastInterval
		}
		timer := f.cfg.Clock.NewTimer(interval)
		select {
		case <-f.stopCh:
			timer.Stop()
			f.drain(ctx)
			return
		case <-timer.C():
		}
	}
}

// drain is the final flush. It is bounded by what was buffered when stop
// was observed, so producers that keep logging cannot hold it open.
func (f *Flusher) drain(ctx context.Context) {
	f.state.Store(int32(Draining))
	f.logger.Debug("Draining buffer", zap.Int("entries", f.cutter.Len()))
	f.sendBuffered(ctx)
}

func (f *Flusher) sendBuffered(ctx context.Context) {
	remaining := f.cutter.Len()
	for remaining > 0 && ctx.Err() == nil {
		n := f.cycle(ctx, false)
		if n == 0 {
			return
		}
		remaining -= n
	}
}

// cycle performs one cut and send under the guard and returns the number
// of entries sent. A recovered panic counts as nothing sent.
func (f *Flusher) cycle(ctx context.Context, doTimeSync bool) (sent int) {
	f.cfg.Guard.Lock()
	defer f.cfg.Guard.Unlock()
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Recovered panic in flush cycle", zap.Any("panic", r))
			sent = 0
		}
	}()

	bulk, ok := f.cutter.CutBatch(ctx, doTimeSync)
	if !ok || bulk.Len() == 0 {
		return 0
	}
	f.sender.SendBatch(ctx, bulk)
	return bulk.Len()
}
