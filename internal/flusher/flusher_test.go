package flusher

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sofatutor/logshipper/internal/logentry"
)

// fakeBuffer hands out one queued text per cut.
type fakeBuffer struct {
	mu        sync.Mutex
	queue     []string
	size      int
	cuts      int
	syncCuts  int
	panicNext bool
}

func (b *fakeBuffer) push(texts ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, texts...)
}

func (b *fakeBuffer) CutBatch(ctx context.Context, doTimeSync bool) (*logentry.Bulk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cuts++
	if doTimeSync {
		b.syncCuts++
	}
	if b.panicNext {
		b.panicNext = false
		panic("cut failed")
	}
	if len(b.queue) == 0 {
		return nil, false
	}
	text := b.queue[0]
	b.queue = b.queue[1:]
	return &logentry.Bulk{Entries: []logentry.LogLine{{Text: text}}}, true
}

func (b *fakeBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *fakeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *fakeBuffer) cutCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cuts
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSender) SendBatch(ctx context.Context, bulk *logentry.Bulk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range bulk.Entries {
		s.sent = append(s.sent, l.Text)
	}
}

func (s *fakeSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestFlusher_SendsOnSchedule(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	buf := &fakeBuffer{}
	snd := &fakeSender{}
	f := New(buf, snd, Config{SyncTime: true, FastThreshold: 100, Clock: clk})

	buf.push("first")
	f.Start()
	assert.Equal(t, Running, f.State())

	require.Eventually(t, func() bool { return clk.HasWaiters() }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"first"}, snd.texts())

	buf.push("second")
	clk.Step(NormalInterval - time.Millisecond)
	assert.Equal(t, 1, buf.cutCount())

	clk.Step(time.Millisecond)
	require.Eventually(t, func() bool { return len(snd.texts()) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, f.Stop(context.Background()))
	buf.mu.Lock()
	assert.GreaterOrEqual(t, buf.syncCuts, 2)
	buf.mu.Unlock()
}

func TestFlusher_FastIntervalWhenBacklogged(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	buf := &fakeBuffer{size: 1000}
	f := New(buf, &fakeSender{}, Config{FastThreshold: 500, Clock: clk})
	f.Start()
	defer func() { _ = f.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return clk.HasWaiters() }, time.Second, time.Millisecond)
	require.Equal(t, 1, buf.cutCount())

	clk.Step(FastInterval)
	require.Eventually(t, func() bool { return buf.cutCount() == 2 }, time.Second, time.Millisecond)
}

func TestFlusher_StopDrainsExactlyOnce(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	buf := &fakeBuffer{}
	snd := &fakeSender{}
	f := New(buf, snd, Config{SyncTime: true, Clock: clk})
	f.Start()
	require.Eventually(t, func() bool { return clk.HasWaiters() }, time.Second, time.Millisecond)

	buf.push("a", "b", "c")
	require.NoError(t, f.Stop(context.Background()))
	assert.Equal(t, Terminated, f.State())
	assert.Equal(t, []string{"a", "b", "c"}, snd.texts())

	cuts := buf.cutCount()
	buf.push("late")
	clk.Step(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, cuts, buf.cutCount(), "no cycles after termination")
	assert.Equal(t, []string{"a", "b", "c"}, snd.texts())

	// Stop is idempotent.
	require.NoError(t, f.Stop(context.Background()))
	buf.mu.Lock()
	assert.Equal(t, 1, buf.syncCuts, "drain does not refresh the clock")
	buf.mu.Unlock()
}

func TestFlusher_StopWithoutStart(t *testing.T) {
	f := New(&fakeBuffer{}, &fakeSender{}, Config{})
	require.NoError(t, f.Stop(context.Background()))
	assert.Equal(t, Terminated, f.State())
	f.Start()
	assert.Equal(t, Terminated, f.State())
}

func TestFlusher_StopHonorsContext(t *testing.T) {
	block := make(chan struct{})
	buf := &fakeBuffer{}
	buf.push("stuck")
	snd := blockingSender{release: block}
	f := New(buf, snd, Config{Clock: clocktesting.NewFakeClock(time.Now())})
	f.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	<-f.Done()
}

type blockingSender struct{ release chan struct{} }

func (s blockingSender) SendBatch(ctx context.Context, bulk *logentry.Bulk) { <-s.release }

func TestFlusher_RecoversPanics(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	clk := clocktesting.NewFakeClock(time.Now())
	buf := &fakeBuffer{panicNext: true}
	snd := &fakeSender{}
	f := New(buf, snd, Config{Clock: clk, Logger: zap.New(core)})
	f.Start()

	require.Eventually(t, func() bool { return clk.HasWaiters() }, time.Second, time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("Recovered panic in flush cycle").Len())
	assert.Equal(t, Running, f.State())

	buf.push("after panic")
	clk.Step(NormalInterval)
	require.Eventually(t, func() bool { return len(snd.texts()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, f.Stop(context.Background()))
}

func TestFlushAll(t *testing.T) {
	buf := &fakeBuffer{}
	buf.push("x", "y")
	snd := &fakeSender{}
	f := New(buf, snd, Config{})
	f.FlushAll(context.Background())
	assert.Equal(t, []string{"x", "y"}, snd.texts())
	assert.Equal(t, Idle, f.State())
}

func TestFlusher_StopWithLiveProducer(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	buf := &fakeBuffer{}
	snd := &fakeSender{}
	f := New(buf, snd, Config{Clock: clk})
	f.Start()
	require.Eventually(t, func() bool { return clk.HasWaiters() }, time.Second, time.Millisecond)

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-quit:
				return
			default:
			}
			buf.push(strconv.Itoa(i))
			time.Sleep(50 * time.Microsecond)
		}
	}()
	defer func() {
		close(quit)
		wg.Wait()
	}()

	require.Eventually(t, func() bool { return buf.Len() > 10 }, time.Second, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Stop(ctx))
	assert.Equal(t, Terminated, f.State())

	sent := len(snd.texts())
	assert.Greater(t, sent, 10)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, sent, len(snd.texts()), "no sends after termination")
}

// yieldingSender gives other goroutines a chance to run mid-send.
type yieldingSender struct{ fakeSender }

func (s *yieldingSender) SendBatch(ctx context.Context, bulk *logentry.Bulk) {
	runtime.Gosched()
	s.fakeSender.SendBatch(ctx, bulk)
}

func TestFlusher_ConcurrentFlushesKeepOrder(t *testing.T) {
	const n = 2000
	buf := &fakeBuffer{}
	want := make([]string, n)
	for i := range want {
		want[i] = strconv.Itoa(i)
	}
	buf.push(want...)

	snd := &yieldingSender{}
	guard := &sync.Mutex{}
	cfg := Config{FastInterval: time.Millisecond, NormalInterval: time.Millisecond, Guard: guard}
	first := New(buf, snd, cfg)
	second := New(buf, snd, cfg)
	first.Start()
	second.Start()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for buf.Len() > 0 {
				first.FlushAll(context.Background())
			}
		}()
	}
	wg.Wait()
	require.NoError(t, first.Stop(context.Background()))
	require.NoError(t, second.Stop(context.Background()))

	assert.Equal(t, want, snd.texts())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "state(9)", State(9).String())
}
