package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sofatutor/logshipper/internal/logentry"
	"github.com/sofatutor/logshipper/internal/metrics"
	"github.com/sofatutor/logshipper/internal/severity"
)

var testNow = time.UnixMilli(1_700_000_000_000)

type fakeTimeKeeper struct {
	delta     float64
	refreshes int32
}

func (f *fakeTimeKeeper) DeltaMillis() float64 { return f.delta }

func (f *fakeTimeKeeper) RefreshIfDue(ctx context.Context) bool {
	atomic.AddInt32(&f.refreshes, 1)
	return true
}

func newTestBuffer(opts ...Option) *Buffer {
	opts = append([]Option{WithClock(clocktesting.NewFakePassiveClock(testNow))}, opts...)
	return New(opts...)
}

func drain(t *testing.T, b *Buffer) []*logentry.Bulk {
	t.Helper()
	var out []*logentry.Bulk
	for i := 0; i < 10_000; i++ {
		bulk, ok := b.CutBatch(context.Background(), false)
		if !ok {
			return out
		}
		out = append(out, bulk)
	}
	t.Fatal("buffer did not drain")
	return nil
}

func TestAddLine_Normalizes(t *testing.T) {
	tk := &fakeTimeKeeper{delta: 500}
	b := newTestBuffer(WithTimeKeeper(tk))
	b.Configure(logentry.Identity{PrivateKey: "k", ApplicationName: "app"})

	b.AddLine("  ", severity.Severity(99), " ", map[string]any{"threadId": 7})
	bulk, ok := b.CutBatch(context.Background(), false)
	require.True(t, ok)
	require.Equal(t, 1, bulk.Len())

	line := bulk.Entries[0]
	assert.Equal(t, logentry.EmptyMessage, line.Text)
	assert.Equal(t, severity.Debug, line.Severity)
	assert.Equal(t, logentry.DefaultCategory, line.Category)
	assert.Equal(t, 7, line.Fields["threadId"])
	assert.InDelta(t, float64(testNow.UnixMilli())+500, line.TimestampMillis, 0.001)

	assert.Equal(t, "app", bulk.Identity.ApplicationName)
	assert.Equal(t, logentry.NoSubsystem, bulk.Identity.SubsystemName)
	assert.Equal(t, int32(0), atomic.LoadInt32(&tk.refreshes))
}

func TestAddLine_CopiesFields(t *testing.T) {
	b := newTestBuffer()
	b.Configure(logentry.Identity{})
	fields := map[string]any{"k": "v"}
	b.AddLine("msg", severity.Info, "c", fields)
	fields["k"] = "changed"

	bulk, ok := b.CutBatch(context.Background(), false)
	require.True(t, ok)
	assert.Equal(t, "v", bulk.Entries[0].Fields["k"])
}

func TestCutBatch_NotConfigured(t *testing.T) {
	tk := &fakeTimeKeeper{}
	b := newTestBuffer(WithTimeKeeper(tk))
	b.AddLine("queued", severity.Info, "", nil)

	bulk, ok := b.CutBatch(context.Background(), true)
	assert.False(t, ok)
	assert.Nil(t, bulk)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, int32(0), atomic.LoadInt32(&tk.refreshes))

	b.Configure(logentry.Identity{})
	assert.True(t, b.Configured())
	_, ok = b.CutBatch(context.Background(), true)
	assert.True(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tk.refreshes))
}

func TestCutBatch_Empty(t *testing.T) {
	b := newTestBuffer()
	b.Configure(logentry.Identity{})
	bulk, ok := b.CutBatch(context.Background(), false)
	assert.False(t, ok)
	assert.Equal(t, 0, bulk.Len())
}

func TestFIFOUnderConcurrentWriters(t *testing.T) {
	b := New()
	b.Configure(logentry.Identity{})

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				b.AddLine(fmt.Sprintf("%d-%d", w, i), severity.Info, "", nil)
			}
		}(w)
	}
	wg.Wait()

	next := make([]int, writers)
	total := 0
	for _, bulk := range drain(t, b) {
		for _, line := range bulk.Entries {
			var w, i int
			_, err := fmt.Sscanf(line.Text, "%d-%d", &w, &i)
			require.NoError(t, err)
			assert.Equal(t, next[w], i, "writer %d out of order", w)
			next[w] = i + 1
			total++
		}
	}
	assert.Equal(t, writers*perWriter, total)
	assert.Zero(t, b.Size())
}

func TestAddLine_BufferCeiling(t *testing.T) {
	m := metrics.New(nil)
	b := newTestBuffer(WithLimits(1000, 600), WithMetrics(m))

	for i := 0; i < 100; i++ {
		b.AddLine(strings.Repeat("x", 50), severity.Info, "c", nil)
	}
	size := b.Size()
	assert.GreaterOrEqual(t, size, 1000)
	// At most one accepted line can cross the ceiling.
	assert.Less(t, size, 1000+200)

	n := b.Len()
	b.AddLine("rejected", severity.Info, "c", nil)
	assert.Equal(t, n, b.Len())
	assert.Equal(t, float64(n), testutil.ToFloat64(m.EntriesAccepted))
	assert.Equal(t, float64(100-n+1), testutil.ToFloat64(m.EntriesDropped.WithLabelValues(metrics.ReasonOverflow)))
}

func TestAddLine_RejectsOversizeLine(t *testing.T) {
	m := metrics.New(nil)
	b := newTestBuffer(WithLimits(10_000, 200), WithMetrics(m))

	b.AddLine(strings.Repeat("y", 200), severity.Info, "c", nil)
	assert.Zero(t, b.Len())
	assert.Zero(t, b.Size())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntriesDropped.WithLabelValues(metrics.ReasonOversize)))

	b.AddLine("small", severity.Info, "c", nil)
	assert.Equal(t, 1, b.Len())
}

func TestCutBatch_ChunkSplitConverges(t *testing.T) {
	const chunk = 1000
	b := newTestBuffer(WithLimits(1<<20, chunk))
	b.Configure(logentry.Identity{})

	for i := 0; i < 64; i++ {
		b.AddLine(fmt.Sprintf("%03d-%s", i, strings.Repeat("z", 80)), severity.Info, "c", nil)
	}

	seen := 0
	for _, bulk := range drain(t, b) {
		data, err := json.Marshal(bulk.Entries)
		require.NoError(t, err)
		if bulk.Len() > 1 {
			assert.LessOrEqual(t, len(data), chunk)
		}
		for _, line := range bulk.Entries {
			assert.True(t, strings.HasPrefix(line.Text, fmt.Sprintf("%03d-", seen)))
			seen++
		}
	}
	assert.Equal(t, 64, seen)
	assert.Zero(t, b.Size())
	assert.Zero(t, b.Len())
}

func TestCutBatch_ExactAccounting(t *testing.T) {
	b := newTestBuffer()
	b.Configure(logentry.Identity{})

	texts := []string{"a", "bb", `quote " and unicode ü`, "ddd"}
	for _, txt := range texts {
		b.AddLine(txt, severity.Warning, "cat", map[string]any{"n": len(txt)})
	}

	all, err := json.Marshal(snapshot(b))
	require.NoError(t, err)
	// Array brackets and separators are not part of the buffered size.
	assert.Equal(t, len(all)-2-(len(texts)-1), b.Size())

	bulk, ok := b.CutBatch(context.Background(), false)
	require.True(t, ok)
	assert.Equal(t, len(texts), bulk.Len())
	assert.Zero(t, b.Size())
}

func snapshot(b *Buffer) []logentry.LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]logentry.LogLine, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.line
	}
	return out
}

func TestAddLine_ProcessChangeResets(t *testing.T) {
	var pid int32 = 100
	var restarts int32
	b := newTestBuffer(
		WithPID(func() int { return int(atomic.LoadInt32(&pid)) }),
		WithRestartHook(func() { atomic.AddInt32(&restarts, 1) }),
	)
	b.Configure(logentry.Identity{ApplicationName: "app"})

	b.AddLine("parent", severity.Info, "", nil)
	b.AddLine("parent", severity.Info, "", nil)
	require.Equal(t, 2, b.Len())

	atomic.StoreInt32(&pid, 200)
	b.AddLine("child", severity.Info, "", nil)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, int32(1), atomic.LoadInt32(&restarts))

	b.AddLine("child again", severity.Info, "", nil)
	assert.Equal(t, int32(1), atomic.LoadInt32(&restarts))

	bulk, ok := b.CutBatch(context.Background(), false)
	require.True(t, ok)
	assert.Equal(t, "child", bulk.Entries[0].Text)
	assert.Equal(t, "app", bulk.Identity.ApplicationName, "configuration survives the reset")
}
