package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/gabihodoroga/log-pipeline/model"
)

const (
	testBatchSize    = 50
	testBatchTimeout = 3 * time.Minute
)

type snapshotCollector struct {
	mu        sync.Mutex
	snapshots []*model.Snapshot
}

func (c *snapshotCollector) add(s *model.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, s)
}

func (c *snapshotCollector) get() []*model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.Snapshot(nil), c.snapshots...)
}

func newTestAccumulator(batchSize int) (*Accumulator, *testingclock.FakeClock, *snapshotCollector) {
	collector := &snapshotCollector{}
	testClock := testingclock.NewFakeClock(time.Now())
	acc := NewAccumulator(batchSize, testBatchTimeout, collector.add)
	acc.clock = testClock
	return acc, testClock, collector
}

func addAll(acc *Accumulator, data [][]byte) {
	for _, p := range data {
		acc.Add(context.Background(), &model.Delivery{ID: string(p), Data: p})
	}
}

func TestAccumulator_TimeoutFlushesPartialBatch(t *testing.T) {
	acc, testClock, collector := newTestAccumulator(testBatchSize)

	addAll(acc, payloads(10))
	assert.Empty(t, collector.get())
	assert.Equal(t, 10, acc.Len())

	testClock.Step(testBatchTimeout - time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, collector.get())

	testClock.Step(time.Second)
	require.Eventually(t, func() bool { return len(collector.get()) == 1 }, time.Second, 10*time.Millisecond)

	snapshot := collector.get()[0]
	assert.Equal(t, model.TriggerTimeout, snapshot.Trigger)
	assert.Equal(t, expectedMessages(0, 10), messages(snapshot.Records))
	assert.Len(t, snapshot.Deliveries, 10)
	assert.Equal(t, 0, acc.Len())
}

func TestAccumulator_SizeTriggerThenTimeout(t *testing.T) {
	acc, testClock, collector := newTestAccumulator(testBatchSize)

	addAll(acc, payloads(120))

	snapshots := collector.get()
	require.Len(t, snapshots, 2)
	assert.Equal(t, expectedMessages(0, 50), messages(snapshots[0].Records))
	assert.Equal(t, expectedMessages(50, 100), messages(snapshots[1].Records))
	for _, s := range snapshots {
		assert.Equal(t, model.TriggerSize, s.Trigger)
	}
	assert.Equal(t, 20, acc.Len())

	testClock.Step(testBatchTimeout)
	require.Eventually(t, func() bool { return len(collector.get()) == 3 }, time.Second, 10*time.Millisecond)

	last := collector.get()[2]
	assert.Equal(t, model.TriggerTimeout, last.Trigger)
	assert.Equal(t, expectedMessages(100, 120), messages(last.Records))
	assert.Equal(t, []uint64{0, 1, 2}, []uint64{snapshots[0].Generation, snapshots[1].Generation, last.Generation})
}

func TestAccumulator_TimerArmedOnlyWhileBuffered(t *testing.T) {
	acc, testClock, collector := newTestAccumulator(3)

	assert.False(t, testClock.HasWaiters())
	addAll(acc, payloads(1))
	assert.True(t, testClock.HasWaiters())

	addAll(acc, payloads(2))
	require.Len(t, collector.get(), 1)
	assert.False(t, testClock.HasWaiters())

	// the timer of the flushed generation must not flush anything else
	testClock.Step(testBatchTimeout)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, collector.get(), 1)
}

func TestAccumulator_StaleTimerIgnored(t *testing.T) {
	acc, testClock, collector := newTestAccumulator(2)

	addAll(acc, payloads(2))
	require.Len(t, collector.get(), 1)

	testClock.Step(testBatchTimeout / 2)
	addAll(acc, [][]byte{payload("late")})

	// a timer armed for the first generation firing late
	acc.onTimeout(0)
	assert.Len(t, collector.get(), 1)
	assert.Equal(t, 1, acc.Len())

	testClock.Step(testBatchTimeout / 2)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, collector.get(), 1)

	testClock.Step(testBatchTimeout / 2)
	require.Eventually(t, func() bool { return len(collector.get()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"late"}, messages(collector.get()[1].Records))
}

func TestAccumulator_MalformedPayloadDoesNotStopBatch(t *testing.T) {
	acc, _, collector := newTestAccumulator(testBatchSize)

	addAll(acc, [][]byte{payload("first"), []byte("{not json"), payload("second")})
	assert.Equal(t, 2, acc.Len())
	assert.Equal(t, int64(1), acc.Stats().Malformed)

	assert.Equal(t, 2, acc.Close())
	snapshots := collector.get()
	require.Len(t, snapshots, 1)
	assert.Equal(t, []string{"first", "second"}, messages(snapshots[0].Records))
	// the malformed delivery is committed with its batch
	assert.Len(t, snapshots[0].Deliveries, 3)
}

func TestAccumulator_CloseFlushesRemaining(t *testing.T) {
	acc, testClock, collector := newTestAccumulator(testBatchSize)

	addAll(acc, payloads(7))
	assert.Equal(t, 7, acc.Close())

	snapshots := collector.get()
	require.Len(t, snapshots, 1)
	assert.Equal(t, model.TriggerShutdown, snapshots[0].Trigger)
	assert.Equal(t, expectedMessages(0, 7), messages(snapshots[0].Records))

	// closed: no more deliveries, no timer
	addAll(acc, payloads(1))
	assert.Equal(t, 0, acc.Len())
	testClock.Step(testBatchTimeout)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, collector.get(), 1)
	assert.Equal(t, 0, acc.Close())
}

func TestAccumulator_CloseEmpty(t *testing.T) {
	acc, _, collector := newTestAccumulator(testBatchSize)
	assert.Equal(t, 0, acc.Close())
	assert.Empty(t, collector.get())
}

func TestAccumulator_SnapshotDetachedFromBuffer(t *testing.T) {
	acc, _, collector := newTestAccumulator(2)

	addAll(acc, payloads(2))
	addAll(acc, [][]byte{payload("next")})

	snapshot := collector.get()[0]
	assert.Equal(t, expectedMessages(0, 2), messages(snapshot.Records))
	assert.Equal(t, 1, acc.Len())
}

func TestAccumulator_ConcurrentAddsFlushEachRecordOnce(t *testing.T) {
	acc, testClock, collector := newTestAccumulator(10)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addAll(acc, payloads(25))
		}()
	}
	wg.Wait()
	testClock.Step(testBatchTimeout)
	acc.Close()

	total := 0
	for _, s := range collector.get() {
		assert.LessOrEqual(t, len(s.Records), 10)
		total += len(s.Records)
	}
	assert.Equal(t, 100, total)
}

func TestAccumulator_MalformedOnlyBatchFlushedOnTimeout(t *testing.T) {
	acc, testClock, collector := newTestAccumulator(testBatchSize)

	addAll(acc, [][]byte{[]byte("{not json")})
	assert.Equal(t, 0, acc.Len())
	assert.True(t, testClock.HasWaiters())

	testClock.Step(testBatchTimeout)
	require.Eventually(t, func() bool { return len(collector.get()) == 1 }, time.Second, 10*time.Millisecond)

	snapshot := collector.get()[0]
	assert.Equal(t, model.TriggerTimeout, snapshot.Trigger)
	assert.Empty(t, snapshot.Records)
	assert.Len(t, snapshot.Deliveries, 1)
	assert.False(t, testClock.HasWaiters())
}

func TestAccumulator_StatsDoNotWaitForBlockedCallback(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	acc := NewAccumulator(2, testBatchTimeout, func(*model.Snapshot) {
		close(entered)
		<-release
	})
	acc.clock = testingclock.NewFakeClock(time.Now())

	addAll(acc, [][]byte{[]byte("{not json"), payload("first")})
	done := make(chan struct{})
	go func() {
		defer close(done)
		addAll(acc, [][]byte{payload("second")})
	}()
	<-entered

	stats := make(chan AccumulatorStats, 1)
	go func() { stats <- acc.Stats() }()
	select {
	case s := <-stats:
		assert.Equal(t, 0, s.Buffered)
		assert.Equal(t, int64(1), s.Malformed)
		assert.Equal(t, uint64(1), s.Generation)
	case <-time.After(time.Second):
		t.Fatal("Stats blocked while the callback was running")
	}
	assert.Equal(t, 0, acc.Len())

	// Add stays blocked until the callback returns
	select {
	case <-done:
		t.Fatal("Add returned before the callback")
	default:
	}
	close(release)
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
