package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/gabihodoroga/log-pipeline/model"
)

// Accumulator buffers records delivered by the transport. A batch is handed to the callback
// whenever batchSize records have been buffered or batchTimeout has elapsed since the first
// delivery of the batch arrived (whichever occurs first).
//
// The buffer is detached before the callback is invoked, so records arriving while a batch is
// being written accumulate into a fresh buffer. Every transport delivery, including malformed
// ones, is carried in the snapshot of the generation it arrived in so it is committed together
// with the records that precede it.
//
// The callback runs with the buffer locked so snapshots reach it in generation order. A callback
// that blocks (a full flush queue) therefore blocks Add, which is how backpressure reaches the
// transport. Len and Stats never wait for it.
type Accumulator struct {
	mu         sync.Mutex
	batchSize  int
	timeout    time.Duration
	clock      clock.WithDelayedExecution
	callback   func(*model.Snapshot)
	records    []*model.LogRecord
	deliveries []*model.Delivery
	timer      clock.Timer
	generation uint64
	closed     bool

	// readable without mu
	buffered   atomic.Int64
	malformed  atomic.Int64
	flushedGen atomic.Uint64
}

// AccumulatorStats reports the state of the buffer
type AccumulatorStats struct {
	Buffered   int    `json:"buffered"`
	Malformed  int64  `json:"malformed"`
	Generation uint64 `json:"generation"`
}

func NewAccumulator(batchSize int, batchTimeout time.Duration, callback func(*model.Snapshot)) *Accumulator {
	return &Accumulator{
		batchSize: batchSize,
		timeout:   batchTimeout,
		clock:     clock.RealClock{},
		callback:  callback,
		records:   make([]*model.LogRecord, 0, batchSize),
	}
}

// Add decodes a delivery and appends it to the current batch. It implements model.DeliveryFunc.
func (a *Accumulator) Add(ctx context.Context, d *model.Delivery) {
	logger := zap.L().With(zap.Any("request_id", ctx.Value(model.RequestIDKey)))
	_, span := tracer.Start(ctx, "accumulator/add")
	defer span.End()

	deliveriesTotal.Inc()
	record, err := model.DecodeLogRecord(d.Data)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		logger.Sugar().Warnf("accumulator: closed, message with id %s will be redelivered", d.ID)
		return
	}

	a.deliveries = append(a.deliveries, d)
	if err != nil {
		a.malformed.Add(1)
		malformedTotal.Inc()
		logger.Warn("accumulator: dropping message "+d.ID, zap.Error(err))
	} else {
		a.records = append(a.records, record)
		a.buffered.Store(int64(len(a.records)))
		bufferedRecords.Set(float64(len(a.records)))
		logger.Sugar().Debugf("accumulator: message with id %s buffered, batch size %d", d.ID, len(a.records))

		if len(a.records) >= a.batchSize {
			a.flushLocked(model.TriggerSize)
			return
		}
	}
	// armed for any pending delivery so a batch of malformed messages is still committed
	if a.timer == nil {
		generation := a.generation
		a.timer = a.clock.AfterFunc(a.timeout, func() { a.onTimeout(generation) })
	}
}

func (a *Accumulator) onTimeout(generation uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// the generation this timer was armed for has already been flushed
	if a.closed || generation != a.generation {
		return
	}
	a.timer = nil
	if len(a.deliveries) == 0 {
		return
	}
	zap.L().Sugar().Infof("accumulator: batch timeout reached, flushing %d records of %d messages", len(a.records), len(a.deliveries))
	a.flushLocked(model.TriggerTimeout)
}

// flushLocked detaches the buffer and hands it to the callback. a.mu must be held.
func (a *Accumulator) flushLocked(trigger model.FlushTrigger) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	snapshot := &model.Snapshot{
		Generation: a.generation,
		Trigger:    trigger,
		Records:    a.records,
		Deliveries: a.deliveries,
	}
	a.generation++
	a.records = make([]*model.LogRecord, 0, a.batchSize)
	a.deliveries = nil
	a.buffered.Store(0)
	a.flushedGen.Store(a.generation)
	bufferedRecords.Set(0)

	a.callback(snapshot)
}

// Close flushes whatever is buffered, even below the batch size, and refuses further deliveries.
// It returns the number of records handed to the callback.
func (a *Accumulator) Close() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if len(a.deliveries) == 0 {
		return 0
	}
	n := len(a.records)
	zap.L().Sugar().Infof("accumulator: flushing remaining batch of %d records on shutdown", n)
	a.flushLocked(model.TriggerShutdown)
	return n
}

// Len returns the number of buffered records
func (a *Accumulator) Len() int {
	return int(a.buffered.Load())
}

func (a *Accumulator) Stats() AccumulatorStats {
	return AccumulatorStats{
		Buffered:   a.Len(),
		Malformed:  a.malformed.Load(),
		Generation: a.flushedGen.Load(),
	}
}
