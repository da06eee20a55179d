package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/gabihodoroga/log-pipeline/model"
)

// Committer marks transport deliveries as processed
type Committer interface {
	Commit(ctx context.Context, deliveries []*model.Delivery) error
}

// Flusher writes snapshots to the sink one at a time, in the order they were submitted, and
// commits their deliveries once the write succeeded.
//
// After the first failed write no further snapshot is written or committed, so the committed
// transport position never moves past a batch that was not persisted.
type Flusher struct {
	sink      model.EventSink
	committer Committer
	timeout   time.Duration
	queue     chan *model.Snapshot
	errs      chan error
	done      chan struct{}
	failed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

func NewFlusher(sink model.EventSink, committer Committer, maxPending int, timeout time.Duration) *Flusher {
	return &Flusher{
		sink:      sink,
		committer: committer,
		timeout:   timeout,
		queue:     make(chan *model.Snapshot, maxPending),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
}

// Start runs the flush worker. In-flight writes are not cancelled on shutdown, each one is
// bounded by the flush timeout instead.
func (f *Flusher) Start() {
	f.startOnce.Do(func() {
		go f.run()
	})
}

func (f *Flusher) run() {
	defer close(f.done)
	for snapshot := range f.queue {
		if err := f.Flush(context.Background(), snapshot); err != nil {
			zap.L().Error("flusher: failed to process batch", zap.Error(err))
			select {
			case f.errs <- err:
			default:
			}
		}
	}
}

// Submit queues a snapshot. It blocks while maxPending snapshots are waiting to be written.
func (f *Flusher) Submit(snapshot *model.Snapshot) {
	f.queue <- snapshot
}

// Errors reports the first flush failure
func (f *Flusher) Errors() <-chan error {
	return f.errs
}

// Flush performs exactly one bulk write of the snapshot's records and then commits its deliveries.
func (f *Flusher) Flush(ctx context.Context, snapshot *model.Snapshot) error {
	logger := zap.L().With(
		zap.Uint64("generation", snapshot.Generation),
		zap.String("trigger", string(snapshot.Trigger)),
		zap.Int("records", len(snapshot.Records)))
	trigger := string(snapshot.Trigger)

	if f.failed.Load() {
		logger.Warn("flusher: skipping batch after an earlier flush failure, it will be redelivered")
		flushesTotal.WithLabelValues(trigger, "skipped").Inc()
		return nil
	}

	ctx, span := tracer.Start(ctx, "flusher/flush")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("batch.generation", int64(snapshot.Generation)),
		attribute.Int("batch.records", len(snapshot.Records)))

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if len(snapshot.Records) > 0 {
		logger.Info("flusher: processing batch")
		start := time.Now()
		err := f.sink.Save(ctx, snapshot.Records)
		taken := time.Since(start)
		flushDuration.Observe(taken.Seconds())
		if err != nil {
			f.failed.Store(true)
			span.RecordError(err)
			flushesTotal.WithLabelValues(trigger, "error").Inc()
			return &model.FlushError{
				Generation: snapshot.Generation,
				Records:    len(snapshot.Records),
				Err:        errors.Wrap(err, "bulk insert failed"),
			}
		}
		flushedRecordsTotal.Add(float64(len(snapshot.Records)))
		flushBatchSize.Observe(float64(len(snapshot.Records)))
		logger.Sugar().Infof("flusher: inserted %d records in %dms", len(snapshot.Records), taken.Milliseconds())
	}

	if len(snapshot.Deliveries) > 0 {
		if err := f.committer.Commit(ctx, snapshot.Deliveries); err != nil {
			// the records are stored, an uncommitted delivery is only redelivered
			logger.Warn("flusher: failed to commit deliveries", zap.Error(err))
		}
	}
	flushesTotal.WithLabelValues(trigger, "success").Inc()
	return nil
}

// Close stops accepting snapshots and waits until every queued snapshot has been processed.
func (f *Flusher) Close(ctx context.Context) error {
	f.closeOnce.Do(func() {
		close(f.queue)
	})
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out waiting for pending flushes")
	}
}
