package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gabihodoroga/log-pipeline/model"
)

// SupervisorConfig holds the batching and lifecycle settings of the consumer side
type SupervisorConfig struct {
	BatchSize           int
	BatchTimeout        time.Duration
	MaxPendingFlushes   int
	FlushTimeout        time.Duration
	HealthCheckInterval time.Duration
	ShutdownTimeout     time.Duration
}

// Supervisor owns the consumer side of the pipeline: it verifies the sink before consuming,
// probes it periodically and flushes whatever is buffered before releasing the connections.
type Supervisor struct {
	handler     model.EventHandler
	sink        model.EventSink
	accumulator *Accumulator
	flusher     *Flusher
	cfg         SupervisorConfig
}

func NewSupervisor(handler model.EventHandler, sink model.EventSink, cfg SupervisorConfig) *Supervisor {
	flusher := NewFlusher(sink, handler, cfg.MaxPendingFlushes, cfg.FlushTimeout)
	return &Supervisor{
		handler:     handler,
		sink:        sink,
		accumulator: NewAccumulator(cfg.BatchSize, cfg.BatchTimeout, flusher.Submit),
		flusher:     flusher,
		cfg:         cfg,
	}
}

// Run consumes the transport until ctx is done or a fatal error occurs. It returns nil after a
// clean shutdown, otherwise a *model.SinkUnavailableError, a *model.FlushError or a startup error.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := zap.L()

	if err := s.probe(ctx); err != nil {
		logger.Error("supervisor: sink is not reachable, not starting the consumer", zap.Error(err))
		return err
	}
	logger.Info("supervisor: sink connection established")

	s.flusher.Start()
	if err := s.handler.Start(ctx, s.accumulator.Add); err != nil {
		s.shutdown()
		return errors.Wrap(err, "failed to start event handler")
	}
	logger.Info("supervisor: consuming transport")

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("supervisor: shutdown requested")
			break loop
		case <-ticker.C:
			if err := s.probe(ctx); err != nil {
				if ctx.Err() != nil {
					break loop
				}
				logger.Error("supervisor: sink health check failed, shutting down", zap.Error(err))
				runErr = err
				break loop
			}
			logger.Debug("supervisor: sink health check passed")
		case err := <-s.flusher.Errors():
			logger.Error("supervisor: flush failed, shutting down", zap.Error(err))
			runErr = err
			break loop
		}
	}

	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Supervisor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.sink.Ping(ctx); err != nil {
		sinkProbeFailures.Inc()
		return &model.SinkUnavailableError{Err: err}
	}
	return nil
}

// shutdown stops consumption, forces a final flush and waits for it, then closes the transport
// and the sink, in that order.
func (s *Supervisor) shutdown() error {
	logger := zap.L()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var result error
	if err := s.handler.Stop(ctx); err != nil {
		logger.Warn("supervisor: failed to stop event handler", zap.Error(err))
	}

	flushed := s.accumulator.Close()
	if err := s.flusher.Close(ctx); err != nil {
		logger.Error("supervisor: pending batches were not flushed", zap.Error(err))
		result = err
	}
	select {
	case err := <-s.flusher.Errors():
		result = err
	default:
		logger.Sugar().Infof("supervisor: final flush done, %d records", flushed)
	}

	if err := s.handler.Close(); err != nil {
		logger.Warn("supervisor: error during transport disconnect", zap.Error(err))
	} else {
		logger.Info("supervisor: disconnected from transport")
	}
	if err := s.sink.Close(); err != nil {
		logger.Warn("supervisor: error during sink disconnect", zap.Error(err))
	} else {
		logger.Info("supervisor: sink connection closed")
	}
	return result
}

// SupervisorStats combines the transport and buffer statistics
type SupervisorStats struct {
	model.HandlerStats
	AccumulatorStats
}

func (s *Supervisor) Stats(ctx context.Context) (SupervisorStats, error) {
	handlerStats, err := s.handler.Stats(ctx)
	if err != nil {
		return SupervisorStats{}, err
	}
	return SupervisorStats{HandlerStats: handlerStats, AccumulatorStats: s.accumulator.Stats()}, nil
}
