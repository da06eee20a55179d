package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gabihodoroga/log-pipeline/model"
)

// IngestService validates inbound events and publishes them to the transport. A successful
// Ingest means the record was enqueued, persistence happens later on the consumer side.
type IngestService struct {
	publisher model.EventPublisher
	timeout   time.Duration
	now       func() time.Time
}

func NewIngestService(publisher model.EventPublisher, publishTimeout time.Duration) *IngestService {
	return &IngestService{
		publisher: publisher,
		timeout:   publishTimeout,
		now:       time.Now,
	}
}

// Ingest returns a *model.ValidationError for a malformed request and a *model.PublishError
// when the transport did not accept the record.
func (s *IngestService) Ingest(ctx context.Context, req *model.IngestRequest) (*model.IngestAck, error) {
	logger := zap.L().With(zap.Any("request_id", ctx.Value(model.RequestIDKey)))
	receivedAt := s.now().UTC()

	if err := req.Validate(); err != nil {
		ingestedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	record, err := req.Normalize(receivedAt)
	if err != nil {
		ingestedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "ingest/publish")
	defer span.End()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err = s.publisher.Publish(ctx, record)
	publishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		ingestedTotal.WithLabelValues("error").Inc()
		var publishErr *model.PublishError
		if !errors.As(err, &publishErr) {
			err = &model.PublishError{Err: err}
		}
		return nil, err
	}

	ingestedTotal.WithLabelValues("ok").Inc()
	logger.Sugar().Debugf("IngestService: record from %s enqueued", record.AppName)
	return &model.IngestAck{
		Status:     "OK",
		ReceivedAt: receivedAt.Format(time.RFC3339Nano),
	}, nil
}
