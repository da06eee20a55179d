package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/gabihodoroga/log-pipeline/model"
)

// EventHandlerKafka implements the EventHandler using a Kafka consumer group. Offsets are
// committed only through Commit, auto commit is disabled.
type EventHandlerKafka struct {
	brokers  []string
	topic    string
	group    string
	clientID string
	client   *kgo.Client
	stats    *model.HandlerStats
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewEventHandlerKafka(brokers []string, topic, group, clientID string) *EventHandlerKafka {
	return &EventHandlerKafka{
		brokers:  brokers,
		topic:    topic,
		group:    group,
		clientID: clientID,
		stats:    &model.HandlerStats{},
	}
}

// Start implements model.EventHandler. A new consumer group starts from the earliest offset,
// an existing one resumes from its last committed offset.
func (c *EventHandlerKafka) Start(ctx context.Context, fn model.DeliveryFunc) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(c.brokers...),
		kgo.ClientID(c.clientID),
		kgo.ConsumerGroup(c.group),
		kgo.ConsumeTopics(c.topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create Kafka consumer")
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return errors.Wrapf(err, "failed to reach Kafka brokers %v", c.brokers)
	}
	c.client = client

	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.poll(pollCtx, fn)
	return nil
}

// poll delivers records one at a time, in partition order
func (c *EventHandlerKafka) poll(ctx context.Context, fn model.DeliveryFunc) {
	defer close(c.done)
	zap.L().Sugar().Infof("begin receive messages from topic %s, consumer group %s.", c.topic, c.group)

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			zap.L().Sugar().Infof("receive done on topic %s. No messages will be processed.", c.topic)
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			zap.L().Error(fmt.Sprintf("kafka fetch error for %s/%d", topic, partition), zap.Error(err))
		})
		if len(fetches.Errors()) > 0 && fetches.NumRecords() == 0 {
			zap.L().Sugar().Infof("kafka receive will be retried in 2 seconds")
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}

		fetches.EachRecord(func(r *kgo.Record) {
			atomic.AddInt64(&c.stats.Received, 1)
			requestID := uniuri.NewLen(10)
			msgCtx := context.WithValue(ctx, model.RequestIDKey, requestID)
			id := fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
			zap.L().Debug("kafkaPoll: got message with id "+id, zap.Any("request_id", requestID))

			fn(msgCtx, &model.Delivery{
				ID:         id,
				Partition:  r.Partition,
				Offset:     r.Offset,
				Data:       r.Value,
				ReceivedAt: time.Now(),
				Handle:     r,
			})
		})
	}
}

// Stop implements model.EventHandler
func (c *EventHandlerKafka) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out waiting for the Kafka poll loop")
	}
}

// Commit implements model.EventHandler. The highest offset of each partition is committed.
func (c *EventHandlerKafka) Commit(ctx context.Context, deliveries []*model.Delivery) error {
	records := make([]*kgo.Record, 0, len(deliveries))
	for _, d := range deliveries {
		if r, ok := d.Handle.(*kgo.Record); ok {
			records = append(records, r)
		}
	}
	if len(records) == 0 || c.client == nil {
		return nil
	}
	if err := c.client.CommitRecords(ctx, records...); err != nil {
		atomic.AddInt64(&c.stats.Errors, int64(len(records)))
		return errors.Wrap(err, "failed to commit Kafka offsets")
	}
	atomic.AddInt64(&c.stats.Success, int64(len(records)))
	return nil
}

// Stats implements model.EventHandler
func (c *EventHandlerKafka) Stats(ctx context.Context) (model.HandlerStats, error) {
	return model.HandlerStats{
		Received: atomic.LoadInt64(&c.stats.Received),
		Success:  atomic.LoadInt64(&c.stats.Success),
		Errors:   atomic.LoadInt64(&c.stats.Errors),
	}, nil
}

// Close implements model.EventHandler
func (c *EventHandlerKafka) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
