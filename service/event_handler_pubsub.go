package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/gabihodoroga/log-pipeline/model"
)

// EventHandlerPubsub implements the EventHandler using Pub/Sub. Messages are acked only
// through Commit, after their batch has been persisted.
type EventHandlerPubsub struct {
	host           string
	project        string
	subscription   string
	maxOutstanding int
	client         *pubsub.Client
	stats          *model.HandlerStats
	stopping       atomic.Bool
	inflight       sync.RWMutex
	cancel         context.CancelFunc
	done           chan struct{}
}

// NewEventHandlerPubsub creates the handler. maxOutstanding must allow at least a few full
// batches to be held unacked, otherwise batches are only ever flushed by the timeout.
func NewEventHandlerPubsub(host, project, subscription string, maxOutstanding int) *EventHandlerPubsub {
	return &EventHandlerPubsub{
		host:           host,
		project:        project,
		subscription:   subscription,
		maxOutstanding: maxOutstanding,
		stats:          &model.HandlerStats{},
	}
}

// newPubsubClient connects to Pub/Sub, or to the emulator at host when it is set
func newPubsubClient(ctx context.Context, host, project string) (*pubsub.Client, error) {
	if host != "" {
		// This is mainly used for testing
		conn, err := grpc.Dial(host, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, err
		}
		// Use the connection when creating a pubsub client.
		return pubsub.NewClient(ctx, project, option.WithGRPCConn(conn))
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create PubSub client")
	}
	return client, nil
}

// Start implements model.EventHandler and start listening for events
func (c *EventHandlerPubsub) Start(ctx context.Context, fn model.DeliveryFunc) error {
	client, err := newPubsubClient(ctx, c.host, c.project)
	if err != nil {
		return err
	}
	c.client = client

	sub := client.Subscription(c.subscription)
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = c.maxOutstanding

	if c.host == "" {
		perms, err := sub.IAM().TestPermissions(ctx, []string{
			"pubsub.subscriptions.consume",
		})

		if err != nil {
			return errors.Wrapf(err,
				"failed to get the subscription permissions, project %s, subscription %s",
				c.project,
				c.subscription)
		}

		if len(perms) == 0 {
			return fmt.Errorf(
				"required permissions (pubsub.subscriptions.consume) not found for project %s, subscription %s",
				c.project,
				c.subscription)
		}
	}

	receiveCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		for {
			zap.L().Sugar().Infof("begin receive messages from subscription %s.", sub.String())
			err := sub.Receive(receiveCtx, func(msgCtx context.Context, msg *pubsub.Message) {
				c.inflight.RLock()
				defer c.inflight.RUnlock()
				if c.stopping.Load() {
					msg.Nack()
					return
				}

				atomic.AddInt64(&c.stats.Received, 1)
				requestID := uniuri.NewLen(10)
				logger := zap.L().With(zap.Any("request_id", requestID))
				newCtx := context.WithValue(msgCtx, model.RequestIDKey, requestID)
				newCtx, span := tracer.Start(newCtx, "pubsub/receive")
				defer span.End()

				logger.Sugar().Debugf("pubsubFunc: got message with id %s, data: %s", msg.ID, string(msg.Data))
				fn(newCtx, &model.Delivery{
					ID:         msg.ID,
					Data:       msg.Data,
					ReceivedAt: time.Now(),
					Handle:     msg,
				})
			})
			zap.L().Sugar().Infof("pubsub receive exit for subscription %s", sub.String())

			if err != nil && receiveCtx.Err() == nil {
				zap.L().Error(fmt.Sprintf("pubsub receive error for subscription %s, receive will be retried in 2 seconds", sub.String()), zap.Error(err))
				time.Sleep(time.Second * 2)
				continue
			}
			// if no error is received then the context has been canceled and we just exist
			zap.L().Sugar().Infof("receive done on subscription %s. No messages will be processed.", sub.String())
			return
		}
	}()

	return nil
}

// Stop implements model.EventHandler. Receive keeps running until the outstanding messages
// have been acked by Commit, Close waits for it.
func (c *EventHandlerPubsub) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.stopping.Store(true)
	c.cancel()
	// wait for the callback in progress
	c.inflight.Lock()
	c.inflight.Unlock()
	return nil
}

// Commit implements model.EventHandler
func (c *EventHandlerPubsub) Commit(ctx context.Context, deliveries []*model.Delivery) error {
	for _, d := range deliveries {
		if msg, ok := d.Handle.(*pubsub.Message); ok {
			msg.Ack()
			atomic.AddInt64(&c.stats.Success, 1)
		}
	}
	zap.L().Sugar().Debugf("pubsub: %d messages acknowledged", len(deliveries))
	return nil
}

// Stats implements model.EventHandler
func (c *EventHandlerPubsub) Stats(ctx context.Context) (model.HandlerStats, error) {
	return model.HandlerStats{
		Received: atomic.LoadInt64(&c.stats.Received),
		Success:  atomic.LoadInt64(&c.stats.Success),
		Errors:   atomic.LoadInt64(&c.stats.Errors),
	}, nil
}

// Close implements model.EventHandler
func (c *EventHandlerPubsub) Close() error {
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(30 * time.Second):
			zap.L().Warn("pubsub: receive did not return, closing client")
		}
	}
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
