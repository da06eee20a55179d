package service

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gabihodoroga/log-pipeline/model"
)

// PubsubPublisher implements the EventPublisher using a Pub/Sub topic
type PubsubPublisher struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	orderByApp bool
}

func NewPubsubPublisher(ctx context.Context, host, project, topicID string, orderByApp bool) (*PubsubPublisher, error) {
	client, err := newPubsubClient(ctx, host, project)
	if err != nil {
		return nil, err
	}
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = orderByApp
	return &PubsubPublisher{
		client:     client,
		topic:      topic,
		orderByApp: orderByApp,
	}, nil
}

// Publish implements model.EventPublisher and blocks until the server assigned a message id
func (p *PubsubPublisher) Publish(ctx context.Context, record *model.LogRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return &model.PublishError{Err: errors.Wrap(err, "failed to encode record")}
	}

	msg := &pubsub.Message{Data: data}
	if p.orderByApp {
		msg.OrderingKey = record.AppName
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if p.orderByApp {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return &model.PublishError{Err: err}
	}

	zap.L().Sugar().Debugf("PubsubPublisher: published message %s to %s", id, p.topic.ID())
	return nil
}

// Ping implements model.EventPublisher
func (p *PubsubPublisher) Ping(ctx context.Context) error {
	ok, err := p.topic.Exists(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to check pubsub topic")
	}
	if !ok {
		return fmt.Errorf("pubsub topic %s does not exist", p.topic.ID())
	}
	return nil
}

// Close implements model.EventPublisher
func (p *PubsubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
