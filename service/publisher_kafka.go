package service

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/gabihodoroga/log-pipeline/model"
)

// KafkaPublisher implements the EventPublisher using an idempotent Kafka producer
// that waits for all in-sync replicas.
type KafkaPublisher struct {
	client   *kgo.Client
	topic    string
	keyByApp bool
}

// NewKafkaPublisher creates the producer. Idempotent writes are the client default and are
// left enabled; retries bounds how many times a record is retried before the publish fails.
func NewKafkaPublisher(brokers []string, topic, clientID string, retries int, keyByApp bool) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(retries),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Kafka producer")
	}
	return &KafkaPublisher{
		client:   client,
		topic:    topic,
		keyByApp: keyByApp,
	}, nil
}

// Publish implements model.EventPublisher and blocks until the record is acknowledged
func (p *KafkaPublisher) Publish(ctx context.Context, record *model.LogRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return &model.PublishError{Err: errors.Wrap(err, "failed to encode record")}
	}

	r := &kgo.Record{Topic: p.topic, Value: data}
	if p.keyByApp {
		// same app, same partition
		r.Key = []byte(record.AppName)
	}
	if err := p.client.ProduceSync(ctx, r).FirstErr(); err != nil {
		return &model.PublishError{Err: err}
	}

	zap.L().Sugar().Debugf("KafkaPublisher: produced message to %s partition %d offset %d", p.topic, r.Partition, r.Offset)
	return nil
}

// Ping implements model.EventPublisher
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close implements model.EventPublisher
func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}
