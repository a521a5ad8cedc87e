package internal

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type IEventPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close()
}

// NewEventPublisher returns a Kafka publisher when brokers are configured and
// a publisher that only logs otherwise.
func NewEventPublisher(cfg *Config, logger *zap.SugaredLogger) (IEventPublisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return LogPublisher{logger: logger}, nil
	}
	return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
}

type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *zap.SugaredLogger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.SugaredLogger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProduceRequestTimeout(10*time.Second),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ClientID("paymart"),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaPublisher{client: client, topic: topic, logger: logger}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, value []byte) error {
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(key),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return err
	}
	p.logger.Debugw("payment event published", "topic", p.topic, "key", key)
	return nil
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}

type LogPublisher struct {
	logger *zap.SugaredLogger
}

func (p LogPublisher) Publish(_ context.Context, key string, value []byte) error {
	p.logger.Infow("payment event", "key", key, "event", string(value))
	return nil
}

func (p LogPublisher) Close() {}
