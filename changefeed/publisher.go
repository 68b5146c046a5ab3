package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/kwv/geomfix/fixer"
)

// NewProducer creates a synchronous producer waiting for all in-sync replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("changefeed: no kafka brokers configured")
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Timeout = 5 * time.Second

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("changefeed: create sync producer: %w", err)
	}
	return prod, nil
}

// Publisher sends commit events to a Kafka topic.
type Publisher struct {
	prod    sarama.SyncProducer
	topic   string
	builder Builder
	log     zerolog.Logger
}

// NewPublisher wraps prod. The topic, source and H3 resolution come from cfg.
func NewPublisher(prod sarama.SyncProducer, cfg fixer.KafkaConfig, log zerolog.Logger) *Publisher {
	topic := cfg.Topic
	if topic == "" {
		topic = "geomfix.features"
	}
	return &Publisher{
		prod:    prod,
		topic:   topic,
		builder: Builder{Source: cfg.Source, H3Resolution: cfg.H3Resolution},
		log:     log.With().Str("component", "changefeed").Logger(),
	}
}

// Publish sends one message per changed feature in a single batch.
func (p *Publisher) Publish(ctx context.Context, c *fixer.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	events := p.builder.Events(c)
	if len(events) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("changefeed: marshal event %s: %w", ev.Key(), err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(ev.Key()),
			Value: sarama.ByteEncoder(b),
		})
	}
	if err := p.prod.SendMessages(msgs); err != nil {
		return fmt.Errorf("changefeed: send %d events: %w", len(msgs), err)
	}
	p.log.Debug().Str("layer", c.Layer).Int("events", len(msgs)).Msg("commit published")
	return nil
}

// Listener adapts the publisher to a layer commit listener. Delivery
// failures are logged and do not affect the committed layer.
func (p *Publisher) Listener() fixer.CommitListener {
	return func(ctx context.Context, c *fixer.Commit) {
		if err := p.Publish(ctx, c); err != nil {
			p.log.Error().Err(err).Str("layer", c.Layer).Msg("change feed publish failed")
		}
	}
}

func (p *Publisher) Close() error {
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("changefeed: close producer: %w", err)
	}
	return nil
}
