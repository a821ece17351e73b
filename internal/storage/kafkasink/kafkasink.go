// internal/storage/kafkasink/kafkasink.go

// Package kafkasink streams published consensus records to a Kafka topic
// for downstream consumers. The sink is optional; the gateway runs
// without it when no brokers are configured.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/pricemesh/pricemesh/internal/domain"
	"github.com/pricemesh/pricemesh/pkg/kafka"
	"github.com/pricemesh/pricemesh/pkg/logger"
)

// Config names the target topic.
type Config struct {
	Topic string `mapstructure:"topic"`
}

func (c Config) validate() error {
	if c.Topic == "" {
		return fmt.Errorf("kafkasink: topic is required")
	}
	return nil
}

// Sink publishes consensus records keyed by symbol, so one symbol's
// history stays ordered within a partition.
type Sink struct {
	producer kafka.Producer
	topic    string
	log      *logger.Logger
}

// New wires a sink over an existing producer.
func New(cfg Config, producer kafka.Producer, log *logger.Logger) (*Sink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if producer == nil {
		return nil, fmt.Errorf("kafkasink: producer is required")
	}
	return &Sink{producer: producer, topic: cfg.Topic, log: log.Named("kafkasink")}, nil
}

// PublishConsensus sends one record.
func (s *Sink) PublishConsensus(ctx context.Context, rec domain.ConsensusRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kafkasink: marshal consensus: %w", err)
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(rec.Symbol), payload); err != nil {
		s.log.WithContext(ctx).Error("consensus publish failed",
			zap.String("symbol", rec.Symbol), zap.Error(err))
		return fmt.Errorf("kafkasink: publish: %w", err)
	}
	return nil
}
