package handler

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"vitals-monitor/internal/config"
	"vitals-monitor/internal/metrics"
)

const SourceKafka = "kafka"

// KafkaBridge feeds stream events relayed through a Kafka topic into the
// processor. Messages use the envelope or bare shapes RouteStreamMessage accepts.
type KafkaBridge struct {
	sink    EventSink
	logger  *zap.Logger
	metrics *metrics.Collector
}

func NewKafkaBridge(sink EventSink, logger *zap.Logger, m *metrics.Collector) *KafkaBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaBridge{sink: sink, logger: logger.With(zap.String("source", SourceKafka)), metrics: m}
}

func (b *KafkaBridge) RouteStreamMessage(ctx context.Context, msgValue []byte) {
	ev, err := RouteStreamMessage(msgValue)
	if err != nil {
		b.metrics.EventDropped("malformed")
		b.logger.Debug("Unroutable message on stream topic, ignoring", zap.ByteString("message", msgValue), zap.Error(err))
		return
	}
	b.sink.Publish(ctx, ev)
}

// RunConsumer polls topic until ctx is done.
func (b *KafkaBridge) RunConsumer(ctx context.Context, cfg *config.Config) error {
	kafkaConfig := &kafka.ConfigMap{
		"bootstrap.servers": cfg.KafkaBrokers,
		"group.id":          cfg.ConsumerGroup,
		"auto.offset.reset": "latest",
	}

	consumer, err := kafka.NewConsumer(kafkaConfig)
	if err != nil {
		return fmt.Errorf("create consumer for topic %s: %w", cfg.StreamTopic, err)
	}
	defer consumer.Close()

	if err := consumer.Subscribe(cfg.StreamTopic, nil); err != nil {
		return fmt.Errorf("subscribe to topic %s: %w", cfg.StreamTopic, err)
	}

	b.logger.Info("Consumer started",
		zap.String("topic", cfg.StreamTopic),
		zap.String("group_id", cfg.ConsumerGroup),
	)
	b.metrics.SetConnected(SourceKafka, true)
	defer b.metrics.SetConnected(SourceKafka, false)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Stopping consumer", zap.String("topic", cfg.StreamTopic))
			return nil
		default:
			ev := consumer.Poll(100)
			if ev == nil {
				continue
			}
			switch e := ev.(type) {
			case *kafka.Message:
				b.RouteStreamMessage(ctx, e.Value)
			case kafka.Error:
				b.logger.Error("Kafka error", zap.Error(e), zap.Bool("fatal", e.IsFatal()))
				if e.IsFatal() {
					return e
				}
			}
		}
	}
}
