package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"TradeLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader a KafkaSource uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaReader builds a group reader that starts at the newest offset.
func NewKafkaReader(cfg KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    kafka.LastOffset,
		SessionTimeout: 10 * time.Second,
		MaxBytes:       1 << 20,
	})
}

// KafkaSource reads ticks from a topic and commits each message after it
// has been offered to the sink. Malformed messages are committed too.
type KafkaSource struct {
	reader  MessageReader
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewKafkaSource(reader MessageReader, logger zerolog.Logger, metrics *observability.Metrics) *KafkaSource {
	return &KafkaSource{reader: reader, logger: logger, metrics: metrics}
}

func (s *KafkaSource) Name() string { return "kafka" }

// Run consumes until ctx is cancelled. The reader is closed, leaving the
// consumer group, only on cancellation so RunAll can restart Run after other
// failures.
func (s *KafkaSource) Run(ctx context.Context, sink Sink) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.reader.Close()
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("kafka reader closed: %w", err)
			}
			s.logger.Warn().Err(err).Msg("kafka fetch failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		received := msg.Time
		if received.IsZero() {
			received = time.Now()
		}
		if _, err := deliver(sink, msg.Value, s.Name(), received, s.metrics); err != nil {
			s.logger.Warn().Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("dropping malformed tick")
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("kafka commit failed")
		}
	}
}
