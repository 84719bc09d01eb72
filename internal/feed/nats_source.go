package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	PriceStream   = "TRADE_PRICES"
	PriceSubjects = "trade.prices.>"
)

// NATSConfig names the JetStream consumer a NATSSource binds to.
type NATSConfig struct {
	Stream   string
	Subject  string
	Consumer string
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{Stream: PriceStream, Subject: PriceSubjects, Consumer: "tradeledger-prices"}
}

// NATSSource consumes ticks from a JetStream stream with explicit acks.
// Malformed ticks are terminated so they are not redelivered.
type NATSSource struct {
	js      jetstream.JetStream
	cfg     NATSConfig
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewNATSSource(js jetstream.JetStream, cfg NATSConfig, logger zerolog.Logger, metrics *observability.Metrics) *NATSSource {
	return &NATSSource{js: js, cfg: cfg, logger: logger, metrics: metrics}
}

func (s *NATSSource) Name() string { return "nats" }

func (s *NATSSource) Run(ctx context.Context, sink Sink) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       s.cfg.Consumer,
		FilterSubject: s.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		// Only the newest price matters; never replay history on start.
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", s.cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(sink, msg.Subject(), msg.Data(), msg.Ack, msg.Term)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.cfg.Consumer, err)
	}
	s.logger.Info().Str("subject", s.cfg.Subject).Str("consumer", s.cfg.Consumer).Msg("subscribed to price feed")

	<-ctx.Done()
	cc.Stop()
	return ctx.Err()
}

func (s *NATSSource) handle(sink Sink, subject string, data []byte, ack, term func() error) {
	_, err := deliver(sink, data, s.Name(), time.Now(), s.metrics)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("dropping malformed tick")
		if errors.Is(err, apperr.ErrValidation) {
			_ = term()
			return
		}
	}
	if aerr := ack(); aerr != nil {
		s.logger.Debug().Err(aerr).Str("subject", subject).Msg("ack failed")
	}
}

// EnsurePriceStream creates the inbound price stream if it doesn't exist.
// Prices are short-lived, so the stream keeps one message per subject.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream, cfg NATSConfig) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              cfg.Stream,
		Subjects:          []string{cfg.Subject},
		Storage:           jetstream.MemoryStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		MaxAge:            time.Hour,
		Replicas:          1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("tradeledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
