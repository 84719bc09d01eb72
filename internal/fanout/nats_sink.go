package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"TradeLedger/internal/event"
	"TradeLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStreamName = "TRADE_ACCOUNT_EVENTS"
	outboundSubjects   = "trade.account.>"
)

// StreamPublisher is the subset of jetstream.JetStream used by NATSSink.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSSink mirrors every account event to JetStream under
// trade.account.{user_id}.{kind}. Publish only enqueues; Run drains the
// queue so a slow NATS never stalls the hub. A full queue drops the event.
type NATSSink struct {
	js      StreamPublisher
	queue   chan event.AccountEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewNATSSink(js StreamPublisher, buffer int, logger zerolog.Logger, metrics *observability.Metrics) *NATSSink {
	return &NATSSink{
		js:      js,
		queue:   make(chan event.AccountEvent, buffer),
		metrics: metrics,
		logger:  logger,
	}
}

func (s *NATSSink) Publish(_ context.Context, evt event.AccountEvent) error {
	select {
	case s.queue <- evt:
		if s.metrics != nil {
			s.metrics.SetChannelMetrics("nats_sink", len(s.queue), cap(s.queue))
		}
		return nil
	default:
		return fmt.Errorf("nats sink queue full, dropped seq=%d", evt.Sequence)
	}
}

// Run publishes queued events until ctx is cancelled.
func (s *NATSSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-s.queue:
			if err := s.publish(ctx, evt); err != nil {
				s.logger.Warn().Err(err).
					Str("user_id", evt.UserID.String()).
					Uint64("sequence", evt.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (s *NATSSink) publish(ctx context.Context, evt event.AccountEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.js.Publish(ctx, Subject(evt), data)
	return err
}

// Subject returns the outbound subject for evt.
func Subject(evt event.AccountEvent) string {
	return fmt.Sprintf("trade.account.%s.%s", evt.UserID, evt.Kind)
}

// EnsureOutboundStream creates the outbound account events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStreamName,
		Subjects:  []string{outboundSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
