package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"TradeLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PollSource fetches a ticker endpoint on a fixed interval. The endpoint
// returns one tick object or an array of them. Ticks without a timestamp are
// stamped with the poll time.
type PollSource struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewPollSource(url string, interval time.Duration, client *http.Client, logger zerolog.Logger, metrics *observability.Metrics) *PollSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollSource{url: url, interval: interval, client: client, logger: logger, metrics: metrics}
}

func (s *PollSource) Name() string { return "poll" }

func (s *PollSource) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if n, err := s.Poll(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Str("url", s.url).Msg("price poll failed")
		} else {
			s.logger.Debug().Int("accepted", n).Msg("price poll")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll performs one fetch and returns how many samples the sink accepted.
func (s *PollSource) Poll(ctx context.Context, sink Sink) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	received := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch prices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch prices: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, fmt.Errorf("read prices: %w", err)
	}
	return deliver(sink, body, s.Name(), received, s.metrics)
}
