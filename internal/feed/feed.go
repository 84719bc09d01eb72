// Package feed turns external price sources into aggregator samples. All
// symbol translation happens here; the core only sees canonical symbols.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/market"
	fp "TradeLedger/internal/math"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/price"

	"github.com/shopspring/decimal"
)

// Sink receives parsed samples; satisfied by *price.Aggregator.
type Sink interface {
	Ingest(s price.Sample) bool
}

// Source runs until ctx is cancelled, pushing samples into sink.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// NormalizeSymbol maps external spellings such as "btc-usdt", "BTC_USDT",
// "BTC/USDT" or "BTC-USDT-PERP" to the canonical "BTCUSDT".
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	for _, suffix := range []string{"-PERP", "_PERP", "/PERP", "-SWAP", "_SWAP"} {
		s = strings.TrimSuffix(s, suffix)
	}
	s = strings.NewReplacer("-", "", "_", "", "/", "", ":", "").Replace(s)
	if _, err := market.ParseSymbol(s); err != nil {
		return "", fmt.Errorf("normalize %q: %w", raw, err)
	}
	return s, nil
}

// tickJSON is the wire form every source accepts. price may be a JSON string
// or number; the timestamp is optional and defaults to receipt time.
type tickJSON struct {
	Symbol      string      `json:"symbol"`
	Price       json.Number `json:"price"`
	TimestampMs int64       `json:"timestamp_ms"`
	TimestampUs int64       `json:"timestamp_us"`
}

// Parse decodes one tick. received is used when the payload carries no
// timestamp of its own.
func Parse(data []byte, source string, received time.Time) (price.Sample, error) {
	var j tickJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&j); err != nil {
		return price.Sample{}, fmt.Errorf("%w: parse tick: %v", apperr.ErrValidation, err)
	}
	return j.sample(source, received)
}

// ParseBatch decodes either a single tick object or an array of ticks.
func ParseBatch(data []byte, source string, received time.Time) ([]price.Sample, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		s, err := Parse(trimmed, source, received)
		if err != nil {
			return nil, err
		}
		return []price.Sample{s}, nil
	}

	var list []tickJSON
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: parse tick list: %v", apperr.ErrValidation, err)
	}
	out := make([]price.Sample, 0, len(list))
	for _, j := range list {
		s, err := j.sample(source, received)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (j tickJSON) sample(source string, received time.Time) (price.Sample, error) {
	symbol, err := NormalizeSymbol(j.Symbol)
	if err != nil {
		return price.Sample{}, err
	}
	d, err := decimal.NewFromString(j.Price.String())
	if err != nil {
		return price.Sample{}, fmt.Errorf("%w: price %q for %s", apperr.ErrValidation, j.Price, symbol)
	}
	// Venues quote finer than our tick precision; round rather than reject.
	p, err := fp.FromDecimal(d.Round(fp.PriceConfig.DecimalPrecision), fp.PriceConfig)
	if err != nil {
		return price.Sample{}, fmt.Errorf("parse price for %s: %w", symbol, err)
	}
	if p <= 0 {
		return price.Sample{}, fmt.Errorf("%w: non-positive price %s for %s", apperr.ErrValidation, d, symbol)
	}
	observed := received
	switch {
	case j.TimestampUs > 0:
		observed = time.UnixMicro(j.TimestampUs)
	case j.TimestampMs > 0:
		observed = time.UnixMilli(j.TimestampMs)
	}
	return price.Sample{Symbol: symbol, Price: p, Source: source, ObservedAt: observed}, nil
}

// deliver parses data and pushes every sample into sink. Malformed payloads
// are counted and reported; the caller decides whether to ack.
func deliver(sink Sink, data []byte, source string, received time.Time, metrics *observability.Metrics) (int, error) {
	samples, err := ParseBatch(data, source, received)
	if err != nil {
		if metrics != nil {
			metrics.PriceSamples.WithLabelValues(source, "malformed").Inc()
		}
		return 0, err
	}
	accepted := 0
	for _, s := range samples {
		if sink.Ingest(s) {
			accepted++
		}
	}
	return accepted, nil
}
