// Package price keeps the latest accepted price per symbol and notifies
// per-symbol watchers of every accepted sample.
package price

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/observability"
)

// Sample is one price observation from a feed. Price uses PriceConfig scale.
type Sample struct {
	Symbol     string
	Price      int64
	Source     string
	ObservedAt time.Time
}

// Quote is the retained sample plus its age at read time.
type Quote struct {
	Symbol     string
	Price      int64
	Source     string
	ObservedAt time.Time
	Age        time.Duration
}

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// Aggregator holds the most recent sample per symbol (last-write-wins by
// ObservedAt). Safe for concurrent use.
type Aggregator struct {
	mu       sync.RWMutex
	latest   map[string]Sample
	watchers map[string]map[*watcher]struct{}

	now     Clock
	metrics *observability.Metrics
}

type watcher struct {
	ch chan Sample
}

func NewAggregator(now Clock, metrics *observability.Metrics) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		latest:   make(map[string]Sample),
		watchers: make(map[string]map[*watcher]struct{}),
		now:      now,
		metrics:  metrics,
	}
}

// Ingest offers a sample. It returns true if the sample became the retained
// price, false if it was invalid or not strictly newer than the current one.
func (a *Aggregator) Ingest(s Sample) bool {
	if s.Symbol == "" || s.Price <= 0 || s.ObservedAt.IsZero() {
		a.record(s.Source, "invalid")
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if cur, ok := a.latest[s.Symbol]; ok && !s.ObservedAt.After(cur.ObservedAt) {
		a.record(s.Source, "stale")
		return false
	}
	a.latest[s.Symbol] = s
	a.record(s.Source, "accepted")

	for w := range a.watchers[s.Symbol] {
		offer(w.ch, s)
	}
	return true
}

// offer replaces any unread sample so a slow watcher only ever sees the newest.
func offer(ch chan Sample, s Sample) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// GetPrice returns the retained price for symbol and its age.
func (a *Aggregator) GetPrice(symbol string) (Quote, error) {
	a.mu.RLock()
	s, ok := a.latest[symbol]
	a.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", symbol, apperr.ErrUnknownPrice)
	}
	return Quote{
		Symbol:     s.Symbol,
		Price:      s.Price,
		Source:     s.Source,
		ObservedAt: s.ObservedAt,
		Age:        a.now().Sub(s.ObservedAt),
	}, nil
}

// FreshPrice is GetPrice that fails with ErrStalePrice when the price is
// older than maxAge. A non-positive maxAge disables the check.
func (a *Aggregator) FreshPrice(symbol string, maxAge time.Duration) (Quote, error) {
	q, err := a.GetPrice(symbol)
	if err != nil {
		return Quote{}, err
	}
	if maxAge > 0 && q.Age > maxAge {
		return q, fmt.Errorf("%s: age %s exceeds %s: %w", symbol, q.Age, maxAge, apperr.ErrStalePrice)
	}
	return q, nil
}

// Watch subscribes to accepted samples for symbol. The channel holds at most
// one unread sample; newer samples overwrite it. cancel closes the channel.
func (a *Aggregator) Watch(symbol string) (<-chan Sample, func()) {
	w := &watcher{ch: make(chan Sample, 1)}

	a.mu.Lock()
	set, ok := a.watchers[symbol]
	if !ok {
		set = make(map[*watcher]struct{})
		a.watchers[symbol] = set
	}
	set[w] = struct{}{}
	a.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.watchers[symbol], w)
			if len(a.watchers[symbol]) == 0 {
				delete(a.watchers, symbol)
			}
			close(w.ch)
			a.mu.Unlock()
		})
	}
	return w.ch, cancel
}

// Symbols lists every symbol with a retained price, sorted.
func (a *Aggregator) Symbols() []string {
	a.mu.RLock()
	out := make([]string, 0, len(a.latest))
	for sym := range a.latest {
		out = append(out, sym)
	}
	a.mu.RUnlock()
	sort.Strings(out)
	return out
}

// All returns a quote for every known symbol.
func (a *Aggregator) All() []Quote {
	syms := a.Symbols()
	out := make([]Quote, 0, len(syms))
	for _, sym := range syms {
		if q, err := a.GetPrice(sym); err == nil {
			out = append(out, q)
		}
	}
	return out
}

func (a *Aggregator) record(source, outcome string) {
	if a.metrics != nil {
		a.metrics.PriceSamples.WithLabelValues(source, outcome).Inc()
	}
}
