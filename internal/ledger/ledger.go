package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BalanceListener is told about every balance a committed mutation touched.
type BalanceListener func(ctx context.Context, b Balance)

// Options configures a Ledger. Zero values are usable.
type Options struct {
	LRUCapacity int
	Auditor     Auditor
	Listener    BalanceListener
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// Ledger is the only writer of balances. Every operation is a single
// conditional mutation against the store, keyed by a caller-supplied
// operation key; replaying a key is a no-op that returns current state.
type Ledger struct {
	store    BalanceStore
	lru      *IdempotencyLRU
	auditor  Auditor
	listener BalanceListener
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func New(store BalanceStore, opts Options) *Ledger {
	if opts.LRUCapacity <= 0 {
		opts.LRUCapacity = 100_000
	}
	return &Ledger{
		store:    store,
		lru:      NewIdempotencyLRU(opts.LRUCapacity),
		auditor:  opts.Auditor,
		listener: opts.Listener,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// SetListener replaces the balance listener. Must be called before use.
func (l *Ledger) SetListener(fn BalanceListener) {
	l.listener = fn
}

// Reserve moves amount from available to reserved.
func (l *Ledger) Reserve(ctx context.Context, opKey string, key AccountKey, amount int64, conds ...Condition) (Balance, error) {
	return l.single(ctx, OpReserve, opKey, key, amount, Leg{Key: key, AvailableDelta: -amount, ReservedDelta: amount}, conds)
}

// Release moves amount from reserved back to available.
func (l *Ledger) Release(ctx context.Context, opKey string, key AccountKey, amount int64, conds ...Condition) (Balance, error) {
	return l.single(ctx, OpRelease, opKey, key, amount, Leg{Key: key, AvailableDelta: amount, ReservedDelta: -amount}, conds)
}

// Consume removes amount from reserved; the funds leave the account.
func (l *Ledger) Consume(ctx context.Context, opKey string, key AccountKey, amount int64, conds ...Condition) (Balance, error) {
	return l.single(ctx, OpConsume, opKey, key, amount, Leg{Key: key, ReservedDelta: -amount}, conds)
}

// Credit adds amount to available.
func (l *Ledger) Credit(ctx context.Context, opKey string, key AccountKey, amount int64, conds ...Condition) (Balance, error) {
	return l.single(ctx, OpCredit, opKey, key, amount, Leg{Key: key, AvailableDelta: amount}, conds)
}

// Debit removes amount from available.
func (l *Ledger) Debit(ctx context.Context, opKey string, key AccountKey, amount int64, conds ...Condition) (Balance, error) {
	return l.single(ctx, OpDebit, opKey, key, amount, Leg{Key: key, AvailableDelta: -amount}, conds)
}

// Deposit credits funds arriving from outside the exchange.
func (l *Ledger) Deposit(ctx context.Context, opKey string, key AccountKey, amount int64) (Balance, error) {
	return l.Credit(ctx, "deposit:"+opKey, key, amount)
}

// Withdraw debits funds leaving the exchange.
func (l *Ledger) Withdraw(ctx context.Context, opKey string, key AccountKey, amount int64) (Balance, error) {
	return l.Debit(ctx, "withdraw:"+opKey, key, amount)
}

// Transfer moves amount between the available balances of two accounts of
// the same asset, atomically.
func (l *Ledger) Transfer(ctx context.Context, opKey string, from, to AccountKey, amount int64) ([]Balance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive, got %d", apperr.ErrValidation, amount)
	}
	if from.Asset != to.Asset {
		return nil, fmt.Errorf("%w: transfer between %s and %s", apperr.ErrValidation, from.Asset, to.Asset)
	}
	if from == to {
		return nil, fmt.Errorf("%w: transfer to self", apperr.ErrValidation)
	}
	return l.apply(ctx, Mutation{OpKey: opKey, Op: OpTransfer, Legs: []Leg{
		{Key: from, AvailableDelta: -amount},
		{Key: to, AvailableDelta: amount},
	}})
}

// Swap settles a fill in one step. The paid asset leaves the reservation
// on from, any unspent part of the reservation returns to from's available
// balance, and the received asset lands in to's available balance.
func (l *Ledger) Swap(ctx context.Context, opKey string, from AccountKey, reserved, paid int64, to AccountKey, received int64, conds ...Condition) ([]Balance, error) {
	if paid <= 0 || received <= 0 {
		return nil, fmt.Errorf("%w: swap amounts must be positive, got %d/%d", apperr.ErrValidation, paid, received)
	}
	if paid > reserved {
		return nil, fmt.Errorf("%w: swap pays %d out of a %d reservation", apperr.ErrValidation, paid, reserved)
	}
	if from == to {
		return nil, fmt.Errorf("%w: swap on a single account", apperr.ErrValidation)
	}
	return l.apply(ctx, Mutation{OpKey: opKey, Op: OpSwap, Cond: allOf(conds), Legs: []Leg{
		{Key: from, AvailableDelta: reserved - paid, ReservedDelta: -reserved},
		{Key: to, AvailableDelta: received},
	}})
}

// Settle releases margin from reserved and applies pnl in one step:
// available += margin + pnl, reserved -= margin. A loss larger than the
// margin draws on available and fails with ErrInsufficientBalance if
// available cannot cover it.
func (l *Ledger) Settle(ctx context.Context, opKey string, key AccountKey, margin, pnl int64, conds ...Condition) (Balance, error) {
	if margin < 0 {
		return Balance{}, fmt.Errorf("%w: negative margin %d", apperr.ErrValidation, margin)
	}
	out, err := l.apply(ctx, Mutation{OpKey: opKey, Op: OpSettle, Cond: allOf(conds), Legs: []Leg{
		{Key: key, AvailableDelta: margin + pnl, ReservedDelta: -margin},
	}})
	if err != nil {
		return Balance{}, err
	}
	return out[0], nil
}

// Get returns the committed balance of one account.
func (l *Ledger) Get(ctx context.Context, key AccountKey) (Balance, error) {
	return l.store.Get(ctx, key)
}

// Balances lists every balance a user holds.
func (l *Ledger) Balances(ctx context.Context, userID uuid.UUID) ([]Balance, error) {
	return l.store.List(ctx, userID)
}

func (l *Ledger) single(ctx context.Context, op Op, opKey string, key AccountKey, amount int64, leg Leg, conds []Condition) (Balance, error) {
	if amount <= 0 {
		return Balance{}, fmt.Errorf("%w: %s amount must be positive, got %d", apperr.ErrValidation, op, amount)
	}
	out, err := l.apply(ctx, Mutation{OpKey: opKey, Op: op, Cond: allOf(conds), Legs: []Leg{leg}})
	if err != nil {
		return Balance{}, err
	}
	return out[0], nil
}

// allOf runs conds in order and stops at the first error.
func allOf(conds []Condition) Condition {
	switch len(conds) {
	case 0:
		return nil
	case 1:
		return conds[0]
	}
	return func(ctx context.Context) error {
		for _, c := range conds {
			if c == nil {
				continue
			}
			if err := c(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func (l *Ledger) apply(ctx context.Context, m Mutation) ([]Balance, error) {
	if m.OpKey == "" {
		return nil, fmt.Errorf("%w: %s requires an operation key", apperr.ErrValidation, m.Op)
	}
	for _, leg := range m.Legs {
		if leg.Key.Asset == "" || leg.Key.UserID == uuid.Nil {
			return nil, fmt.Errorf("%w: %s on incomplete account %s", apperr.ErrValidation, m.Op, leg.Key)
		}
	}

	if l.lru.Contains(m.OpKey) {
		l.recordDuplicate("lru")
		return l.current(ctx, m.Legs)
	}

	start := time.Now()
	post, err := l.store.Apply(ctx, m)
	if l.metrics != nil {
		l.metrics.LedgerOpDuration.WithLabelValues(string(m.Op)).Observe(time.Since(start).Seconds())
	}

	if errors.Is(err, ErrDuplicateOp) {
		l.remember(m.OpKey)
		l.recordDuplicate("store")
		return l.current(ctx, m.Legs)
	}
	if err != nil {
		err = l.classify(m, err)
		l.recordOutcome(m.Op, err)
		return nil, err
	}

	l.remember(m.OpKey)
	l.recordOutcome(m.Op, nil)

	if l.auditor != nil {
		if aerr := l.auditor.Record(ctx, newJournalEntries(m, post)); aerr != nil {
			l.logger.Error().Err(aerr).Str("op_key", m.OpKey).Msg("journal record failed")
		}
	}
	if l.listener != nil {
		seen := make(map[AccountKey]bool, len(post))
		// Iterate backwards so a key touched twice reports its final state.
		for i := len(post) - 1; i >= 0; i-- {
			if seen[post[i].Key] {
				continue
			}
			seen[post[i].Key] = true
			l.listener(ctx, post[i])
		}
	}
	return post, nil
}

func (l *Ledger) classify(m Mutation, err error) error {
	var guard *GuardError
	if !errors.As(err, &guard) {
		return err
	}
	if guard.Field == FieldAvailable {
		return fmt.Errorf("%s %s: need %d, available %d: %w",
			m.Op, guard.Key, -guard.Delta, guard.Have, apperr.ErrInsufficientBalance)
	}
	l.logger.Error().
		Bool("invariant", true).
		Str("op", string(m.Op)).
		Str("op_key", m.OpKey).
		Str("account", guard.Key.String()).
		Int64("reserved", guard.Have).
		Int64("delta", guard.Delta).
		Msg("reserved balance would go negative")
	return fmt.Errorf("%s %s: reserved %d < %d: %w",
		m.Op, guard.Key, guard.Have, -guard.Delta, apperr.ErrInvalidState)
}

func (l *Ledger) current(ctx context.Context, legs []Leg) ([]Balance, error) {
	out := make([]Balance, len(legs))
	for i, leg := range legs {
		b, err := l.store.Get(ctx, leg.Key)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (l *Ledger) remember(opKey string) {
	evicted := l.lru.Add(opKey)
	if l.metrics != nil {
		l.metrics.DedupLRUSize.Set(float64(l.lru.Size()))
		if evicted {
			l.metrics.DedupLRUEvictions.Inc()
		}
	}
}

func (l *Ledger) recordDuplicate(tier string) {
	if l.metrics != nil {
		l.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

func (l *Ledger) recordOutcome(op Op, err error) {
	if l.metrics != nil {
		l.metrics.LedgerOps.WithLabelValues(string(op), apperr.Kind(err)).Inc()
	}
}
