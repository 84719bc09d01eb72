package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"TradeLedger/internal/ledger"

	"github.com/google/uuid"
)

// PostgresBalanceStore implements ledger.BalanceStore. Each Apply runs in one
// transaction: the operation key insert, the mutation's condition and every
// guarded leg update commit together or not at all. Row locks are taken in key order so concurrent
// multi-leg mutations cannot deadlock.
type PostgresBalanceStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresBalanceStore(db *sql.DB) *PostgresBalanceStore {
	return &PostgresBalanceStore{db: db, now: time.Now}
}

func (s *PostgresBalanceStore) Get(ctx context.Context, key ledger.AccountKey) (ledger.Balance, error) {
	b := ledger.Balance{Key: key}
	err := s.db.QueryRowContext(ctx, `
		SELECT available, reserved, version, updated_at
		FROM ledger.balances
		WHERE user_id = $1 AND asset = $2`,
		key.UserID, key.Asset,
	).Scan(&b.Available, &b.Reserved, &b.Version, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{Key: key}, nil
	}
	if err != nil {
		return ledger.Balance{}, wrapErr("get balance", err)
	}
	return b, nil
}

func (s *PostgresBalanceStore) List(ctx context.Context, userID uuid.UUID) ([]ledger.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, available, reserved, version, updated_at
		FROM ledger.balances
		WHERE user_id = $1
		ORDER BY asset`,
		userID,
	)
	if err != nil {
		return nil, wrapErr("list balances", err)
	}
	defer rows.Close()

	var out []ledger.Balance
	for rows.Next() {
		b := ledger.Balance{Key: ledger.AccountKey{UserID: userID}}
		if err := rows.Scan(&b.Key.Asset, &b.Available, &b.Reserved, &b.Version, &b.UpdatedAt); err != nil {
			return nil, wrapErr("scan balance", err)
		}
		out = append(out, b)
	}
	return out, wrapErr("list balances", rows.Err())
}

func (s *PostgresBalanceStore) Apply(ctx context.Context, m ledger.Mutation) ([]ledger.Balance, error) {
	if len(m.Legs) == 0 {
		return nil, fmt.Errorf("mutation %q has no legs", m.OpKey)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("begin apply", err)
	}
	defer tx.Rollback()

	if m.OpKey != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO ledger.operations (op_key, op) VALUES ($1, $2) ON CONFLICT (op_key) DO NOTHING`,
			m.OpKey, string(m.Op),
		)
		if err != nil {
			return nil, wrapErr("record op key", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, wrapErr("record op key", err)
		} else if n == 0 {
			return nil, ledger.ErrDuplicateOp
		}
	}

	if m.Cond != nil {
		if err := m.Cond(withTx(ctx, tx)); err != nil {
			return nil, err
		}
	}

	// Legs on the same account are applied as their combined delta.
	combined := make(map[ledger.AccountKey]ledger.Leg, len(m.Legs))
	keys := make([]ledger.AccountKey, 0, len(m.Legs))
	for _, leg := range m.Legs {
		c, ok := combined[leg.Key]
		if !ok {
			keys = append(keys, leg.Key)
			c.Key = leg.Key
		}
		c.AvailableDelta += leg.AvailableDelta
		c.ReservedDelta += leg.ReservedDelta
		combined[leg.Key] = c
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	now := s.now()
	post := make(map[ledger.AccountKey]ledger.Balance, len(keys))
	for _, key := range keys {
		b, err := applyLeg(ctx, tx, combined[key], now)
		if err != nil {
			return nil, err
		}
		post[key] = b
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("commit apply", err)
	}

	out := make([]ledger.Balance, len(m.Legs))
	for i, leg := range m.Legs {
		out[i] = post[leg.Key]
	}
	return out, nil
}

func applyLeg(ctx context.Context, tx *sql.Tx, leg ledger.Leg, now time.Time) (ledger.Balance, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger.balances (user_id, asset, updated_at) VALUES ($1, $2, $3) ON CONFLICT (user_id, asset) DO NOTHING`,
		leg.Key.UserID, leg.Key.Asset, now,
	); err != nil {
		return ledger.Balance{}, wrapErr("ensure balance row", err)
	}

	b := ledger.Balance{Key: leg.Key}
	err := tx.QueryRowContext(ctx, `
		UPDATE ledger.balances
		SET available = available + $3,
		    reserved = reserved + $4,
		    version = version + 1,
		    updated_at = $5
		WHERE user_id = $1 AND asset = $2
		  AND available + $3 >= 0
		  AND reserved + $4 >= 0
		RETURNING available, reserved, version, updated_at`,
		leg.Key.UserID, leg.Key.Asset, leg.AvailableDelta, leg.ReservedDelta, now,
	).Scan(&b.Available, &b.Reserved, &b.Version, &b.UpdatedAt)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, wrapErr("apply leg", err)
	}

	// Guard miss: report which field would have gone negative.
	var avail, reserved int64
	if err := tx.QueryRowContext(ctx,
		`SELECT available, reserved FROM ledger.balances WHERE user_id = $1 AND asset = $2`,
		leg.Key.UserID, leg.Key.Asset,
	).Scan(&avail, &reserved); err != nil {
		return ledger.Balance{}, wrapErr("read guard state", err)
	}
	if avail+leg.AvailableDelta < 0 {
		return ledger.Balance{}, &ledger.GuardError{Key: leg.Key, Field: ledger.FieldAvailable, Have: avail, Delta: leg.AvailableDelta}
	}
	return ledger.Balance{}, &ledger.GuardError{Key: leg.Key, Field: ledger.FieldReserved, Have: reserved, Delta: leg.ReservedDelta}
}
