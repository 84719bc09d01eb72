package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/spot"

	"github.com/google/uuid"
)

const orderColumns = `id, seq, user_id, client_order_id, symbol, base, quote, side, type, limit_price, size, status,
	reserved_asset, reserved_amount, fill_price, created_at, updated_at`

// PostgresOrderStore implements spot.OrderStore on trading.spot_orders.
// Arrival order comes from the table's sequence column.
type PostgresOrderStore struct {
	db *sql.DB
}

func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

func (s *PostgresOrderStore) Create(ctx context.Context, o spot.Order) (spot.Order, error) {
	err := conn(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO trading.spot_orders
			(id, user_id, client_order_id, symbol, base, quote, side, type, limit_price, size, status,
			 reserved_asset, reserved_amount, fill_price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING seq`,
		o.ID, o.UserID, o.ClientOrderID, o.Symbol, o.Base, o.Quote, string(o.Side), string(o.Type), o.LimitPrice, o.Size,
		string(o.Status), o.ReservedAsset, o.ReservedAmount, o.FillPrice, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.Seq)
	if isUniqueViolation(err) {
		return spot.Order{}, fmt.Errorf("%w: order %s already exists", apperr.ErrValidation, o.ID)
	}
	if err != nil {
		return spot.Order{}, wrapErr("create order", err)
	}
	return o, nil
}

func (s *PostgresOrderStore) Get(ctx context.Context, id uuid.UUID) (spot.Order, error) {
	o, err := scanOrder(conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM trading.spot_orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return spot.Order{}, fmt.Errorf("%s: %w", id, apperr.ErrOrderNotFound)
	}
	if err != nil {
		return spot.Order{}, wrapErr("get order", err)
	}
	return o, nil
}

func (s *PostgresOrderStore) Transition(ctx context.Context, id uuid.UUID, from, to spot.Status, fillPrice int64, at time.Time) (spot.Order, bool, error) {
	o, err := scanOrder(conn(ctx, s.db).QueryRowContext(ctx, `
		UPDATE trading.spot_orders
		SET status = $3::text,
		    updated_at = $4,
		    fill_price = CASE WHEN $3::text = 'filled' THEN $5 ELSE fill_price END
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		id, string(from), string(to), at, fillPrice,
	))
	if err == nil {
		return o, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return spot.Order{}, false, wrapErr("transition order", err)
	}
	// Either the order doesn't exist or someone else moved it first.
	cur, err := s.Get(ctx, id)
	if err != nil {
		return spot.Order{}, false, err
	}
	return cur, false, nil
}

func (s *PostgresOrderStore) Pending(ctx context.Context, symbol string) ([]spot.Order, error) {
	rows, err := conn(ctx, s.db).QueryContext(ctx,
		`SELECT `+orderColumns+` FROM trading.spot_orders
		 WHERE symbol = $1 AND status = 'pending'
		 ORDER BY seq`, symbol)
	if err != nil {
		return nil, wrapErr("list pending orders", err)
	}
	return collectOrders(rows)
}

func (s *PostgresOrderStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]spot.Order, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := conn(ctx, s.db).QueryContext(ctx,
		`SELECT `+orderColumns+` FROM trading.spot_orders
		 WHERE user_id = $1
		 ORDER BY seq DESC
		 LIMIT $2`, userID, lim)
	if err != nil {
		return nil, wrapErr("list orders", err)
	}
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]spot.Order, error) {
	defer rows.Close()
	var out []spot.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, wrapErr("scan order", err)
		}
		out = append(out, o)
	}
	return out, wrapErr("list orders", rows.Err())
}

func scanOrder(row rowScanner) (spot.Order, error) {
	var (
		o                 spot.Order
		side, typ, status string
	)
	err := row.Scan(
		&o.ID, &o.Seq, &o.UserID, &o.ClientOrderID, &o.Symbol, &o.Base, &o.Quote, &side, &typ, &o.LimitPrice, &o.Size, &status,
		&o.ReservedAsset, &o.ReservedAmount, &o.FillPrice, &o.CreatedAt, &o.UpdatedAt,
	)
	o.Side, o.Type, o.Status = spot.Side(side), spot.Type(typ), spot.Status(status)
	return o, err
}
