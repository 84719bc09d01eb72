package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/futures"

	"github.com/google/uuid"
)

const positionColumns = `id, user_id, client_order_id, symbol, asset, direction, order_type, limit_price, size, entry_price, leverage, margin,
	take_profit_price, take_profit_size, stop_loss_price, stop_loss_size, liquidation_price,
	status, realized_pnl, bad_debt, exit_price, close_reason, version, opened_at, updated_at, closed_at`

// PostgresPositionStore implements futures.PositionStore on
// trading.futures_positions. Update is a compare-and-set on version.
type PostgresPositionStore struct {
	db *sql.DB
}

func NewPostgresPositionStore(db *sql.DB) *PostgresPositionStore {
	return &PostgresPositionStore{db: db}
}

func (s *PostgresPositionStore) Create(ctx context.Context, p futures.Position) error {
	_, err := conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO trading.futures_positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23,
		        $24, $25, $26)`,
		p.ID, p.UserID, p.ClientOrderID, p.Symbol, p.Asset, string(p.Direction), string(p.OrderType), p.LimitPrice, p.Size, p.EntryPrice, p.Leverage, p.Margin,
		p.TakeProfitPrice, p.TakeProfitSize, p.StopLossPrice, p.StopLossSize, p.LiquidationPrice,
		string(p.Status), p.RealizedPnL, p.BadDebt, p.ExitPrice, string(p.CloseReason), p.Version,
		p.OpenedAt, p.UpdatedAt, nullTime(p),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: position %s already exists", apperr.ErrValidation, p.ID)
	}
	return wrapErr("create position", err)
}

func (s *PostgresPositionStore) Get(ctx context.Context, id uuid.UUID) (futures.Position, error) {
	p, err := scanPosition(conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM trading.futures_positions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return futures.Position{}, fmt.Errorf("%s: %w", id, apperr.ErrPositionNotFound)
	}
	if err != nil {
		return futures.Position{}, wrapErr("get position", err)
	}
	return p, nil
}

func (s *PostgresPositionStore) Update(ctx context.Context, p futures.Position, expectedVersion int64) (futures.Position, bool, error) {
	res, err := conn(ctx, s.db).ExecContext(ctx, `
		UPDATE trading.futures_positions
		SET size = $3, margin = $4, entry_price = $17, opened_at = $18,
		    take_profit_price = $5, take_profit_size = $6,
		    stop_loss_price = $7, stop_loss_size = $8,
		    liquidation_price = $9, status = $10, realized_pnl = $11, bad_debt = $12,
		    exit_price = $13, close_reason = $14, updated_at = $15, closed_at = $16,
		    version = $2 + 1
		WHERE id = $1 AND version = $2`,
		p.ID, expectedVersion, p.Size, p.Margin,
		p.TakeProfitPrice, p.TakeProfitSize, p.StopLossPrice, p.StopLossSize,
		p.LiquidationPrice, string(p.Status), p.RealizedPnL, p.BadDebt,
		p.ExitPrice, string(p.CloseReason), p.UpdatedAt, nullTime(p),
		p.EntryPrice, p.OpenedAt,
	)
	if err != nil {
		return futures.Position{}, false, wrapErr("update position", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return futures.Position{}, false, wrapErr("update position", err)
	}
	if n == 0 {
		cur, err := s.Get(ctx, p.ID)
		if err != nil {
			return futures.Position{}, false, err
		}
		return cur, false, nil
	}
	p.Version = expectedVersion + 1
	return p, true, nil
}

func (s *PostgresPositionStore) Open(ctx context.Context) ([]futures.Position, error) {
	return s.withStatus(ctx, futures.StatusOpen)
}

func (s *PostgresPositionStore) Pending(ctx context.Context) ([]futures.Position, error) {
	return s.withStatus(ctx, futures.StatusPending)
}

func (s *PostgresPositionStore) withStatus(ctx context.Context, status futures.Status) ([]futures.Position, error) {
	rows, err := conn(ctx, s.db).QueryContext(ctx,
		`SELECT `+positionColumns+` FROM trading.futures_positions
		 WHERE status = $1
		 ORDER BY opened_at, id`, string(status))
	if err != nil {
		return nil, wrapErr("list "+string(status)+" positions", err)
	}
	return collectPositions(rows)
}

func (s *PostgresPositionStore) ListByUser(ctx context.Context, userID uuid.UUID, includeClosed bool) ([]futures.Position, error) {
	rows, err := conn(ctx, s.db).QueryContext(ctx,
		`SELECT `+positionColumns+` FROM trading.futures_positions
		 WHERE user_id = $1 AND ($2 OR status IN ('open', 'pending'))
		 ORDER BY opened_at DESC, id DESC`, userID, includeClosed)
	if err != nil {
		return nil, wrapErr("list positions", err)
	}
	return collectPositions(rows)
}

func collectPositions(rows *sql.Rows) ([]futures.Position, error) {
	defer rows.Close()
	var out []futures.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, wrapErr("scan position", err)
		}
		out = append(out, p)
	}
	return out, wrapErr("list positions", rows.Err())
}

func scanPosition(row rowScanner) (futures.Position, error) {
	var (
		p                                    futures.Position
		direction, orderType, status, reason string
		closedAt                             sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.ClientOrderID, &p.Symbol, &p.Asset, &direction, &orderType, &p.LimitPrice, &p.Size, &p.EntryPrice, &p.Leverage, &p.Margin,
		&p.TakeProfitPrice, &p.TakeProfitSize, &p.StopLossPrice, &p.StopLossSize, &p.LiquidationPrice,
		&status, &p.RealizedPnL, &p.BadDebt, &p.ExitPrice, &reason, &p.Version, &p.OpenedAt, &p.UpdatedAt, &closedAt,
	)
	p.Direction, p.Status, p.CloseReason = futures.Direction(direction), futures.Status(status), futures.CloseReason(reason)
	p.OrderType = futures.OrderType(orderType)
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return p, err
}

func nullTime(p futures.Position) sql.NullTime {
	return sql.NullTime{Time: p.ClosedAt, Valid: !p.ClosedAt.IsZero()}
}
