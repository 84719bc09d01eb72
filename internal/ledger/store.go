package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrDuplicateOp is returned by a BalanceStore when the mutation's operation
// key was already recorded. The store must not have applied anything.
var ErrDuplicateOp = errors.New("duplicate operation key")

const (
	FieldAvailable = "available"
	FieldReserved  = "reserved"
)

// GuardError reports that applying a leg would drive a field negative.
// Nothing was applied.
type GuardError struct {
	Key   AccountKey
	Field string // FieldAvailable or FieldReserved
	Have  int64
	Delta int64
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guard %s on %s: have %d, delta %d", e.Field, e.Key, e.Have, e.Delta)
}

// Condition runs inside a mutation's commit, after the duplicate and guard
// checks and before anything is written. It is where a caller changes its
// own state (an order status, a position version) so that the change and
// the balance legs land together. A non-nil error aborts the mutation and
// is returned unchanged. A duplicate mutation never runs its condition.
type Condition func(ctx context.Context) error

// Mutation is an atomic set of legs under one operation key.
type Mutation struct {
	OpKey string
	Op    Op
	Legs  []Leg
	Cond  Condition
}

// BalanceStore is the persistence boundary for balances.
//
// Apply must behave as one conditional update: every leg's guard
// (available+delta >= 0 and reserved+delta >= 0) is evaluated against the
// current committed state and the legs are applied together with the
// operation key, or nothing is. A non-nil Cond is part of the same commit:
// it runs with a context that carries the store's transaction, if any.
// Mutations touching different accounts must not block each other.
type BalanceStore interface {
	// Get returns the balance, or a zero balance if the account was never touched.
	Get(ctx context.Context, key AccountKey) (Balance, error)
	List(ctx context.Context, userID uuid.UUID) ([]Balance, error)
	// Apply returns the post-mutation balance for each leg, in leg order.
	Apply(ctx context.Context, m Mutation) ([]Balance, error)
}
