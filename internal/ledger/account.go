package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccountKey identifies one balance: a user's holding of one asset.
type AccountKey struct {
	UserID uuid.UUID
	Asset  string
}

func NewAccountKey(userID uuid.UUID, asset string) AccountKey {
	return AccountKey{UserID: userID, Asset: strings.ToUpper(asset)}
}

// AccountPath returns a human-readable path, e.g. "user:550e...:USDT".
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("user:%s:%s", k.UserID, k.Asset)
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

// Less orders keys by user then asset. Multi-leg mutations lock in this order.
func (k AccountKey) Less(other AccountKey) bool {
	if c := strings.Compare(k.UserID.String(), other.UserID.String()); c != 0 {
		return c < 0
	}
	return k.Asset < other.Asset
}

// Balance is the committed state of one account. Available and Reserved are
// fixed-point amounts (AmountConfig) and never negative.
type Balance struct {
	Key       AccountKey
	Available int64
	Reserved  int64
	Version   int64 // incremented on every mutation
	UpdatedAt time.Time
}

// Total is available plus reserved.
func (b Balance) Total() int64 {
	return b.Available + b.Reserved
}

// Leg is one account's share of a mutation. Deltas are signed.
type Leg struct {
	Key            AccountKey
	AvailableDelta int64
	ReservedDelta  int64
}

// Op names the ledger operation that produced a mutation.
type Op string

const (
	OpReserve  Op = "reserve"
	OpRelease  Op = "release"
	OpConsume  Op = "consume"
	OpCredit   Op = "credit"
	OpDebit    Op = "debit"
	OpTransfer Op = "transfer"
	OpSwap     Op = "swap"   // consume one asset, credit another
	OpSettle   Op = "settle" // release margin together with realized PnL
)
