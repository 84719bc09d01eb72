package ledger

import (
	"fmt"
)

// internalOps move value between fields or accounts of one asset without
// creating or destroying it.
var internalOps = map[Op]bool{
	OpReserve:  true,
	OpRelease:  true,
	OpTransfer: true,
}

// InvariantValidator checks ledger invariants over balances and the journal
// that produced them.
type InvariantValidator struct{}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{}
}

// ValidateNonNegative verifies available >= 0 and reserved >= 0 everywhere.
func (v *InvariantValidator) ValidateNonNegative(balances []Balance) error {
	for _, b := range balances {
		if b.Available < 0 || b.Reserved < 0 {
			return fmt.Errorf("account %s negative: available=%d reserved=%d", b.Key, b.Available, b.Reserved)
		}
	}
	return nil
}

// ValidateReplay verifies that summing journal deltas per account reproduces
// every balance exactly, i.e. no balance changed outside a named operation.
func (v *InvariantValidator) ValidateReplay(entries []JournalEntry, balances []Balance) error {
	type sum struct{ available, reserved int64 }
	replayed := make(map[AccountKey]sum)
	for _, e := range entries {
		s := replayed[e.Key]
		s.available += e.AvailableDelta
		s.reserved += e.ReservedDelta
		replayed[e.Key] = s
	}
	for _, b := range balances {
		s := replayed[b.Key]
		if s.available != b.Available || s.reserved != b.Reserved {
			return fmt.Errorf("account %s: journal replays to %d/%d, store has %d/%d",
				b.Key, s.available, s.reserved, b.Available, b.Reserved)
		}
		delete(replayed, b.Key)
	}
	for k, s := range replayed {
		if s.available != 0 || s.reserved != 0 {
			return fmt.Errorf("account %s: journal has %d/%d but store has no balance", k, s.available, s.reserved)
		}
	}
	return nil
}

// ValidateConservation verifies that internal operations net to zero per
// asset, so per-asset totals move only through credit, debit, consume, swap
// and settle entries.
func (v *InvariantValidator) ValidateConservation(entries []JournalEntry) error {
	type opAsset struct {
		opKey string
		asset string
	}
	net := make(map[opAsset]int64)
	for _, e := range entries {
		if !internalOps[e.Op] {
			continue
		}
		net[opAsset{e.OpKey, e.Key.Asset}] += e.AvailableDelta + e.ReservedDelta
	}
	for k, n := range net {
		if n != 0 {
			return fmt.Errorf("operation %s created %d %s", k.opKey, n, k.asset)
		}
	}
	return nil
}

// ExternalFlow sums, per asset, the value that entered (positive) or left
// (negative) the ledger through non-internal operations.
func (v *InvariantValidator) ExternalFlow(entries []JournalEntry) map[string]int64 {
	flow := make(map[string]int64)
	for _, e := range entries {
		if internalOps[e.Op] {
			continue
		}
		flow[e.Key.Asset] += e.AvailableDelta + e.ReservedDelta
	}
	return flow
}
