package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const shardCount = 64

type shard struct {
	mu       sync.Mutex
	balances map[AccountKey]*Balance
	ops      map[string]struct{}
}

// MemoryStore is an in-process BalanceStore. Accounts are spread over
// mutex-guarded shards; a mutation locks only the shards its legs touch,
// in ascending order. Operation keys live in the shard of the first leg.
type MemoryStore struct {
	shards [shardCount]*shard
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{
			balances: make(map[AccountKey]*Balance),
			ops:      make(map[string]struct{}),
		}
	}
	return s
}

func shardIndex(key AccountKey) int {
	h := fnv.New32a()
	h.Write(key.UserID[:])
	h.Write([]byte(key.Asset))
	return int(h.Sum32() % shardCount)
}

func (s *MemoryStore) Get(_ context.Context, key AccountKey) (Balance, error) {
	sh := s.shards[shardIndex(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if b, ok := sh.balances[key]; ok {
		return *b, nil
	}
	return Balance{Key: key}, nil
}

func (s *MemoryStore) List(_ context.Context, userID uuid.UUID) ([]Balance, error) {
	var out []Balance
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, b := range sh.balances {
			if k.UserID == userID {
				out = append(out, *b)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Asset < out[j].Key.Asset })
	return out, nil
}

func (s *MemoryStore) Apply(ctx context.Context, m Mutation) ([]Balance, error) {
	if len(m.Legs) == 0 {
		return nil, fmt.Errorf("mutation %q has no legs", m.OpKey)
	}

	idx := make([]int, 0, len(m.Legs))
	seen := make(map[int]bool, len(m.Legs))
	for _, leg := range m.Legs {
		i := shardIndex(leg.Key)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.shards[i].mu.Lock()
	}
	defer func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.shards[idx[j]].mu.Unlock()
		}
	}()

	opShard := s.shards[shardIndex(m.Legs[0].Key)]
	if m.OpKey != "" {
		if _, dup := opShard.ops[m.OpKey]; dup {
			return nil, ErrDuplicateOp
		}
	}

	// Legs on the same account are checked against their combined effect.
	projected := make(map[AccountKey]Balance, len(m.Legs))
	for _, leg := range m.Legs {
		b, ok := projected[leg.Key]
		if !ok {
			b = s.current(leg.Key)
		}
		if b.Available+leg.AvailableDelta < 0 {
			return nil, &GuardError{Key: leg.Key, Field: FieldAvailable, Have: b.Available, Delta: leg.AvailableDelta}
		}
		if b.Reserved+leg.ReservedDelta < 0 {
			return nil, &GuardError{Key: leg.Key, Field: FieldReserved, Have: b.Reserved, Delta: leg.ReservedDelta}
		}
		b.Available += leg.AvailableDelta
		b.Reserved += leg.ReservedDelta
		projected[leg.Key] = b
	}

	if m.Cond != nil {
		if err := m.Cond(ctx); err != nil {
			return nil, err
		}
	}

	now := s.now()
	for key, b := range projected {
		b.Version++
		b.UpdatedAt = now
		stored := b
		s.shards[shardIndex(key)].balances[key] = &stored
	}
	if m.OpKey != "" {
		opShard.ops[m.OpKey] = struct{}{}
	}

	out := make([]Balance, len(m.Legs))
	for i, leg := range m.Legs {
		out[i] = *s.shards[shardIndex(leg.Key)].balances[leg.Key]
	}
	return out, nil
}

// current must be called with the key's shard locked.
func (s *MemoryStore) current(key AccountKey) Balance {
	if b, ok := s.shards[shardIndex(key)].balances[key]; ok {
		return *b
	}
	return Balance{Key: key}
}

// TotalsByAsset sums available+reserved over every account, per asset.
// All shards are locked so the result is a consistent cut.
func (s *MemoryStore) TotalsByAsset() map[string]int64 {
	for _, sh := range s.shards {
		sh.mu.Lock()
	}
	defer func() {
		for i := len(s.shards) - 1; i >= 0; i-- {
			s.shards[i].mu.Unlock()
		}
	}()

	totals := make(map[string]int64)
	for _, sh := range s.shards {
		for k, b := range sh.balances {
			totals[k.Asset] += b.Total()
		}
	}
	return totals
}

// All returns every balance, for invariant checks.
func (s *MemoryStore) All() []Balance {
	var out []Balance
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, b := range sh.balances {
			out = append(out, *b)
		}
		sh.mu.Unlock()
	}
	return out
}
