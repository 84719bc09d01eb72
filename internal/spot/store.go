package spot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"TradeLedger/internal/apperr"

	"github.com/google/uuid"
)

// OrderStore persists orders. Transition is the only way to change status
// and must be a conditional update on the current status.
type OrderStore interface {
	// Create stores a new order and assigns its arrival sequence.
	Create(ctx context.Context, o Order) (Order, error)
	Get(ctx context.Context, id uuid.UUID) (Order, error)
	// Transition moves the order from `from` to `to` if its status is still
	// `from`. swapped is false when another caller got there first; the
	// returned order then holds the current state.
	Transition(ctx context.Context, id uuid.UUID, from, to Status, fillPrice int64, at time.Time) (o Order, swapped bool, err error)
	// Pending lists pending orders for symbol in arrival order.
	Pending(ctx context.Context, symbol string) ([]Order, error)
	// ListByUser returns newest first; limit <= 0 means no limit.
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Order, error)
}

// MemoryOrderStore is an in-process OrderStore.
type MemoryOrderStore struct {
	mu      sync.RWMutex
	orders  map[uuid.UUID]*Order
	pending map[string]map[uuid.UUID]struct{}
	byUser  map[uuid.UUID][]uuid.UUID
	seq     int64
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		orders:  make(map[uuid.UUID]*Order),
		pending: make(map[string]map[uuid.UUID]struct{}),
		byUser:  make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *MemoryOrderStore) Create(_ context.Context, o Order) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return Order{}, fmt.Errorf("%w: order %s already exists", apperr.ErrValidation, o.ID)
	}
	s.seq++
	o.Seq = s.seq
	stored := o
	s.orders[o.ID] = &stored
	s.byUser[o.UserID] = append(s.byUser[o.UserID], o.ID)
	if o.Status == StatusPending {
		set, ok := s.pending[o.Symbol]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			s.pending[o.Symbol] = set
		}
		set[o.ID] = struct{}{}
	}
	return o, nil
}

func (s *MemoryOrderStore) Get(_ context.Context, id uuid.UUID) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%s: %w", id, apperr.ErrOrderNotFound)
	}
	return *o, nil
}

func (s *MemoryOrderStore) Transition(_ context.Context, id uuid.UUID, from, to Status, fillPrice int64, at time.Time) (Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, false, fmt.Errorf("%s: %w", id, apperr.ErrOrderNotFound)
	}
	if o.Status != from {
		return *o, false, nil
	}
	o.Status = to
	o.UpdatedAt = at
	if to == StatusFilled {
		o.FillPrice = fillPrice
	}
	if from == StatusPending {
		delete(s.pending[o.Symbol], id)
	}
	return *o, true, nil
}

func (s *MemoryOrderStore) Pending(_ context.Context, symbol string) ([]Order, error) {
	s.mu.RLock()
	out := make([]Order, 0, len(s.pending[symbol]))
	for id := range s.pending[symbol] {
		out = append(out, *s.orders[id])
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryOrderStore) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[userID]
	out := make([]Order, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, *s.orders[ids[i]])
	}
	return out, nil
}
