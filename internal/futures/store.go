package futures

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"TradeLedger/internal/apperr"

	"github.com/google/uuid"
)

// PositionStore persists positions. Update is a conditional write on the
// stored version and is the only way a position changes.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	Get(ctx context.Context, id uuid.UUID) (Position, error)
	// Update stores p if the stored version still equals expectedVersion,
	// bumping the version. swapped is false when another writer got there
	// first; the returned position then holds the current state.
	Update(ctx context.Context, p Position, expectedVersion int64) (stored Position, swapped bool, err error)
	// Open lists open positions, oldest first.
	Open(ctx context.Context) ([]Position, error)
	// Pending lists pending limit positions, oldest first.
	Pending(ctx context.Context) ([]Position, error)
	// ListByUser returns newest first. Without includeClosed only pending
	// and open positions are listed.
	ListByUser(ctx context.Context, userID uuid.UUID, includeClosed bool) ([]Position, error)
}

type MemoryPositionStore struct {
	mu        sync.RWMutex
	positions map[uuid.UUID]Position
}

func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{positions: make(map[uuid.UUID]Position)}
}

func (s *MemoryPositionStore) Create(_ context.Context, p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("%w: position %s already exists", apperr.ErrValidation, p.ID)
	}
	s.positions[p.ID] = p
	return nil
}

func (s *MemoryPositionStore) Get(_ context.Context, id uuid.UUID) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("%s: %w", id, apperr.ErrPositionNotFound)
	}
	return p, nil
}

func (s *MemoryPositionStore) Update(_ context.Context, p Position, expectedVersion int64) (Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.positions[p.ID]
	if !ok {
		return Position{}, false, fmt.Errorf("%s: %w", p.ID, apperr.ErrPositionNotFound)
	}
	if cur.Version != expectedVersion {
		return cur, false, nil
	}
	p.Version = expectedVersion + 1
	s.positions[p.ID] = p
	return p, true, nil
}

func (s *MemoryPositionStore) Open(_ context.Context) ([]Position, error) {
	return s.withStatus(StatusOpen), nil
}

func (s *MemoryPositionStore) Pending(_ context.Context) ([]Position, error) {
	return s.withStatus(StatusPending), nil
}

func (s *MemoryPositionStore) withStatus(status Status) []Position {
	s.mu.RLock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Status == status {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	sortOldestFirst(out)
	return out
}

func (s *MemoryPositionStore) ListByUser(_ context.Context, userID uuid.UUID, includeClosed bool) ([]Position, error) {
	s.mu.RLock()
	var out []Position
	for _, p := range s.positions {
		if p.UserID == userID && (includeClosed || p.Status == StatusOpen || p.Status == StatusPending) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	sortOldestFirst(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func sortOldestFirst(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].OpenedAt.Before(ps[j].OpenedAt)
		}
		return ps[i].ID.String() < ps[j].ID.String()
	})
}
