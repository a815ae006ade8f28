package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wonny/autotrader/internal/contracts"
)

// PositionStore persists positions. Create enforces the same uniqueness the
// Postgres indexes do: one active position per (account, symbol) and one
// position per client ref.
type PositionStore interface {
	Create(ctx context.Context, p *contracts.Position) error
	Update(ctx context.Context, p *contracts.Position) error
	Get(ctx context.Context, id string) (*contracts.Position, error)
	FindActive(ctx context.Context, accountID, symbol string) (*contracts.Position, error)
	FindByRef(ctx context.Context, clientRef string) (*contracts.Position, error)
	List(ctx context.Context, filter contracts.PositionFilter) ([]*contracts.Position, error)
	CountActive(ctx context.Context, accountID string) (int, error)
}

// OrderStore persists broker orders; client_ref is unique
type OrderStore interface {
	Save(ctx context.Context, o *contracts.Order) error
	Update(ctx context.Context, o *contracts.Order) error
	Get(ctx context.Context, id string) (*contracts.Order, error)
	GetByRef(ctx context.Context, clientRef string) (*contracts.Order, error)
	ListOpen(ctx context.Context, accountID string) ([]*contracts.Order, error)
}

// ============================================================
// Memory stores
// ============================================================

type MemoryPositionStore struct {
	mu        sync.RWMutex
	positions map[string]*contracts.Position
}

func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{positions: make(map[string]*contracts.Position)}
}

func (s *MemoryPositionStore) Create(ctx context.Context, p *contracts.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	for _, cur := range s.positions {
		if cur.ClientRef == p.ClientRef {
			return contracts.DuplicateEntry(p.AccountID, p.Symbol)
		}
		if p.State.IsActive() && cur.State.IsActive() && cur.AccountID == p.AccountID && cur.Symbol == p.Symbol {
			return contracts.DuplicateEntry(p.AccountID, p.Symbol)
		}
	}
	s.positions[p.ID] = p.Clone()
	return nil
}

func (s *MemoryPositionStore) Update(ctx context.Context, p *contracts.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; !exists {
		return fmt.Errorf("position %s: %w", p.ID, contracts.ErrNotFound)
	}
	s.positions[p.ID] = p.Clone()
	return nil
}

func (s *MemoryPositionStore) Get(ctx context.Context, id string) (*contracts.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, contracts.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryPositionStore) FindActive(ctx context.Context, accountID, symbol string) (*contracts.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions {
		if p.AccountID == accountID && p.Symbol == symbol && p.State.IsActive() {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("active position %s/%s: %w", accountID, symbol, contracts.ErrNotFound)
}

func (s *MemoryPositionStore) FindByRef(ctx context.Context, clientRef string) (*contracts.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions {
		if p.ClientRef == clientRef {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("position ref %s: %w", clientRef, contracts.ErrNotFound)
}

func (s *MemoryPositionStore) List(ctx context.Context, filter contracts.PositionFilter) ([]*contracts.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.Position
	for _, p := range s.positions {
		if filter.Matches(p) {
			out = append(out, p.Clone())
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryPositionStore) CountActive(ctx context.Context, accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.positions {
		if p.AccountID == accountID && p.State.IsActive() {
			n++
		}
	}
	return n, nil
}

func sortPositions(ps []*contracts.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[string]*contracts.Order
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]*contracts.Order)}
}

func (s *MemoryOrderStore) Save(ctx context.Context, o *contracts.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s already recorded", o.ID)
	}
	for _, cur := range s.orders {
		if cur.ClientRef == o.ClientRef {
			return fmt.Errorf("client ref %s already recorded as order %s", o.ClientRef, cur.ID)
		}
	}
	c := *o
	s.orders[o.ID] = &c
	return nil
}

func (s *MemoryOrderStore) Update(ctx context.Context, o *contracts.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; !exists {
		return fmt.Errorf("order %s: %w", o.ID, contracts.ErrNotFound)
	}
	c := *o
	s.orders[o.ID] = &c
	return nil
}

func (s *MemoryOrderStore) Get(ctx context.Context, id string) (*contracts.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, contracts.ErrNotFound)
	}
	c := *o
	return &c, nil
}

func (s *MemoryOrderStore) GetByRef(ctx context.Context, clientRef string) (*contracts.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.ClientRef == clientRef {
			c := *o
			return &c, nil
		}
	}
	return nil, fmt.Errorf("order ref %s: %w", clientRef, contracts.ErrNotFound)
}

func (s *MemoryOrderStore) ListOpen(ctx context.Context, accountID string) ([]*contracts.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.Order
	for _, o := range s.orders {
		if o.AccountID == accountID && !o.Status.IsFinal() {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
