package account

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wonny/autotrader/internal/contracts"
)

// Store persists accounts
type Store interface {
	Create(ctx context.Context, acc *contracts.Account) error
	Update(ctx context.Context, acc *contracts.Account) error
	Get(ctx context.Context, id string) (*contracts.Account, error)
	List(ctx context.Context) ([]*contracts.Account, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*contracts.Account
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*contracts.Account)}
}

func (s *MemoryStore) Create(ctx context.Context, acc *contracts.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acc.ID]; exists {
		return fmt.Errorf("account %s already exists", acc.ID)
	}
	c := *acc
	s.accounts[acc.ID] = &c
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, acc *contracts.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acc.ID]; !exists {
		return fmt.Errorf("account %s: %w", acc.ID, contracts.ErrNotFound)
	}
	c := *acc
	s.accounts[acc.ID] = &c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contracts.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, contracts.ErrNotFound)
	}
	c := *acc
	return &c, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*contracts.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		c := *acc
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; !ok {
		return fmt.Errorf("account %s: %w", id, contracts.ErrNotFound)
	}
	delete(s.accounts, id)
	return nil
}
