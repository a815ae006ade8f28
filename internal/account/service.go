package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/logger"
)

// PositionCounter reports how many active positions reference an account
type PositionCounter interface {
	CountActive(ctx context.Context, accountID string) (int, error)
}

// Service applies configuration rules on top of a Store.
// ⭐ SSOT: 계좌 설정 변경은 여기서만 (검증 후 저장)
type Service struct {
	store     Store
	positions PositionCounter
	logger    *logger.Logger
	now       func() time.Time
}

// NewService creates an account service
func NewService(store Store, positions PositionCounter, log *logger.Logger) *Service {
	return &Service{store: store, positions: positions, logger: log, now: time.Now}
}

// Register validates and stores a new account. New accounts start inactive
// unless acc.Active is set, and are validated either way.
func (s *Service) Register(ctx context.Context, acc *contracts.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	now := s.now()
	acc.CreatedAt = now
	acc.UpdatedAt = now
	if acc.Credentials.ProductCode == "" {
		acc.Credentials.ProductCode = "01"
	}

	if err := s.store.Create(ctx, acc); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"account":    acc.ID,
		"mode":       acc.Mode,
		"allocation": acc.Allocation.String(),
		"active":     acc.Active,
	}).Info("Account registered")
	return nil
}

// Get returns one account
func (s *Service) Get(ctx context.Context, id string) (*contracts.Account, error) {
	return s.store.Get(ctx, id)
}

// List returns all accounts
func (s *Service) List(ctx context.Context) ([]*contracts.Account, error) {
	return s.store.List(ctx)
}

// Activate validates the account and marks it active
func (s *Service) Activate(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(acc *contracts.Account) error {
		if err := acc.Validate(); err != nil {
			return err
		}
		acc.Active = true
		return nil
	})
}

// Deactivate stops new entries for the account. Open positions keep being monitored.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(acc *contracts.Account) error {
		acc.Active = false
		return nil
	})
}

// SetAllocation replaces the horizon percentages after validating them
func (s *Service) SetAllocation(ctx context.Context, id string, alloc contracts.Allocation) error {
	if err := alloc.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, id, func(acc *contracts.Account) error {
		acc.Allocation = alloc
		return nil
	})
}

// SetCapital replaces the total capital the ledger budgets from
func (s *Service) SetCapital(ctx context.Context, id string, capital int64) error {
	if capital <= 0 {
		return contracts.Configuration("account.set_capital", "capital must be positive")
	}
	return s.mutate(ctx, id, func(acc *contracts.Account) error {
		acc.Capital = capital
		return nil
	})
}

// Remove deletes an account that no active position references
func (s *Service) Remove(ctx context.Context, id string) error {
	n, err := s.positions.CountActive(ctx, id)
	if err != nil {
		return fmt.Errorf("count active positions: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("account %s has %d active positions and cannot be removed", id, n)
	}
	return s.store.Delete(ctx, id)
}

// ActiveAccounts returns active accounts. Any active account that fails
// validation is a ConfigurationError and nothing is returned.
func (s *Service) ActiveAccounts(ctx context.Context) ([]*contracts.Account, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var active []*contracts.Account
	var errs []error
	for _, acc := range all {
		if !acc.Active {
			continue
		}
		if err := acc.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		active = append(active, acc)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return active, nil
}

func (s *Service) mutate(ctx context.Context, id string, fn func(acc *contracts.Account) error) error {
	acc, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(acc); err != nil {
		return err
	}
	acc.UpdatedAt = s.now()
	if err := s.store.Update(ctx, acc); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"account":    acc.ID,
		"active":     acc.Active,
		"allocation": acc.Allocation.String(),
		"capital":    acc.Capital,
	}).Info("Account updated")
	return nil
}
