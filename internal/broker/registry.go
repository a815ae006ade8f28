package broker

import (
	"fmt"
	"sync"

	"github.com/wonny/autotrader/internal/contracts"
)

// Factory builds a broker from an account's credentials
type Factory func(acc *contracts.Account) (Broker, error)

// Registry hands out one Broker per account, built lazily
type Registry struct {
	factory Factory

	mu      sync.Mutex
	brokers map[string]Broker
}

// NewRegistry creates a registry around factory
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, brokers: make(map[string]Broker)}
}

// For returns the account's broker, creating it on first use
func (r *Registry) For(acc *contracts.Account) (Broker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.brokers[acc.ID]; ok {
		return b, nil
	}
	b, err := r.factory(acc)
	if err != nil {
		return nil, fmt.Errorf("build broker for account %s: %w", acc.ID, err)
	}
	r.brokers[acc.ID] = b
	return b, nil
}

// Lookup returns an already-built broker
func (r *Registry) Lookup(accountID string) (Broker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.brokers[accountID]
	return b, ok
}

// Register installs b for accountID, replacing any previous broker
func (r *Registry) Register(accountID string, b Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers[accountID] = b
}

// Forget drops the cached broker (after credential changes)
func (r *Registry) Forget(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.brokers, accountID)
}
