package execution

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/wonny/autotrader/internal/contracts"
)

// Ledger tracks committed capital per (account, horizon).
// ⭐ SSOT: 예산 예약/해제는 여기서만 (계좌별 원자적)
type Ledger struct {
	mu    sync.Mutex
	books map[string]*book
}

type book struct {
	mu         sync.Mutex
	capital    decimal.Decimal
	allocation contracts.Allocation
	committed  map[contracts.Horizon]decimal.Decimal
}

// Usage is a horizon's budget picture
type Usage struct {
	Horizon   contracts.Horizon `json:"horizon"`
	Budget    int64             `json:"budget"`
	Committed int64             `json:"committed"`
	Remaining int64             `json:"remaining"`
}

func NewLedger() *Ledger {
	return &Ledger{books: make(map[string]*book)}
}

func (l *Ledger) book(accountID string) *book {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.books[accountID]
	if !ok {
		b = &book{committed: make(map[contracts.Horizon]decimal.Decimal)}
		l.books[accountID] = b
	}
	return b
}

// Configure sets the account's capital and allocation, keeping commitments
func (l *Ledger) Configure(acc *contracts.Account) {
	b := l.book(acc.ID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.capital = decimal.NewFromInt(acc.Capital)
	b.allocation = acc.Allocation
}

// Rebuild replaces all commitments with the sum over active positions
func (l *Ledger) Rebuild(positions []*contracts.Position) {
	sums := make(map[string]map[contracts.Horizon]decimal.Decimal)
	for _, p := range positions {
		if !p.State.IsActive() {
			continue
		}
		if sums[p.AccountID] == nil {
			sums[p.AccountID] = make(map[contracts.Horizon]decimal.Decimal)
		}
		sums[p.AccountID][p.Horizon] = sums[p.AccountID][p.Horizon].Add(decimal.NewFromInt(p.Committed))
	}

	l.mu.Lock()
	accounts := make([]string, 0, len(l.books)+len(sums))
	for id := range l.books {
		accounts = append(accounts, id)
	}
	for id := range sums {
		if _, ok := l.books[id]; !ok {
			accounts = append(accounts, id)
		}
	}
	l.mu.Unlock()

	for _, id := range accounts {
		b := l.book(id)
		b.mu.Lock()
		b.committed = make(map[contracts.Horizon]decimal.Decimal)
		for h, v := range sums[id] {
			b.committed[h] = v
		}
		b.mu.Unlock()
	}
}

// budget = floor(capital × pct / 100); caller holds b.mu
func (b *book) budget(h contracts.Horizon) (decimal.Decimal, error) {
	pct, err := b.allocation.Percent(h)
	if err != nil {
		return decimal.Zero, err
	}
	return b.capital.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100)).Floor(), nil
}

// Allocate sizes an order and reserves its cost in one step:
// qty = floor(min(remaining, budget × fraction) / price).
// A zero quantity returns ErrInsufficientBudget and reserves nothing.
func (l *Ledger) Allocate(accountID string, h contracts.Horizon, price int64, fraction float64) (int, int64, error) {
	if price <= 0 {
		return 0, 0, fmt.Errorf("sizing %s: price must be positive, got %d", h, price)
	}

	b := l.book(accountID)
	b.mu.Lock()
	defer b.mu.Unlock()

	budget, err := b.budget(h)
	if err != nil {
		return 0, 0, err
	}
	remaining := budget.Sub(b.committed[h])
	perPosition := budget.Mul(decimal.NewFromFloat(fraction)).Floor()

	spend := decimal.Min(remaining, perPosition)
	qty := spend.Div(decimal.NewFromInt(price)).Floor()
	if !qty.IsPositive() {
		return 0, 0, fmt.Errorf("account %s %s: remaining %s < price %d: %w",
			accountID, h, remaining.String(), price, contracts.ErrInsufficientBudget)
	}

	cost := qty.Mul(decimal.NewFromInt(price))
	b.committed[h] = b.committed[h].Add(cost)
	return int(qty.IntPart()), cost.IntPart(), nil
}

// Reserve commits amount against the horizon budget
func (l *Ledger) Reserve(accountID string, h contracts.Horizon, amount int64) error {
	b := l.book(accountID)
	b.mu.Lock()
	defer b.mu.Unlock()

	budget, err := b.budget(h)
	if err != nil {
		return err
	}
	next := b.committed[h].Add(decimal.NewFromInt(amount))
	if next.GreaterThan(budget) {
		return fmt.Errorf("account %s %s: reserve %d exceeds budget %s: %w",
			accountID, h, amount, budget.String(), contracts.ErrInsufficientBudget)
	}
	b.committed[h] = next
	return nil
}

// Release returns amount to the horizon budget; never goes below zero
func (l *Ledger) Release(accountID string, h contracts.Horizon, amount int64) {
	if amount <= 0 {
		return
	}
	b := l.book(accountID)
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.committed[h].Sub(decimal.NewFromInt(amount))
	if next.IsNegative() {
		next = decimal.Zero
	}
	b.committed[h] = next
}

// Usage reports budget, committed and remaining capital for every horizon
func (l *Ledger) Usage(accountID string) []Usage {
	b := l.book(accountID)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Usage, 0, len(contracts.Horizons))
	for _, h := range contracts.Horizons {
		budget, err := b.budget(h)
		if err != nil {
			continue
		}
		committed := b.committed[h]
		out = append(out, Usage{
			Horizon:   h,
			Budget:    budget.IntPart(),
			Committed: committed.IntPart(),
			Remaining: budget.Sub(committed).IntPart(),
		})
	}
	return out
}
