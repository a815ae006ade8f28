// Package monitor watches open positions for stop-loss and target
// crossings, drives pending orders to a final state, and checks local
// positions against broker holdings.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/internal/marketdata"
	"github.com/wonny/autotrader/internal/notify"
	"github.com/wonny/autotrader/pkg/logger"
	"github.com/wonny/autotrader/pkg/tracing"
)

// Engine is the part of the execution engine the monitor drives
type Engine interface {
	Positions(ctx context.Context, filter contracts.PositionFilter) ([]*contracts.Position, error)
	SubmitExit(ctx context.Context, pos *contracts.Position, reason contracts.ExitReason) error
	RetryExits(ctx context.Context, now time.Time) (*contracts.RunSummary, error)
	RefreshOrder(ctx context.Context, accountID, orderID string) error
	RecoverEntry(ctx context.Context, positionID string) error
	RecoverExit(ctx context.Context, positionID string) error
	AbandonCandidate(ctx context.Context, positionID string) error
	CancelEntry(ctx context.Context, positionID string) error
	ApplyFill(ctx context.Context, ev contracts.FillEvent) error
	ReconcileOrders(ctx context.Context, accountID string) (int, error)
	FlagDrift(ctx context.Context, positionID, detail string) (bool, error)
}

// AccountSource resolves accounts for broker lookups
type AccountSource interface {
	Get(ctx context.Context, id string) (*contracts.Account, error)
	ActiveAccounts(ctx context.Context) ([]*contracts.Account, error)
}

// QuoteSource fetches a current price
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (*contracts.Quote, error)
}

// Watcher is implemented by brokers that can stream price ticks
type Watcher interface {
	Watch(symbols ...string) error
}

// Config controls pending-order polling
type Config struct {
	PendingPollAfter time.Duration // poll orders pending longer than this
	EntryTimeout     time.Duration // cancel entries pending longer than this
}

// Monitor checks OPEN positions against their thresholds
// ⭐ SSOT: 손절/목표가 판정은 Evaluate()에서만
type Monitor struct {
	cfg      Config
	engine   Engine
	accounts AccountSource
	brokers  *broker.Registry
	quotes   QuoteSource
	prices   *marketdata.PriceCache
	alerter  notify.Alerter
	logger   *logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	untracked map[string]bool // account/symbol already alerted
}

// New creates a monitor
func New(
	cfg Config,
	engine Engine,
	accounts AccountSource,
	brokers *broker.Registry,
	quotes QuoteSource,
	prices *marketdata.PriceCache,
	alerter notify.Alerter,
	log *logger.Logger,
) *Monitor {
	return &Monitor{
		cfg:       cfg,
		engine:    engine,
		accounts:  accounts,
		brokers:   brokers,
		quotes:    quotes,
		prices:    prices,
		alerter:   alerter,
		logger:    log,
		now:       time.Now,
		untracked: make(map[string]bool),
	}
}

// Evaluate decides whether price crosses the position's stop or target.
// Stop-loss wins when both would apply.
func Evaluate(pos *contracts.Position, price int64) (contracts.ExitReason, bool) {
	if price <= 0 {
		return "", false
	}
	switch pos.Direction {
	case contracts.DirectionShort:
		if price >= pos.StopLoss {
			return contracts.ExitStopLoss, true
		}
		if price <= pos.Target {
			return contracts.ExitTarget, true
		}
	default:
		if price <= pos.StopLoss {
			return contracts.ExitStopLoss, true
		}
		if price >= pos.Target {
			return contracts.ExitTarget, true
		}
	}
	return "", false
}

// CheckOnce runs one monitor cycle: thresholds over every OPEN position,
// exit retries, then pending-order polling.
func (m *Monitor) CheckOnce(ctx context.Context) (summary *contracts.RunSummary, err error) {
	ctx, span := tracing.StartSpan(ctx, "monitor.check")
	defer func() { tracing.End(span, err) }()

	now := m.now()
	summary = contracts.NewRunSummary("monitor", "", now)

	open, err := m.engine.Positions(ctx, contracts.PositionFilter{States: []contracts.PositionState{contracts.StateOpen}})
	if err != nil {
		return summary.Finish(m.now()), err
	}
	m.watch(ctx, open)

	for _, pos := range open {
		key := pos.AccountID + "/" + pos.Symbol
		price, err := m.price(ctx, pos.Symbol)
		if err != nil {
			if contracts.IsKind(err, contracts.KindDataQuality) {
				summary.Skip(key, err.Error())
			} else {
				summary.Fail(key, err.Error())
			}
			continue
		}

		if err := m.check(ctx, pos, price); err != nil {
			summary.Fail(key, err.Error())
			continue
		}
		summary.Succeed(key)
	}

	if retried, err := m.engine.RetryExits(ctx, now); err != nil {
		m.logger.WithError(err).Warn("Exit retry pass failed")
	} else if len(retried.Items) > 0 {
		m.logger.WithFields(retried.Fields()).Info("Exit retry pass completed")
	}

	m.pollPending(ctx, now)
	m.prices.CleanStale()

	summary.Finish(m.now())
	m.logger.WithFields(summary.Fields()).Debug("Monitor cycle completed")
	return summary, nil
}

// HandleTick applies a streamed price to every OPEN position in symbol
func (m *Monitor) HandleTick(ctx context.Context, symbol string, price int64) error {
	m.prices.Update(marketdata.CachedPrice{Symbol: symbol, Price: price, Source: marketdata.SourceStream, At: m.now()})

	open, err := m.engine.Positions(ctx, contracts.PositionFilter{
		Symbol: symbol,
		States: []contracts.PositionState{contracts.StateOpen},
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, pos := range open {
		if err := m.check(ctx, pos, price); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) check(ctx context.Context, pos *contracts.Position, price int64) error {
	reason, hit := Evaluate(pos, price)
	if !hit {
		return nil
	}

	m.logger.WithFields(map[string]interface{}{
		"account":   pos.AccountID,
		"symbol":    pos.Symbol,
		"price":     price,
		"stop_loss": pos.StopLoss,
		"target":    pos.Target,
		"reason":    reason,
	}).Info("Exit threshold crossed")

	if err := m.engine.SubmitExit(ctx, pos, reason); err != nil {
		return fmt.Errorf("submit exit %s: %w", pos.Symbol, err)
	}
	return nil
}

// price prefers a fresh cached price, falling back to a REST quote
func (m *Monitor) price(ctx context.Context, symbol string) (int64, error) {
	if p, ok := m.prices.Get(symbol); ok {
		return p.Price, nil
	}
	q, err := m.quotes.Quote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	m.prices.UpdateQuote(q)
	return q.Price, nil
}

// watch subscribes open symbols on brokers that stream ticks
func (m *Monitor) watch(ctx context.Context, open []*contracts.Position) {
	byAccount := make(map[string][]string)
	for _, p := range open {
		byAccount[p.AccountID] = append(byAccount[p.AccountID], p.Symbol)
	}
	for accountID, symbols := range byAccount {
		b, ok := m.brokers.Lookup(accountID)
		if !ok {
			continue
		}
		w, ok := b.(Watcher)
		if !ok {
			continue
		}
		if err := w.Watch(symbols...); err != nil {
			m.logger.WithError(err).WithField("account", accountID).Warn("Failed to watch symbols")
		}
	}
}

// pollPending drives in-flight positions when the stream is silent. Stale
// candidates and pending positions without an order id are left over from
// an interrupted submit.
func (m *Monitor) pollPending(ctx context.Context, now time.Time) {
	pending, err := m.engine.Positions(ctx, contracts.PositionFilter{
		States: []contracts.PositionState{contracts.StateCandidate, contracts.StatePendingEntry, contracts.StatePendingExit},
	})
	if err != nil {
		m.logger.WithError(err).Warn("Failed to list pending positions")
		return
	}

	for _, p := range pending {
		if now.Sub(p.UpdatedAt) < m.cfg.PendingPollAfter {
			continue
		}

		var err error
		switch {
		case p.State == contracts.StateCandidate:
			err = m.engine.AbandonCandidate(ctx, p.ID)
		case p.State == contracts.StatePendingEntry && p.EntryOrderID == "":
			err = m.engine.RecoverEntry(ctx, p.ID)
		case p.State == contracts.StatePendingEntry && m.cfg.EntryTimeout > 0 && now.Sub(p.CreatedAt) >= m.cfg.EntryTimeout:
			err = m.engine.CancelEntry(ctx, p.ID)
		case p.State == contracts.StatePendingEntry:
			err = m.engine.RefreshOrder(ctx, p.AccountID, p.EntryOrderID)
		case p.ExitOrderID == "":
			err = m.engine.RecoverExit(ctx, p.ID)
		default:
			err = m.engine.RefreshOrder(ctx, p.AccountID, p.ExitOrderID)
		}
		if err != nil {
			m.logger.WithError(err).WithFields(map[string]interface{}{
				"account": p.AccountID,
				"symbol":  p.Symbol,
				"state":   p.State,
			}).Warn("Failed to poll pending position")
		}
	}
}

// Reconcile compares local OPEN positions with the broker's holdings.
// Mismatches are flagged and alerted, never corrected.
func (m *Monitor) Reconcile(ctx context.Context, accountID string) error {
	acc, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	b, err := m.brokers.For(acc)
	if err != nil {
		return err
	}
	holdings, err := b.Positions(ctx)
	if err != nil {
		return fmt.Errorf("broker positions %s: %w", accountID, err)
	}

	active, err := m.engine.Positions(ctx, contracts.PositionFilter{AccountID: accountID, States: contracts.ActiveStates})
	if err != nil {
		return err
	}

	held := make(map[string]int, len(holdings))
	for _, h := range holdings {
		held[h.Symbol] += h.Quantity
	}

	tracked := make(map[string]bool, len(active))
	var errs []error
	for _, p := range active {
		tracked[p.Symbol] = true
		if p.State != contracts.StateOpen {
			continue
		}

		qty, ok := held[p.Symbol]
		if ok && qty == p.HeldQuantity() {
			continue
		}
		drift := contracts.Reconciliation(accountID, p.Symbol, "local OPEN position holds %d shares, broker reports %d", p.HeldQuantity(), qty)
		errs = append(errs, drift)

		flagged, err := m.engine.FlagDrift(ctx, p.ID, drift.Error())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if flagged {
			m.logger.WithError(drift).WithField("position", p.ID).Error("Position drift detected")
			m.alerter.Alert(ctx, "position drift", drift.Error())
		}
	}

	seen := make(map[string]bool)
	for _, h := range holdings {
		if tracked[h.Symbol] || h.Quantity <= 0 {
			continue
		}
		drift := contracts.Reconciliation(accountID, h.Symbol, "broker holds %d shares with no local position", h.Quantity)
		errs = append(errs, drift)
		seen[h.Symbol] = true

		if m.markUntracked(accountID, h.Symbol) {
			m.logger.WithError(drift).WithField("quantity", h.Quantity).Error("Untracked broker holding")
			m.alerter.Alert(ctx, "untracked holding", drift.Error())
		}
	}
	m.clearUntracked(accountID, seen)
	return errors.Join(errs...)
}

// markUntracked records an untracked holding; true the first time it is seen
func (m *Monitor) markUntracked(accountID, symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accountID + "/" + symbol
	if m.untracked[key] {
		return false
	}
	m.untracked[key] = true
	return true
}

// clearUntracked forgets holdings of accountID that are no longer untracked
func (m *Monitor) clearUntracked(accountID string, still map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := accountID + "/"
	for key := range m.untracked {
		if strings.HasPrefix(key, prefix) && !still[strings.TrimPrefix(key, prefix)] {
			delete(m.untracked, key)
		}
	}
}

// ReconcileAll runs Reconcile for every active account
func (m *Monitor) ReconcileAll(ctx context.Context) (*contracts.RunSummary, error) {
	summary := contracts.NewRunSummary("reconcile", "", m.now())

	accounts, err := m.accounts.ActiveAccounts(ctx)
	if err != nil {
		return summary.Finish(m.now()), err
	}
	for _, acc := range accounts {
		if _, err := m.engine.ReconcileOrders(ctx, acc.ID); err != nil {
			m.logger.WithError(err).WithField("account", acc.ID).Warn("Order reconciliation incomplete")
		}
		if err := m.Reconcile(ctx, acc.ID); err != nil {
			summary.Fail(acc.ID, err.Error())
			continue
		}
		summary.Succeed(acc.ID)
	}
	return summary.Finish(m.now()), nil
}
