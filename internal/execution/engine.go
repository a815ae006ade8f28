package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/internal/notify"
	"github.com/wonny/autotrader/pkg/logger"
	"github.com/wonny/autotrader/pkg/retry"
	"github.com/wonny/autotrader/pkg/tracing"
)

// AccountSource resolves accounts; exits use Get so they proceed even for
// deactivated accounts.
type AccountSource interface {
	Get(ctx context.Context, id string) (*contracts.Account, error)
	ActiveAccounts(ctx context.Context) ([]*contracts.Account, error)
}

// Config controls sizing, submission and exit retries
type Config struct {
	MaxPositionFraction float64
	Concurrency         int           // accounts entered in parallel
	OrderType           string        // "market" or "limit"
	BrokerTimeout       time.Duration // per broker call
	Submit              retry.Policy  // order submission
	Exit                retry.Policy  // exit resubmission schedule (MaxAttempts, Backoff)
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxPositionFraction: 0.2,
		Concurrency:         4,
		OrderType:           "market",
		BrokerTimeout:       10 * time.Second,
		Submit:              retry.Default(),
		Exit: retry.Policy{
			MaxAttempts:  5,
			InitialDelay: 5 * time.Second,
			MaxDelay:     5 * time.Minute,
			Multiplier:   2,
		},
	}
}

// Engine places entry and exit orders and owns the position state machine.
// ⭐ SSOT: 포지션 생성/상태 전이/예산 예약은 Engine을 통해서만
type Engine struct {
	cfg       Config
	accounts  AccountSource
	brokers   *broker.Registry
	positions PositionStore
	orders    OrderStore
	ledger    *Ledger
	locks     *KeyedMutex
	alerter   notify.Alerter
	logger    *logger.Logger

	now   func() time.Time
	newID func() string
}

// NewEngine creates an execution engine
func NewEngine(
	cfg Config,
	accounts AccountSource,
	brokers *broker.Registry,
	positions PositionStore,
	orders OrderStore,
	alerter notify.Alerter,
	log *logger.Logger,
) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = 10 * time.Second
	}
	return &Engine{
		cfg:       cfg,
		accounts:  accounts,
		brokers:   brokers,
		positions: positions,
		orders:    orders,
		ledger:    NewLedger(),
		locks:     NewKeyedMutex(),
		alerter:   alerter,
		logger:    log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Ledger exposes the allocation ledger (read-only use)
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// Positions lists positions matching filter
func (e *Engine) Positions(ctx context.Context, filter contracts.PositionFilter) ([]*contracts.Position, error) {
	return e.positions.List(ctx, filter)
}

// Restore rebuilds committed capital from the persisted active positions.
// Call once at startup before the first Enter.
func (e *Engine) Restore(ctx context.Context) error {
	accounts, err := e.accounts.ActiveAccounts(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		e.ledger.Configure(acc)
	}

	active, err := e.positions.List(ctx, contracts.PositionFilter{States: contracts.ActiveStates})
	if err != nil {
		return fmt.Errorf("load active positions: %w", err)
	}
	e.ledger.Rebuild(active)

	e.logger.WithFields(map[string]interface{}{
		"accounts":  len(accounts),
		"positions": len(active),
	}).Info("Ledger restored from active positions")
	return nil
}

// ============================================================
// Entry
// ============================================================

// Enter opens a position for res on acc. Duplicate and budget outcomes are
// returned as errors (DuplicateEntry kind, ErrInsufficientBudget) and leave
// no state behind.
func (e *Engine) Enter(ctx context.Context, acc *contracts.Account, res *contracts.AnalysisResult) (pos *contracts.Position, err error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "execution.enter",
		attribute.String("account", acc.ID),
		attribute.String("symbol", res.Symbol),
	)
	defer func() { tracing.End(span, err) }()

	unlock := e.locks.Lock(positionKey(acc.ID, res.Symbol))
	defer unlock()

	ref := ClientRef(acc.ID, res.Symbol, res.AnalyzedAt)
	if _, ferr := e.positions.FindByRef(ctx, ref); ferr == nil {
		return nil, contracts.DuplicateEntry(acc.ID, res.Symbol)
	} else if !errors.Is(ferr, contracts.ErrNotFound) {
		return nil, ferr
	}
	if _, ferr := e.positions.FindActive(ctx, acc.ID, res.Symbol); ferr == nil {
		return nil, contracts.DuplicateEntry(acc.ID, res.Symbol)
	} else if !errors.Is(ferr, contracts.ErrNotFound) {
		return nil, ferr
	}

	e.ledger.Configure(acc)
	qty, cost, err := e.ledger.Allocate(acc.ID, res.Horizon, res.EntryPrice, e.cfg.MaxPositionFraction)
	if err != nil {
		return nil, err
	}

	now := e.now()
	pos = &contracts.Position{
		ID:         e.newID(),
		AccountID:  acc.ID,
		Symbol:     res.Symbol,
		Horizon:    res.Horizon,
		Direction:  res.Direction,
		AnalysisID: res.ID,
		ClientRef:  ref,
		EntryPrice: res.EntryPrice,
		Quantity:   qty,
		StopLoss:   res.StopLoss,
		Target:     res.Target,
		Committed:  cost,
		State:      contracts.StateCandidate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err = e.positions.Create(ctx, pos); err != nil {
		e.ledger.Release(acc.ID, res.Horizon, cost)
		return nil, err
	}

	// 이후 쓰기는 취소와 무관하게 완료해야 상태가 일관됨
	dctx := context.WithoutCancel(ctx)

	if err = pos.Transition(contracts.StatePendingEntry, now); err != nil {
		return pos, err
	}
	if err = e.positions.Update(dctx, pos); err != nil {
		return pos, err
	}

	req := broker.OrderRequest{
		Symbol:    res.Symbol,
		Side:      res.Direction.EntrySide(),
		Qty:       qty,
		Price:     e.orderPrice(res.EntryPrice),
		ClientRef: ref,
	}
	log := e.logger.WithFields(map[string]interface{}{
		"account":  acc.ID,
		"symbol":   res.Symbol,
		"horizon":  res.Horizon,
		"qty":      qty,
		"position": pos.ID,
	})

	ack, err := e.placeOrder(ctx, acc, req)
	if err != nil {
		pos.LastError = err.Error()
		pos.UpdatedAt = e.now()

		if e.cfg.Submit.Qualifies(err) {
			// 접수 여부 불명: PENDING_ENTRY 유지, 모니터가 client ref로 확인
			log.WithError(err).Warn("Entry order outcome unknown, left pending")
			if uerr := e.positions.Update(dctx, pos); uerr != nil {
				return pos, errors.Join(err, uerr)
			}
			return pos, err
		}

		_ = pos.Transition(contracts.StateEntryFailed, e.now())
		e.ledger.Release(acc.ID, pos.Horizon, pos.Committed)
		pos.Committed = 0
		log.WithError(err).Warn("Entry order rejected")
		if uerr := e.positions.Update(dctx, pos); uerr != nil {
			return pos, errors.Join(err, uerr)
		}
		return pos, err
	}

	if _, err = e.recordOrder(dctx, pos, req, ack, contracts.PurposeEntry); err != nil {
		return pos, err
	}
	pos.EntryOrderID = ack.OrderID
	pos.UpdatedAt = e.now()
	if err = e.positions.Update(dctx, pos); err != nil {
		return pos, err
	}

	log.WithField("order_id", ack.OrderID).Info("Entry order submitted")
	return pos, nil
}

// EnterAll enters results for every active account. Accounts run in
// parallel; each account walks the results in confidence order.
func (e *Engine) EnterAll(ctx context.Context, runID string, results []*contracts.AnalysisResult) (*contracts.RunSummary, error) {
	summary := contracts.NewRunSummary("execution", runID, e.now())

	accounts, err := e.accounts.ActiveAccounts(ctx)
	if err != nil {
		return summary.Finish(e.now()), err
	}

	ordered := make([]*contracts.AnalysisResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return ordered[i].Symbol < ordered[j].Symbol
	})

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, acc := range accounts {
		acc := acc
		g.Go(func() error {
			for _, res := range ordered {
				if ctx.Err() != nil {
					summary.Skip(acc.ID+"/"+res.Symbol, "cancelled")
					continue
				}
				e.recordEntry(summary, acc, res, e.enterOne(ctx, acc, res))
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Finish(e.now())
	if summary.Partial {
		e.logger.WithFields(summary.Fields()).Warn("Execution run completed without any entry")
	} else {
		e.logger.WithFields(summary.Fields()).Info("Execution run completed")
	}
	return summary, nil
}

func (e *Engine) enterOne(ctx context.Context, acc *contracts.Account, res *contracts.AnalysisResult) error {
	_, err := e.Enter(ctx, acc, res)
	return err
}

func (e *Engine) recordEntry(summary *contracts.RunSummary, acc *contracts.Account, res *contracts.AnalysisResult, err error) {
	key := acc.ID + "/" + res.Symbol
	switch {
	case err == nil:
		summary.Succeed(key)
	case contracts.IsKind(err, contracts.KindDuplicateEntry):
		summary.Skip(key, "duplicate entry")
	case errors.Is(err, contracts.ErrInsufficientBudget):
		summary.Skip(key, "insufficient budget")
	case contracts.IsKind(err, contracts.KindDataQuality):
		summary.Skip(key, err.Error())
	default:
		summary.Fail(key, err.Error())
	}
}

// RecoverEntry resolves a PENDING_ENTRY position whose submit outcome was
// unknown: adopt the broker order carrying its ref, or fail the entry.
func (e *Engine) RecoverEntry(ctx context.Context, positionID string) error {
	adopted, err := e.recoverEntry(ctx, positionID)
	if err != nil || adopted == nil {
		return err
	}
	// 유실 기간의 체결 반영
	return e.RefreshOrder(ctx, adopted.AccountID, adopted.EntryOrderID)
}

func (e *Engine) recoverEntry(ctx context.Context, positionID string) (*contracts.Position, error) {
	cur, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(positionKey(cur.AccountID, cur.Symbol))
	defer unlock()

	if cur, err = e.positions.Get(ctx, positionID); err != nil {
		return nil, err
	}
	if cur.State != contracts.StatePendingEntry || cur.EntryOrderID != "" {
		return nil, nil
	}

	acc, b, err := e.brokerFor(ctx, cur.AccountID)
	if err != nil {
		return nil, err
	}
	req := broker.OrderRequest{Symbol: cur.Symbol, Side: cur.Direction.EntrySide(), Qty: cur.Quantity, ClientRef: cur.ClientRef}
	ack, err := e.lookupRef(ctx, b, req, cur.CreatedAt)

	dctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if _, err := e.recordOrder(dctx, cur, req, ack, contracts.PurposeEntry); err != nil {
			return nil, err
		}
		cur.EntryOrderID = ack.OrderID
		cur.LastError = ""
		cur.UpdatedAt = e.now()
		e.logger.WithFields(map[string]interface{}{
			"account":  acc.ID,
			"symbol":   cur.Symbol,
			"order_id": ack.OrderID,
		}).Info("Recovered entry order by client ref")
		if err := e.positions.Update(dctx, cur); err != nil {
			return nil, err
		}
		return cur, nil

	case errors.Is(err, contracts.ErrNotFound):
		if terr := cur.Transition(contracts.StateEntryFailed, e.now()); terr != nil {
			return nil, terr
		}
		e.ledger.Release(cur.AccountID, cur.Horizon, cur.Committed)
		cur.Committed = 0
		cur.LastError = "entry order never reached the broker"
		e.logger.WithFields(map[string]interface{}{
			"account": acc.ID,
			"symbol":  cur.Symbol,
		}).Warn("Entry order not found at broker, entry failed")
		return nil, e.positions.Update(dctx, cur)

	default:
		return nil, err
	}
}

// AbandonCandidate fails a CANDIDATE position whose move to PENDING_ENTRY
// was never persisted. No order was sent for it, so the reservation is
// released.
func (e *Engine) AbandonCandidate(ctx context.Context, positionID string) error {
	cur, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(positionKey(cur.AccountID, cur.Symbol))
	defer unlock()

	if cur, err = e.positions.Get(ctx, positionID); err != nil {
		return err
	}
	if cur.State != contracts.StateCandidate {
		return nil
	}

	if err := cur.Transition(contracts.StateEntryFailed, e.now()); err != nil {
		return err
	}
	e.ledger.Release(cur.AccountID, cur.Horizon, cur.Committed)
	cur.Committed = 0
	cur.LastError = "entry abandoned before submission"
	e.logger.WithFields(map[string]interface{}{
		"account":  cur.AccountID,
		"symbol":   cur.Symbol,
		"position": cur.ID,
	}).Warn("Stale candidate position abandoned")
	return e.positions.Update(context.WithoutCancel(ctx), cur)
}

// CancelEntry cancels the outstanding entry order of a PENDING_ENTRY
// position and applies the broker's final view of it.
func (e *Engine) CancelEntry(ctx context.Context, positionID string) error {
	cur, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return err
	}
	if cur.State != contracts.StatePendingEntry || cur.EntryOrderID == "" {
		return nil
	}

	_, b, err := e.brokerFor(ctx, cur.AccountID)
	if err != nil {
		return err
	}
	cancelCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	err = b.CancelOrder(cancelCtx, cur.EntryOrderID, cur.Symbol, cur.Quantity-cur.FilledQuantity)
	cancel()
	// 이미 체결/취소된 주문이면 브로커가 거부: 최종 상태만 반영
	if err != nil && !contracts.IsKind(err, contracts.KindBrokerRejected) {
		return err
	}

	e.logger.WithFields(map[string]interface{}{
		"account":  cur.AccountID,
		"symbol":   cur.Symbol,
		"order_id": cur.EntryOrderID,
	}).Info("Entry order timed out, cancelled")
	return e.RefreshOrder(ctx, cur.AccountID, cur.EntryOrderID)
}

// ============================================================
// Fills
// ============================================================

// ApplyFill applies a stream or polled order update. FilledQuantity is
// cumulative, so replays and stale events are no-ops.
func (e *Engine) ApplyFill(ctx context.Context, ev contracts.FillEvent) error {
	unlock := e.locks.Lock(positionKey(ev.AccountID, ev.Symbol))
	defer unlock()

	order, err := e.orders.Get(ctx, ev.OrderID)
	if errors.Is(err, contracts.ErrNotFound) {
		e.logger.WithFields(map[string]interface{}{
			"account":  ev.AccountID,
			"order_id": ev.OrderID,
			"symbol":   ev.Symbol,
		}).Debug("Ignoring fill for untracked order")
		return nil
	}
	if err != nil {
		return err
	}

	now := e.now()
	if !advanceOrder(order, ev, now) {
		return nil
	}

	pos, err := e.positions.Get(ctx, order.PositionID)
	if err != nil {
		return err
	}

	dctx := context.WithoutCancel(ctx)
	switch order.Purpose {
	case contracts.PurposeEntry:
		e.applyEntryFill(pos, order, now)
	case contracts.PurposeExit:
		e.applyExitFill(dctx, pos, order, now)
	}

	// 포지션 먼저: 주문 갱신 실패 시 재전송이 포지션을 다시 맞춤
	if err := e.positions.Update(dctx, pos); err != nil {
		return err
	}
	return e.orders.Update(dctx, order)
}

// advanceOrder folds ev into order; false when ev carries nothing new
func advanceOrder(order *contracts.Order, ev contracts.FillEvent, now time.Time) bool {
	if order.Status.IsFinal() || ev.FilledQuantity < order.FilledQuantity {
		return false
	}

	filled := ev.FilledQuantity
	if filled > order.Quantity {
		filled = order.Quantity
	}
	status := ev.Status
	switch {
	case filled == order.Quantity && filled > 0:
		status = contracts.OrderFilled
	case status == contracts.OrderSubmitted && filled > 0:
		status = contracts.OrderPartiallyFilled
	}

	if filled == order.FilledQuantity && status == order.Status {
		return false
	}

	order.FilledQuantity = filled
	if ev.Price > 0 {
		order.AvgFillPrice = ev.Price
	}
	order.Status = status
	order.UpdatedAt = now
	return true
}

func (e *Engine) applyEntryFill(pos *contracts.Position, order *contracts.Order, now time.Time) {
	if pos.State != contracts.StatePendingEntry {
		e.logger.WithFields(map[string]interface{}{
			"position": pos.ID,
			"state":    pos.State,
			"order_id": order.ID,
		}).Warn("Entry fill for position no longer pending")
		return
	}

	log := e.logger.WithFields(map[string]interface{}{
		"account":  pos.AccountID,
		"symbol":   pos.Symbol,
		"order_id": order.ID,
		"filled":   order.FilledQuantity,
	})

	pos.FilledQuantity = order.FilledQuantity
	pos.UpdatedAt = now

	switch order.Status {
	case contracts.OrderFilled:
		if order.AvgFillPrice > 0 {
			pos.EntryPrice = order.AvgFillPrice
		}
		_ = pos.Transition(contracts.StateOpen, now)
		log.Info("Position opened")

	case contracts.OrderCancelled, contracts.OrderRejected:
		if order.FilledQuantity > 0 {
			// 부분 체결 후 취소: 체결분만 보유, 미사용 예산 반환
			keep := pos.Committed / int64(pos.Quantity) * int64(order.FilledQuantity)
			e.ledger.Release(pos.AccountID, pos.Horizon, pos.Committed-keep)
			pos.Committed = keep
			pos.Quantity = order.FilledQuantity
			if order.AvgFillPrice > 0 {
				pos.EntryPrice = order.AvgFillPrice
			}
			_ = pos.Transition(contracts.StateOpen, now)
			log.Info("Entry order closed after partial fill, position opened")
			return
		}
		e.ledger.Release(pos.AccountID, pos.Horizon, pos.Committed)
		pos.Committed = 0
		pos.LastError = "entry order " + string(order.Status)
		_ = pos.Transition(contracts.StateEntryFailed, now)
		log.Warn("Entry order closed without fill")
	}
}

func (e *Engine) applyExitFill(ctx context.Context, pos *contracts.Position, order *contracts.Order, now time.Time) {
	if pos.State != contracts.StatePendingExit || pos.ExitOrderID != order.ID {
		return
	}

	log := e.logger.WithFields(map[string]interface{}{
		"account":  pos.AccountID,
		"symbol":   pos.Symbol,
		"order_id": order.ID,
		"reason":   pos.ExitReason,
	})
	pos.UpdatedAt = now

	switch order.Status {
	case contracts.OrderFilled:
		e.close(pos, now)
		log.WithField("price", order.AvgFillPrice).Info("Position closed")

	case contracts.OrderCancelled, contracts.OrderRejected:
		held := pos.FilledQuantity
		remaining := held - order.FilledQuantity
		if remaining <= 0 {
			e.close(pos, now)
			log.Info("Position closed")
			return
		}
		if order.FilledQuantity > 0 {
			keep := pos.Committed / int64(held) * int64(remaining)
			e.ledger.Release(pos.AccountID, pos.Horizon, pos.Committed-keep)
			pos.Committed = keep
			pos.FilledQuantity = remaining
		}
		e.failExit(ctx, pos, "exit order "+string(order.Status), now)
	}
}

func (e *Engine) close(pos *contracts.Position, now time.Time) {
	_ = pos.Transition(contracts.StateClosed, now)
	e.ledger.Release(pos.AccountID, pos.Horizon, pos.Committed)
	pos.Committed = 0
	pos.FilledQuantity = 0
	pos.LastError = ""
}

// RefreshOrder polls the broker for one order and applies the result
func (e *Engine) RefreshOrder(ctx context.Context, accountID, orderID string) error {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	_, b, err := e.brokerFor(ctx, accountID)
	if err != nil {
		return err
	}
	return e.refresh(ctx, b, order)
}

func (e *Engine) refresh(ctx context.Context, b broker.Broker, order *contracts.Order) error {
	statusCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	st, err := b.OrderStatus(statusCtx, order.ID)
	cancel()
	if err != nil {
		return fmt.Errorf("order status %s: %w", order.ID, err)
	}

	ev := st.AsFill(order.AccountID)
	ev.Symbol = order.Symbol
	return e.ApplyFill(ctx, ev)
}

// ReconcileOrders re-queries every non-final order of the account and
// applies the broker's view as a synthetic fill. Runs after a stream
// reconnect, when fills may have been missed.
func (e *Engine) ReconcileOrders(ctx context.Context, accountID string) (int, error) {
	_, b, err := e.brokerFor(ctx, accountID)
	if err != nil {
		return 0, err
	}
	open, err := e.orders.ListOpen(ctx, accountID)
	if err != nil {
		return 0, err
	}

	var errs []error
	applied := 0
	for _, o := range open {
		if err := e.refresh(ctx, b, o); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}

	e.logger.WithFields(map[string]interface{}{
		"account": accountID,
		"orders":  len(open),
		"applied": applied,
		"errors":  len(errs),
	}).Info("Orders reconciled")
	return applied, errors.Join(errs...)
}

// ============================================================
// Exit
// ============================================================

// SubmitExit moves an OPEN (or EXIT_FAILED) position to PENDING_EXIT and
// sells the held quantity. A position already exiting or closed is a no-op.
func (e *Engine) SubmitExit(ctx context.Context, pos *contracts.Position, reason contracts.ExitReason) (err error) {
	ctx, span := tracing.StartSpan(ctx, "execution.submit_exit",
		attribute.String("account", pos.AccountID),
		attribute.String("symbol", pos.Symbol),
		attribute.String("reason", string(reason)),
	)
	defer func() { tracing.End(span, err) }()

	unlock := e.locks.Lock(positionKey(pos.AccountID, pos.Symbol))
	defer unlock()

	cur, err := e.positions.Get(ctx, pos.ID)
	if err != nil {
		return err
	}
	switch cur.State {
	case contracts.StatePendingExit, contracts.StateClosed:
		return nil
	case contracts.StateOpen, contracts.StateExitFailed:
	default:
		return fmt.Errorf("%w: cannot exit position %s in %s", contracts.ErrInvalidTransition, cur.ID, cur.State)
	}

	acc, err := e.accounts.Get(ctx, cur.AccountID)
	if err != nil {
		return err
	}
	return e.submitExitLocked(ctx, acc, cur, reason)
}

func (e *Engine) submitExitLocked(ctx context.Context, acc *contracts.Account, pos *contracts.Position, reason contracts.ExitReason) error {
	dctx := context.WithoutCancel(ctx)

	if adopted, err := e.adoptLostExit(ctx, acc, pos); err != nil || adopted {
		return err
	}

	now := e.now()
	if reason != "" {
		pos.ExitReason = reason
	}
	if err := pos.Transition(contracts.StatePendingExit, now); err != nil {
		return err
	}
	pos.ExitAttempts++
	pos.LastError = ""
	if err := e.positions.Update(dctx, pos); err != nil {
		return err
	}

	req := exitRequest(pos)
	log := e.logger.WithFields(map[string]interface{}{
		"account":  pos.AccountID,
		"symbol":   pos.Symbol,
		"reason":   pos.ExitReason,
		"attempt":  pos.ExitAttempts,
		"qty":      req.Qty,
		"position": pos.ID,
	})

	ack, err := e.placeOrder(ctx, acc, req)
	if err != nil {
		pos.ExitOrderID = ""
		e.failExit(dctx, pos, err.Error(), e.now())
		log.WithError(err).Warn("Exit order failed")
		if uerr := e.positions.Update(dctx, pos); uerr != nil {
			return errors.Join(err, uerr)
		}
		return err
	}

	if _, err := e.recordOrder(dctx, pos, req, ack, contracts.PurposeExit); err != nil {
		return err
	}
	pos.ExitOrderID = ack.OrderID
	pos.UpdatedAt = e.now()
	if err := e.positions.Update(dctx, pos); err != nil {
		return err
	}

	log.WithField("order_id", ack.OrderID).Info("Exit order submitted")
	return nil
}

// exitRequest sells the held quantity under the current attempt's ref
func exitRequest(pos *contracts.Position) broker.OrderRequest {
	return broker.OrderRequest{
		Symbol:    pos.Symbol,
		Side:      pos.Direction.ExitSide(),
		Qty:       pos.HeldQuantity(),
		ClientRef: exitRef(pos.ID, pos.ExitAttempts),
	}
}

// RecoverExit resolves a PENDING_EXIT position that never recorded its
// exit order, e.g. when the process died between submit and save. The
// broker order carrying the attempt's ref is adopted; otherwise the attempt
// is failed and the retry schedule takes over.
func (e *Engine) RecoverExit(ctx context.Context, positionID string) error {
	adopted, err := e.recoverExit(ctx, positionID)
	if err != nil || adopted == nil {
		return err
	}
	return e.RefreshOrder(ctx, adopted.AccountID, adopted.ExitOrderID)
}

func (e *Engine) recoverExit(ctx context.Context, positionID string) (*contracts.Position, error) {
	cur, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(positionKey(cur.AccountID, cur.Symbol))
	defer unlock()

	if cur, err = e.positions.Get(ctx, positionID); err != nil {
		return nil, err
	}
	if cur.State != contracts.StatePendingExit || cur.ExitOrderID != "" {
		return nil, nil
	}

	_, b, err := e.brokerFor(ctx, cur.AccountID)
	if err != nil {
		return nil, err
	}
	req := exitRequest(cur)
	ack, err := e.lookupRef(ctx, b, req, cur.UpdatedAt)

	dctx := context.WithoutCancel(ctx)
	log := e.logger.WithFields(map[string]interface{}{
		"account":  cur.AccountID,
		"symbol":   cur.Symbol,
		"attempt":  cur.ExitAttempts,
		"position": cur.ID,
	})
	switch {
	case err == nil:
		if _, err := e.recordOrder(dctx, cur, req, ack, contracts.PurposeExit); err != nil {
			return nil, err
		}
		cur.ExitOrderID = ack.OrderID
		cur.LastError = ""
		cur.UpdatedAt = e.now()
		log.WithField("order_id", ack.OrderID).Info("Recovered exit order by client ref")
		if err := e.positions.Update(dctx, cur); err != nil {
			return nil, err
		}
		return cur, nil

	case errors.Is(err, contracts.ErrNotFound):
		e.failExit(dctx, cur, "exit order never reached the broker", e.now())
		log.Warn("Exit order not found at broker, attempt failed")
		return nil, e.positions.Update(dctx, cur)

	default:
		return nil, err
	}
}

// adoptLostExit picks up an exit order the broker accepted while our
// previous attempt saw only a timeout.
func (e *Engine) adoptLostExit(ctx context.Context, acc *contracts.Account, pos *contracts.Position) (bool, error) {
	if pos.State != contracts.StateExitFailed || pos.ExitOrderID != "" || pos.ExitAttempts == 0 {
		return false, nil
	}
	b, err := e.brokers.For(acc)
	if err != nil {
		return false, err
	}

	req := exitRequest(pos)
	ack, err := e.lookupRef(ctx, b, req, pos.UpdatedAt)
	if errors.Is(err, contracts.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	dctx := context.WithoutCancel(ctx)
	if err := pos.Transition(contracts.StatePendingExit, e.now()); err != nil {
		return false, err
	}
	if _, err := e.recordOrder(dctx, pos, req, ack, contracts.PurposeExit); err != nil {
		return false, err
	}
	pos.ExitOrderID = ack.OrderID
	pos.LastError = ""
	e.logger.WithFields(map[string]interface{}{
		"account":  pos.AccountID,
		"symbol":   pos.Symbol,
		"order_id": ack.OrderID,
	}).Info("Adopted exit order accepted by broker")
	return true, e.positions.Update(dctx, pos)
}

// failExit parks the position in EXIT_FAILED with the next attempt time, or
// escalates once the attempts are used up.
func (e *Engine) failExit(ctx context.Context, pos *contracts.Position, reason string, now time.Time) {
	_ = pos.Transition(contracts.StateExitFailed, now)
	pos.LastError = reason

	if pos.ExitAttempts >= e.cfg.Exit.MaxAttempts {
		e.escalate(ctx, pos)
		return
	}
	next := now.Add(e.cfg.Exit.Backoff(pos.ExitAttempts))
	pos.NextExitAttemptAt = &next
}

func (e *Engine) escalate(ctx context.Context, pos *contracts.Position) {
	pos.NeedsIntervention = true
	pos.NextExitAttemptAt = nil

	msg := fmt.Sprintf("account %s %s: exit failed %d times (%s), %d shares still held",
		pos.AccountID, pos.Symbol, pos.ExitAttempts, pos.LastError, pos.HeldQuantity())
	e.logger.WithFields(map[string]interface{}{
		"account":  pos.AccountID,
		"symbol":   pos.Symbol,
		"attempts": pos.ExitAttempts,
	}).Error("Exit escalated to operator")
	e.alerter.Alert(ctx, "exit needs intervention", msg)
}

// RetryExits resubmits EXIT_FAILED positions whose next attempt is due.
// Escalated positions wait for the operator.
func (e *Engine) RetryExits(ctx context.Context, now time.Time) (*contracts.RunSummary, error) {
	summary := contracts.NewRunSummary("exit_retry", "", now)

	failed, err := e.positions.List(ctx, contracts.PositionFilter{States: []contracts.PositionState{contracts.StateExitFailed}})
	if err != nil {
		return summary.Finish(e.now()), err
	}

	for _, p := range failed {
		if p.NeedsIntervention {
			continue
		}
		if p.NextExitAttemptAt != nil && now.Before(*p.NextExitAttemptAt) {
			continue
		}

		key := p.AccountID + "/" + p.Symbol
		if err := e.retryExit(ctx, p.ID, p.AccountID, p.Symbol); err != nil {
			summary.Fail(key, err.Error())
			continue
		}
		summary.Succeed(key)
	}
	return summary.Finish(e.now()), nil
}

func (e *Engine) retryExit(ctx context.Context, positionID, accountID, symbol string) error {
	unlock := e.locks.Lock(positionKey(accountID, symbol))
	defer unlock()

	cur, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return err
	}
	if cur.State != contracts.StateExitFailed || cur.NeedsIntervention {
		return nil
	}
	if cur.ExitAttempts >= e.cfg.Exit.MaxAttempts {
		e.escalate(ctx, cur)
		return e.positions.Update(context.WithoutCancel(ctx), cur)
	}

	acc, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	return e.submitExitLocked(ctx, acc, cur, "")
}

// FlagDrift marks a position whose broker holding disagrees with the local
// record. The position is otherwise left untouched for the operator.
// Returns true when the flag was newly set.
func (e *Engine) FlagDrift(ctx context.Context, positionID, detail string) (bool, error) {
	cur, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return false, err
	}
	unlock := e.locks.Lock(positionKey(cur.AccountID, cur.Symbol))
	defer unlock()

	if cur, err = e.positions.Get(ctx, positionID); err != nil {
		return false, err
	}
	if cur.DriftDetected {
		return false, nil
	}
	cur.DriftDetected = true
	cur.LastError = detail
	cur.UpdatedAt = e.now()
	return true, e.positions.Update(context.WithoutCancel(ctx), cur)
}

// ============================================================
// Broker plumbing
// ============================================================

func (e *Engine) brokerFor(ctx context.Context, accountID string) (*contracts.Account, broker.Broker, error) {
	acc, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	b, err := e.brokers.For(acc)
	if err != nil {
		return nil, nil, err
	}
	return acc, b, nil
}

func (e *Engine) orderPrice(entry int64) int64 {
	if e.cfg.OrderType == "limit" {
		return entry
	}
	return 0
}

// placeOrder submits req on a context detached from the caller's
// cancellation. Retries look the order up by client ref first, so a lost
// acknowledgement never produces a second order.
func (e *Engine) placeOrder(ctx context.Context, acc *contracts.Account, req broker.OrderRequest) (*broker.OrderAck, error) {
	b, err := e.brokers.For(acc)
	if err != nil {
		return nil, err
	}

	policy := e.cfg.Submit
	policy.AttemptTimeout = e.cfg.BrokerTimeout
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.logger.WithFields(map[string]interface{}{
			"account":    acc.ID,
			"symbol":     req.Symbol,
			"client_ref": req.ClientRef,
			"attempt":    attempt,
			"delay":      delay.String(),
		}).WithError(err).Warn("Retrying order submission")
	}

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.submitDeadline(policy))
	defer cancel()

	query := broker.RefQuery{OrderRequest: req, SubmittedAt: e.now()}

	var ack *broker.OrderAck
	attempt := 0
	err = policy.Do(submitCtx, func(actx context.Context) error {
		attempt++
		if attempt > 1 {
			found, ferr := b.FindOrderByRef(actx, query)
			if ferr == nil {
				ack = found
				return nil
			}
			if !errors.Is(ferr, contracts.ErrNotFound) {
				return ferr
			}
		}
		a, perr := b.PlaceOrder(actx, req)
		if perr != nil {
			return perr
		}
		ack = a
		return nil
	})
	if err == nil {
		return ack, nil
	}

	if policy.Qualifies(err) || errors.Is(err, context.DeadlineExceeded) {
		// 마지막 시도의 응답 유실 여부 확인
		lookupCtx, lcancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.BrokerTimeout)
		defer lcancel()
		if found, ferr := b.FindOrderByRef(lookupCtx, query); ferr == nil {
			return found, nil
		}
	}
	return nil, err
}

func (e *Engine) submitDeadline(p retry.Policy) time.Duration {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	total := time.Duration(attempts) * e.cfg.BrokerTimeout
	for i := 1; i < attempts; i++ {
		total += p.Backoff(i)
	}
	// ref 조회 시간 포함
	return total + time.Duration(attempts-1)*e.cfg.BrokerTimeout
}

// lookupRef asks the broker for the order carrying req.ClientRef. An order
// already recorded under another ref does not match.
func (e *Engine) lookupRef(ctx context.Context, b broker.Broker, req broker.OrderRequest, submittedAt time.Time) (*broker.OrderAck, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	ack, err := b.FindOrderByRef(lookupCtx, broker.RefQuery{OrderRequest: req, SubmittedAt: submittedAt})
	cancel()
	if err != nil {
		return nil, err
	}
	if o, gerr := e.orders.Get(ctx, ack.OrderID); gerr == nil && o.ClientRef != req.ClientRef {
		return nil, fmt.Errorf("client ref %s: order %s belongs to %s: %w", req.ClientRef, ack.OrderID, o.ClientRef, contracts.ErrNotFound)
	}
	return ack, nil
}

// recordOrder stores the acknowledged order, returning the existing record
// when the ref was already saved.
func (e *Engine) recordOrder(ctx context.Context, pos *contracts.Position, req broker.OrderRequest, ack *broker.OrderAck, purpose contracts.OrderPurpose) (*contracts.Order, error) {
	if existing, err := e.orders.GetByRef(ctx, req.ClientRef); err == nil {
		return existing, nil
	}

	now := e.now()
	o := &contracts.Order{
		ID:          ack.OrderID,
		ClientRef:   req.ClientRef,
		AccountID:   pos.AccountID,
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        req.Side,
		Purpose:     purpose,
		Quantity:    req.Qty,
		Price:       req.Price,
		Status:      contracts.OrderSubmitted,
		SubmittedAt: ack.SubmittedAt,
		UpdatedAt:   now,
	}
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = now
	}
	if err := e.orders.Save(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}
