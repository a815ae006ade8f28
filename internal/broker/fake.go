package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wonny/autotrader/internal/contracts"
)

// Fake is a deterministic in-memory Broker used by tests and the memory
// backend. Fills happen only when Fill is called or AutoFill is set.
type Fake struct {
	AutoFill bool

	mu        sync.Mutex
	accountID string
	now       func() time.Time

	quotes   map[string]int64
	bars     map[string][]contracts.DailyBar
	holdings map[string]contracts.Holding
	orders   map[string]*OrderState
	refs     map[string]*OrderAck
	seq      int

	quoteErr map[string]error
	barsErr  map[string]error
	authErr  error

	failNext    int // transient error before the order reaches the broker
	lostAckNext int // order accepted, response lost
	rejectNext  int

	placeCalls  int
	cancelCalls int
	authCalls   int

	subs      []chan contracts.StreamEvent
	connected bool
}

// NewFake creates an empty fake broker for accountID
func NewFake(accountID string) *Fake {
	return &Fake{
		accountID: accountID,
		now:       time.Now,
		quotes:    make(map[string]int64),
		bars:      make(map[string][]contracts.DailyBar),
		holdings:  make(map[string]contracts.Holding),
		orders:    make(map[string]*OrderState),
		refs:      make(map[string]*OrderAck),
		quoteErr:  make(map[string]error),
		barsErr:   make(map[string]error),
		connected: true,
	}
}

// ============================================================
// Test controls
// ============================================================

func (f *Fake) SetQuote(symbol string, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = price
}

func (f *Fake) SetBars(symbol string, bars []contracts.DailyBar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars[symbol] = bars
}

func (f *Fake) SetHolding(symbol string, qty int, avgPrice int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if qty <= 0 {
		delete(f.holdings, symbol)
		return
	}
	f.holdings[symbol] = contracts.Holding{Symbol: symbol, Quantity: qty, AvgPrice: avgPrice}
}

func (f *Fake) FailQuote(symbol string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteErr[symbol] = err
}

func (f *Fake) FailBars(symbol string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.barsErr[symbol] = err
}

func (f *Fake) FailAuth(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authErr = err
}

// FailNext makes the next n PlaceOrder calls fail transiently without placing
func (f *Fake) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// LoseAckNext makes the next n PlaceOrder calls place the order but report a timeout
func (f *Fake) LoseAckNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostAckNext = n
}

// RejectNext makes the next n PlaceOrder calls fail with a broker rejection
func (f *Fake) RejectNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectNext = n
}

func (f *Fake) PlaceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls
}

func (f *Fake) CancelCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCalls
}

func (f *Fake) AuthCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

// Orders returns every order the fake accepted, sorted by id
func (f *Fake) Orders() []OrderState {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]OrderState, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Fill adds qty to the order's cumulative fill and publishes a fill event
func (f *Fake) Fill(orderID string, qty int, price int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fillLocked(orderID, qty, price)
}

// Reject marks a submitted order rejected and publishes it
func (f *Fake) Reject(orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, contracts.ErrNotFound)
	}
	o.Status = contracts.OrderRejected
	o.UpdatedAt = f.now()
	f.publishFill(o)
	return nil
}

// Disconnect drops the stream; fills made while disconnected are not delivered
func (f *Fake) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(contracts.StreamEvent{Kind: contracts.StreamDisconnected, At: f.now(), Err: errors.New("connection reset")})
	f.connected = false
}

// Reconnect restores the stream and publishes a reconnected event
func (f *Fake) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	f.emit(contracts.StreamEvent{Kind: contracts.StreamReconnected, At: f.now()})
}

// Tick publishes a price tick and updates the quote
func (f *Fake) Tick(symbol string, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = price
	if f.connected {
		f.emit(contracts.StreamEvent{
			Kind: contracts.StreamTick,
			Tick: &contracts.Quote{Symbol: symbol, Price: price, At: f.now()},
			At:   f.now(),
		})
	}
}

// ============================================================
// Broker implementation
// ============================================================

func (f *Fake) Authenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return f.authErr
}

func (f *Fake) Quote(ctx context.Context, symbol string) (*contracts.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.quoteErr[symbol]; err != nil {
		return nil, err
	}
	price, ok := f.quotes[symbol]
	if !ok || price <= 0 {
		return nil, contracts.DataQuality(symbol, "no quote")
	}
	return &contracts.Quote{Symbol: symbol, Price: price, At: f.now()}, nil
}

func (f *Fake) DailyBars(ctx context.Context, symbol string, days int) ([]contracts.DailyBar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.barsErr[symbol]; err != nil {
		return nil, err
	}
	bars, ok := f.bars[symbol]
	if !ok {
		return nil, contracts.DataQuality(symbol, "no daily bars")
	}
	if days > 0 && len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	out := make([]contracts.DailyBar, len(bars))
	copy(out, bars)
	return out, nil
}

func (f *Fake) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++

	if f.failNext > 0 {
		f.failNext--
		return nil, contracts.TransientAPI("fake.place_order", context.DeadlineExceeded)
	}
	if ack, ok := f.refs[req.ClientRef]; ok && req.ClientRef != "" {
		c := *ack
		return &c, nil
	}
	if f.rejectNext > 0 {
		f.rejectNext--
		return nil, contracts.BrokerRejected("fake.place_order", "APBK0919", "주문가능금액을 초과했습니다")
	}
	if req.Qty <= 0 {
		return nil, contracts.BrokerRejected("fake.place_order", "APBK0400", "invalid quantity")
	}

	f.seq++
	now := f.now()
	ack := &OrderAck{
		OrderID:     fmt.Sprintf("%010d", f.seq),
		ClientRef:   req.ClientRef,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Qty:         req.Qty,
		Price:       req.Price,
		SubmittedAt: now,
	}
	f.orders[ack.OrderID] = &OrderState{
		OrderID:   ack.OrderID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Qty:       req.Qty,
		Status:    contracts.OrderSubmitted,
		UpdatedAt: now,
	}
	if req.ClientRef != "" {
		f.refs[req.ClientRef] = ack
	}

	if f.AutoFill {
		price := req.Price
		if price == 0 {
			price = f.quotes[req.Symbol]
		}
		_ = f.fillLocked(ack.OrderID, req.Qty, price)
	}

	if f.lostAckNext > 0 {
		f.lostAckNext--
		return nil, contracts.TransientAPI("fake.place_order", context.DeadlineExceeded)
	}

	c := *ack
	return &c, nil
}

func (f *Fake) CancelOrder(ctx context.Context, orderID, symbol string, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++

	o, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, contracts.ErrNotFound)
	}
	if o.Status.IsFinal() {
		return contracts.BrokerRejected("fake.cancel_order", "APBK0918", "이미 체결 또는 취소된 주문입니다")
	}
	o.Status = contracts.OrderCancelled
	o.UpdatedAt = f.now()
	f.publishFill(o)
	return nil
}

func (f *Fake) OrderStatus(ctx context.Context, orderID string) (*OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, contracts.ErrNotFound)
	}
	c := *o
	return &c, nil
}

func (f *Fake) FindOrderByRef(ctx context.Context, q RefQuery) (*OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ack, ok := f.refs[q.ClientRef]
	if !ok {
		return nil, fmt.Errorf("client ref %s: %w", q.ClientRef, contracts.ErrNotFound)
	}
	c := *ack
	return &c, nil
}

func (f *Fake) Positions(ctx context.Context) ([]contracts.Holding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]contracts.Holding, 0, len(f.holdings))
	for _, h := range f.holdings {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (f *Fake) SubscribeExecutions(ctx context.Context) (<-chan contracts.StreamEvent, error) {
	ch := make(chan contracts.StreamEvent, 256)

	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (f *Fake) fillLocked(orderID string, qty int, price int64) error {
	o, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, contracts.ErrNotFound)
	}
	if o.Status.IsFinal() {
		return fmt.Errorf("order %s is %s", orderID, o.Status)
	}
	if o.FilledQuantity+qty > o.Qty {
		qty = o.Qty - o.FilledQuantity
	}
	if qty <= 0 {
		return fmt.Errorf("order %s: fill quantity must be positive", orderID)
	}

	// 가중평균 체결가
	total := o.AvgPrice*int64(o.FilledQuantity) + price*int64(qty)
	o.FilledQuantity += qty
	if o.FilledQuantity > 0 {
		o.AvgPrice = total / int64(o.FilledQuantity)
	}
	o.Status = contracts.OrderPartiallyFilled
	if o.FilledQuantity == o.Qty {
		o.Status = contracts.OrderFilled
	}
	o.UpdatedAt = f.now()

	h := f.holdings[o.Symbol]
	h.Symbol = o.Symbol
	if o.Side == contracts.OrderSideBuy {
		cost := h.AvgPrice*int64(h.Quantity) + price*int64(qty)
		h.Quantity += qty
		h.AvgPrice = cost / int64(h.Quantity)
		f.holdings[o.Symbol] = h
	} else {
		h.Quantity -= qty
		if h.Quantity <= 0 {
			delete(f.holdings, o.Symbol)
		} else {
			f.holdings[o.Symbol] = h
		}
	}

	f.publishFill(o)
	return nil
}

func (f *Fake) publishFill(o *OrderState) {
	if !f.connected {
		return
	}
	fill := o.AsFill(f.accountID)
	f.emit(contracts.StreamEvent{Kind: contracts.StreamFill, Fill: &fill, At: f.now()})
}

// emit never blocks; a full subscriber loses the event like a dropped socket would
func (f *Fake) emit(ev contracts.StreamEvent) {
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
