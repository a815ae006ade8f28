package contracts

import "time"

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus as tracked locally and reported by the broker
type OrderStatus string

const (
	OrderSubmitted       OrderStatus = "submitted"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
)

// IsFinal reports whether the broker will not change the order any more
func (s OrderStatus) IsFinal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// OrderPurpose links an order to the position step it serves
type OrderPurpose string

const (
	PurposeEntry OrderPurpose = "entry"
	PurposeExit  OrderPurpose = "exit"
)

// Order is a broker order placed by the Execution Engine
// ⭐ SSOT: 주문 기록
type Order struct {
	ID             string       `json:"id"` // broker-assigned (KIS ODNO)
	ClientRef      string       `json:"client_ref"`
	AccountID      string       `json:"account_id"`
	PositionID     string       `json:"position_id"`
	Symbol         string       `json:"symbol"`
	Side           OrderSide    `json:"side"`
	Purpose        OrderPurpose `json:"purpose"`
	Quantity       int          `json:"quantity"`
	FilledQuantity int          `json:"filled_quantity"`
	Price          int64        `json:"price"` // 0 = market
	AvgFillPrice   int64        `json:"avg_fill_price"`
	Status         OrderStatus  `json:"status"`
	SubmittedAt    time.Time    `json:"submitted_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// FillEvent is an order status change pushed by the execution stream or
// produced by polling. FilledQuantity is cumulative for the order.
type FillEvent struct {
	AccountID      string      `json:"account_id"`
	OrderID        string      `json:"order_id"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	FilledQuantity int         `json:"filled_quantity"`
	Price          int64       `json:"price"` // average fill price
	Status         OrderStatus `json:"status"`
	At             time.Time   `json:"at"`
}

// StreamEventKind distinguishes fills from connection lifecycle events
type StreamEventKind string

const (
	StreamFill         StreamEventKind = "fill"
	StreamReconnected  StreamEventKind = "reconnected"
	StreamDisconnected StreamEventKind = "disconnected"
	StreamTick         StreamEventKind = "tick"
)

// StreamEvent is one item of an execution-stream subscription
type StreamEvent struct {
	Kind StreamEventKind
	Fill *FillEvent
	Tick *Quote
	Err  error
	At   time.Time
}
