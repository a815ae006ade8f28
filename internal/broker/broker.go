package broker

import (
	"context"
	"time"

	"github.com/wonny/autotrader/internal/contracts"
)

// Broker is the per-account brokerage client.
// ⭐ SSOT: 주문/조회/체결 스트림은 이 인터페이스를 통해서만
type Broker interface {
	Authenticate(ctx context.Context) error
	Quote(ctx context.Context, symbol string) (*contracts.Quote, error)
	DailyBars(ctx context.Context, symbol string, days int) ([]contracts.DailyBar, error)

	// PlaceOrder submits an order tagged with req.ClientRef. Implementations
	// return the existing acknowledgement when the ref was already accepted.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, orderID, symbol string, qty int) error
	OrderStatus(ctx context.Context, orderID string) (*OrderState, error)

	// FindOrderByRef returns contracts.ErrNotFound when no order carries q.ClientRef
	FindOrderByRef(ctx context.Context, q RefQuery) (*OrderAck, error)
	Positions(ctx context.Context) ([]contracts.Holding, error)

	// SubscribeExecutions streams fills until ctx is cancelled. The channel is
	// closed when the subscription ends.
	SubscribeExecutions(ctx context.Context) (<-chan contracts.StreamEvent, error)
}

// OrderRequest is a new order. Price 0 means market order.
type OrderRequest struct {
	Symbol    string              `json:"symbol"`
	Side      contracts.OrderSide `json:"side"`
	Qty       int                 `json:"qty"`
	Price     int64               `json:"price"`
	ClientRef string              `json:"client_ref"`
}

// RefQuery looks up an order by client ref. The request fields and
// SubmittedAt let brokers without client order ids match the ref against
// the day's orders after a restart.
type RefQuery struct {
	OrderRequest
	SubmittedAt time.Time
}

// OrderAck is the broker's acceptance of an order
type OrderAck struct {
	OrderID     string              `json:"order_id"`
	ClientRef   string              `json:"client_ref"`
	Symbol      string              `json:"symbol"`
	Side        contracts.OrderSide `json:"side"`
	Qty         int                 `json:"qty"`
	Price       int64               `json:"price"`
	SubmittedAt time.Time           `json:"submitted_at"`
}

// OrderState is the broker's current view of one order
type OrderState struct {
	OrderID        string                `json:"order_id"`
	Symbol         string                `json:"symbol"`
	Side           contracts.OrderSide   `json:"side"`
	Qty            int                   `json:"qty"`
	FilledQuantity int                   `json:"filled_quantity"`
	AvgPrice       int64                 `json:"avg_price"`
	Status         contracts.OrderStatus `json:"status"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// AsFill converts a polled state into the same event the stream would deliver
func (s *OrderState) AsFill(accountID string) contracts.FillEvent {
	return contracts.FillEvent{
		AccountID:      accountID,
		OrderID:        s.OrderID,
		Symbol:         s.Symbol,
		Side:           s.Side,
		FilledQuantity: s.FilledQuantity,
		Price:          s.AvgPrice,
		Status:         s.Status,
		At:             s.UpdatedAt,
	}
}
