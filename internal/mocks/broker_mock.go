package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/contracts"
)

// MockBroker is a testify mock of broker.Broker
type MockBroker struct {
	mock.Mock
}

var _ broker.Broker = (*MockBroker)(nil)

func (m *MockBroker) Authenticate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockBroker) Quote(ctx context.Context, symbol string) (*contracts.Quote, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*contracts.Quote), args.Error(1)
}

func (m *MockBroker) DailyBars(ctx context.Context, symbol string, days int) ([]contracts.DailyBar, error) {
	args := m.Called(ctx, symbol, days)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]contracts.DailyBar), args.Error(1)
}

func (m *MockBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderAck, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.OrderAck), args.Error(1)
}

func (m *MockBroker) CancelOrder(ctx context.Context, orderID, symbol string, qty int) error {
	args := m.Called(ctx, orderID, symbol, qty)
	return args.Error(0)
}

func (m *MockBroker) OrderStatus(ctx context.Context, orderID string) (*broker.OrderState, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.OrderState), args.Error(1)
}

func (m *MockBroker) FindOrderByRef(ctx context.Context, q broker.RefQuery) (*broker.OrderAck, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.OrderAck), args.Error(1)
}

func (m *MockBroker) Positions(ctx context.Context) ([]contracts.Holding, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]contracts.Holding), args.Error(1)
}

func (m *MockBroker) SubscribeExecutions(ctx context.Context) (<-chan contracts.StreamEvent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan contracts.StreamEvent), args.Error(1)
}
