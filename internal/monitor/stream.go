package monitor

import (
	"context"

	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/logger"
)

// StreamConsumer applies one account's execution stream in order
type StreamConsumer struct {
	engine   Engine
	monitor  *Monitor
	accounts AccountSource
	brokers  *broker.Registry
	logger   *logger.Logger
}

// NewStreamConsumer creates a consumer feeding engine and monitor
func NewStreamConsumer(engine Engine, monitor *Monitor, accounts AccountSource, brokers *broker.Registry, log *logger.Logger) *StreamConsumer {
	return &StreamConsumer{
		engine:   engine,
		monitor:  monitor,
		accounts: accounts,
		brokers:  brokers,
		logger:   log,
	}
}

// Run consumes the stream until ctx is done or the broker closes it.
// Events are handled one at a time so fills apply in delivery order.
func (c *StreamConsumer) Run(ctx context.Context, accountID string) error {
	acc, err := c.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	b, err := c.brokers.For(acc)
	if err != nil {
		return err
	}

	events, err := b.SubscribeExecutions(ctx)
	if err != nil {
		return err
	}

	log := c.logger.WithField("account", accountID)
	log.Info("Execution stream consumer started")

	for {
		select {
		case <-ctx.Done():
			log.Info("Execution stream consumer stopped")
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					log.Info("Execution stream consumer stopped")
					return ctx.Err()
				}
				log.Warn("Execution stream closed")
				return nil
			}
			c.handle(ctx, accountID, ev)
		}
	}
}

func (c *StreamConsumer) handle(ctx context.Context, accountID string, ev contracts.StreamEvent) {
	log := c.logger.WithField("account", accountID)

	switch ev.Kind {
	case contracts.StreamFill:
		if ev.Fill == nil {
			return
		}
		if err := c.engine.ApplyFill(ctx, *ev.Fill); err != nil {
			log.WithError(err).WithField("order_id", ev.Fill.OrderID).Error("Failed to apply fill")
		}

	case contracts.StreamTick:
		if ev.Tick == nil {
			return
		}
		if err := c.monitor.HandleTick(ctx, ev.Tick.Symbol, ev.Tick.Price); err != nil {
			log.WithError(err).WithField("symbol", ev.Tick.Symbol).Warn("Tick handling failed")
		}

	case contracts.StreamDisconnected:
		log.WithError(ev.Err).Warn("Execution stream disconnected")

	case contracts.StreamReconnected:
		// 끊긴 동안 놓친 체결 반영 후 보유 수량 대조
		applied, err := c.engine.ReconcileOrders(ctx, accountID)
		if err != nil {
			log.WithError(err).Warn("Order reconciliation after reconnect incomplete")
		}
		if err := c.monitor.Reconcile(ctx, accountID); err != nil {
			log.WithError(err).Error("Position reconciliation after reconnect found drift")
		}
		log.WithField("orders_applied", applied).Info("Execution stream reconnected")
	}
}
