package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/internal/monitor"
	"github.com/wonny/autotrader/pkg/retry"
)

// streamBackoff spaces resubscriptions after a stream ends or fails
var streamBackoff = retry.Policy{
	InitialDelay: time.Second,
	MaxDelay:     time.Minute,
	Multiplier:   2,
}

// accountRescanInterval is how often the active account list is re-read
var accountRescanInterval = time.Minute

// RunStreams consumes the execution stream of every active account until
// ctx is done. Accounts activated later get a consumer on the next rescan;
// a deactivated account's consumer is stopped and its orders fall back to
// polling. A consumer that stops is resubscribed after a backoff; the
// reconnect reconciliation runs inside the consumer.
func (a *App) RunStreams(ctx context.Context) error {
	accounts, err := a.Accounts.ActiveAccounts(ctx)
	if err != nil {
		return err
	}

	consumer := monitor.NewStreamConsumer(a.Engine, a.Monitor, a.Accounts, a.Brokers, a.Logger)
	running := make(map[string]context.CancelFunc)
	var g errgroup.Group

	resync := func(accounts []*contracts.Account) {
		active := make(map[string]bool, len(accounts))
		for _, acc := range accounts {
			active[acc.ID] = true
			if _, ok := running[acc.ID]; ok {
				continue
			}
			cctx, cancel := context.WithCancel(ctx)
			running[acc.ID] = cancel
			accountID := acc.ID
			g.Go(func() error {
				a.consume(cctx, consumer, accountID)
				return nil
			})
			a.Logger.WithField("account", accountID).Info("Execution stream started")
		}
		for id, cancel := range running {
			if !active[id] {
				cancel()
				delete(running, id)
				a.Logger.WithField("account", id).Info("Execution stream stopped for inactive account")
			}
		}
	}
	resync(accounts)

	ticker := time.NewTicker(accountRescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-ticker.C:
			accounts, err := a.Accounts.ActiveAccounts(ctx)
			if err != nil {
				a.Logger.WithError(err).Warn("Failed to re-list accounts for streams")
				continue
			}
			resync(accounts)
		}
	}
}

func (a *App) consume(ctx context.Context, consumer *monitor.StreamConsumer, accountID string) {
	log := a.Logger.WithField("account", accountID)

	for attempt := 1; ; attempt++ {
		started := time.Now()
		err := consumer.Run(ctx, accountID)
		if ctx.Err() != nil {
			return
		}
		// 오래 유지된 스트림이면 backoff 초기화
		if time.Since(started) > streamBackoff.MaxDelay {
			attempt = 1
		}

		delay := streamBackoff.Backoff(attempt)
		log.WithError(err).WithField("retry_in", delay.String()).Warn("Execution stream ended, resubscribing")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		// 재구독 전 놓친 체결 반영
		if _, err := a.Engine.ReconcileOrders(ctx, accountID); err != nil {
			log.WithError(err).Warn("Order reconciliation before resubscribe incomplete")
		}
	}
}
