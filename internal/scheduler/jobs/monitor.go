package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/logger"
)

// Checker runs one monitor cycle (monitor.Monitor)
type Checker interface {
	CheckOnce(ctx context.Context) (*contracts.RunSummary, error)
}

// Reconciler compares local positions with broker holdings (monitor.Monitor)
type Reconciler interface {
	ReconcileAll(ctx context.Context) (*contracts.RunSummary, error)
}

// Session reports whether the market is open (monitor.MarketHours)
type Session interface {
	IsOpen(t time.Time) bool
}

// MonitorJob checks open positions during market hours
// ⭐ SSOT: 포지션 감시 스케줄은 이 Job에서만
type MonitorJob struct {
	monitor  Checker
	session  Session // nil = always open
	schedule string
	timeout  time.Duration
	logger   *logger.Logger
	now      func() time.Time
}

// NewMonitorJob creates the monitor job
func NewMonitorJob(m Checker, session Session, schedule string, timeout time.Duration, log *logger.Logger) *MonitorJob {
	return &MonitorJob{
		monitor:  m,
		session:  session,
		schedule: schedule,
		timeout:  timeout,
		logger:   log,
		now:      time.Now,
	}
}

func (j *MonitorJob) Name() string           { return "monitor" }
func (j *MonitorJob) Schedule() string       { return j.schedule }
func (j *MonitorJob) Timeout() time.Duration { return j.timeout }

func (j *MonitorJob) Run(ctx context.Context) error {
	if j.session != nil && !j.session.IsOpen(j.now()) {
		j.logger.Debug("Market closed, monitor cycle skipped")
		return nil
	}

	summary, err := j.monitor.CheckOnce(ctx)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	if summary.Failed > 0 {
		j.logger.WithFields(summary.Fields()).Warn("Monitor cycle had failures")
	}
	return nil
}

// ReconcileJob checks broker holdings against local positions
type ReconcileJob struct {
	monitor  Reconciler
	schedule string
	logger   *logger.Logger
}

// NewReconcileJob creates the reconciliation job
func NewReconcileJob(m Reconciler, schedule string, log *logger.Logger) *ReconcileJob {
	return &ReconcileJob{monitor: m, schedule: schedule, logger: log}
}

func (j *ReconcileJob) Name() string     { return "reconcile" }
func (j *ReconcileJob) Schedule() string { return j.schedule }

func (j *ReconcileJob) Run(ctx context.Context) error {
	summary, err := j.monitor.ReconcileAll(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	log := j.logger.WithFields(summary.Fields())
	if summary.Failed > 0 {
		// drift는 포지션별로 이미 알림됨
		log.Warn("Reconciliation found mismatches")
		return nil
	}
	log.Info("Reconciliation completed")
	return nil
}
