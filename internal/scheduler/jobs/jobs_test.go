package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/internal/scheduler"
	"github.com/wonny/autotrader/pkg/logger"
)

type stubChecker struct {
	calls int
	err   error
}

func (s *stubChecker) CheckOnce(ctx context.Context) (*contracts.RunSummary, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return contracts.NewRunSummary("monitor", "", time.Now()).Finish(time.Now()), nil
}

type fixedSession bool

func (f fixedSession) IsOpen(time.Time) bool { return bool(f) }

type stubEntrant struct {
	runID   string
	results []*contracts.AnalysisResult
}

func (s *stubEntrant) EnterAll(ctx context.Context, runID string, results []*contracts.AnalysisResult) (*contracts.RunSummary, error) {
	s.runID = runID
	s.results = results
	return contracts.NewRunSummary("execution", runID, time.Now()).Finish(time.Now()), nil
}

type stubResults struct {
	since   time.Time
	results []*contracts.AnalysisResult
}

func (s *stubResults) LatestSince(ctx context.Context, since time.Time) ([]*contracts.AnalysisResult, error) {
	s.since = since
	return s.results, nil
}

func TestMonitorJobMarketHoursGate(t *testing.T) {
	checker := &stubChecker{}

	closed := NewMonitorJob(checker, fixedSession(false), "@every 30s", time.Minute, logger.NewNop())
	require.NoError(t, closed.Run(context.Background()))
	assert.Zero(t, checker.calls)

	open := NewMonitorJob(checker, fixedSession(true), "@every 30s", time.Minute, logger.NewNop())
	require.NoError(t, open.Run(context.Background()))
	assert.Equal(t, 1, checker.calls)

	always := NewMonitorJob(checker, nil, "@every 30s", time.Minute, logger.NewNop())
	require.NoError(t, always.Run(context.Background()))
	assert.Equal(t, 2, checker.calls)

	checker.err = errors.New("store unavailable")
	assert.Error(t, always.Run(context.Background()))
}

func TestExecutionJobUsesRunIDAndWindow(t *testing.T) {
	now := time.Date(2026, 3, 9, 9, 5, 0, 0, time.UTC)
	engine := &stubEntrant{}
	results := &stubResults{results: []*contracts.AnalysisResult{{ID: "r1", Symbol: "005930"}}}

	job := NewExecutionJob(engine, results, "0 5 9 * * 1-5", 12*time.Hour, logger.NewNop())
	job.now = func() time.Time { return now }

	ctx := scheduler.WithRunID(context.Background(), "run-42")
	require.NoError(t, job.Run(ctx))

	assert.Equal(t, now.Add(-12*time.Hour), results.since)
	assert.Equal(t, "run-42", engine.runID)
	assert.Len(t, engine.results, 1)
}

func TestExecutionJobNoResults(t *testing.T) {
	engine := &stubEntrant{}
	job := NewExecutionJob(engine, &stubResults{}, "0 5 9 * * 1-5", time.Hour, logger.NewNop())

	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, engine.runID)
}

func TestPipelineJobsShareLock(t *testing.T) {
	screening := NewScreeningJob(nil, "0 50 8 * * 1-5", logger.NewNop())
	analysis := NewAnalysisJob(nil, "0 55 8 * * 1-5", time.Minute, logger.NewNop())
	execution := NewExecutionJob(nil, nil, "0 5 9 * * 1-5", time.Hour, logger.NewNop())

	assert.Equal(t, screening.LockKey(), analysis.LockKey())
	assert.Equal(t, analysis.LockKey(), execution.LockKey())

	var _ scheduler.LockKeyer = screening
	var _ scheduler.TimeoutJob = analysis
	var _ scheduler.TimeoutJob = &MonitorJob{}
}
