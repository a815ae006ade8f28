package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/autotrader/internal/analyzer"
	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/internal/scheduler"
	"github.com/wonny/autotrader/internal/screener"
	"github.com/wonny/autotrader/pkg/logger"
)

// pipelineLock keeps screening, analysis and execution from overlapping
const pipelineLock = "pipeline"

// Screener runs one screening pass
type Screener interface {
	Run(ctx context.Context, runID string) (*screener.Result, error)
}

// Analyzer analyzes the latest screening run
type Analyzer interface {
	Run(ctx context.Context) (*analyzer.Result, error)
}

// ResultSource yields accepted analysis results
type ResultSource interface {
	LatestSince(ctx context.Context, since time.Time) ([]*contracts.AnalysisResult, error)
}

// Entrant places entries for analysis results (execution.Engine)
type Entrant interface {
	EnterAll(ctx context.Context, runID string, results []*contracts.AnalysisResult) (*contracts.RunSummary, error)
}

// ScreeningJob screens the universe before the open
// ⭐ SSOT: 스크리닝 스케줄은 이 Job에서만
type ScreeningJob struct {
	screener Screener
	schedule string
	logger   *logger.Logger
}

// NewScreeningJob creates a screening job
func NewScreeningJob(s Screener, schedule string, log *logger.Logger) *ScreeningJob {
	return &ScreeningJob{screener: s, schedule: schedule, logger: log}
}

func (j *ScreeningJob) Name() string     { return "screening" }
func (j *ScreeningJob) Schedule() string { return j.schedule }
func (j *ScreeningJob) LockKey() string  { return pipelineLock }

func (j *ScreeningJob) Run(ctx context.Context) error {
	res, err := j.screener.Run(ctx, scheduler.RunID(ctx))
	if err != nil {
		return fmt.Errorf("screening: %w", err)
	}
	j.logger.WithFields(res.Summary.Fields()).WithField("candidates", len(res.Candidates)).Info("Screening job finished")
	return nil
}

// AnalysisJob scores the latest candidates
type AnalysisJob struct {
	analyzer Analyzer
	schedule string
	timeout  time.Duration
	logger   *logger.Logger
}

// NewAnalysisJob creates an analysis job; timeout bounds the whole run
func NewAnalysisJob(a Analyzer, schedule string, timeout time.Duration, log *logger.Logger) *AnalysisJob {
	return &AnalysisJob{analyzer: a, schedule: schedule, timeout: timeout, logger: log}
}

func (j *AnalysisJob) Name() string           { return "analysis" }
func (j *AnalysisJob) Schedule() string       { return j.schedule }
func (j *AnalysisJob) LockKey() string        { return pipelineLock }
func (j *AnalysisJob) Timeout() time.Duration { return j.timeout }

func (j *AnalysisJob) Run(ctx context.Context) error {
	res, err := j.analyzer.Run(ctx)
	if err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	// 결과 0건은 부분 실패로 보고만 함
	j.logger.WithFields(res.Summary.Fields()).WithField("trend", res.Trend).Info("Analysis job finished")
	return nil
}

// ExecutionJob enters positions for today's analysis results
type ExecutionJob struct {
	engine   Entrant
	results  ResultSource
	schedule string
	window   time.Duration
	logger   *logger.Logger
	now      func() time.Time
}

// NewExecutionJob creates an execution job. Results older than window are ignored.
func NewExecutionJob(engine Entrant, results ResultSource, schedule string, window time.Duration, log *logger.Logger) *ExecutionJob {
	return &ExecutionJob{
		engine:   engine,
		results:  results,
		schedule: schedule,
		window:   window,
		logger:   log,
		now:      time.Now,
	}
}

func (j *ExecutionJob) Name() string     { return "execution" }
func (j *ExecutionJob) Schedule() string { return j.schedule }
func (j *ExecutionJob) LockKey() string  { return pipelineLock }

func (j *ExecutionJob) Run(ctx context.Context) error {
	results, err := j.results.LatestSince(ctx, j.now().Add(-j.window))
	if err != nil {
		return fmt.Errorf("load analysis results: %w", err)
	}
	if len(results) == 0 {
		j.logger.Info("No fresh analysis results, nothing to enter")
		return nil
	}

	summary, err := j.engine.EnterAll(ctx, scheduler.RunID(ctx), results)
	if err != nil {
		return fmt.Errorf("execution: %w", err)
	}
	j.logger.WithFields(summary.Fields()).Info("Execution job finished")
	return nil
}
