package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/internal/notify"
	"github.com/wonny/autotrader/pkg/logger"
)

type testJob struct {
	name     string
	schedule string
	lockKey  string
	run      func(ctx context.Context) error
	runs     atomic.Int32
}

func (j *testJob) Name() string     { return j.name }
func (j *testJob) Schedule() string { return j.schedule }
func (j *testJob) LockKey() string  { return j.lockKey }

func (j *testJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.run == nil {
		return nil
	}
	return j.run(ctx)
}

// blocking returns a job that signals started and waits for release
func blocking(name, lockKey string) (*testJob, chan struct{}, chan struct{}) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	job := &testJob{
		name:     name,
		schedule: "@every 1h",
		lockKey:  lockKey,
		run: func(ctx context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		},
	}
	return job, started, release
}

func newScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	s := New(opts, logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitIdle(t *testing.T, s *Scheduler, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := s.Status(name)
		return err == nil && !st.Running
	}, time.Second, 5*time.Millisecond)
}

func TestTriggerSkippedWhileScheduledRunInFlight(t *testing.T) {
	s := newScheduler(t, Options{})
	job, started, release := blocking("execution", "")
	require.NoError(t, s.AddJob(context.Background(), job))

	go s.fire("execution")
	<-started

	_, err := s.Trigger("execution")
	assert.ErrorIs(t, err, ErrJobRunning)

	// 예약 실행도 겹치지 않음
	s.fire("execution")

	close(release)
	waitIdle(t, s, "execution")

	assert.Equal(t, int32(1), job.runs.Load())
	history, err := s.History("execution", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, TriggerScheduled, history[0].Trigger)
	assert.True(t, history[0].Success)
}

func TestSharedLockKeyExcludes(t *testing.T) {
	s := newScheduler(t, Options{})
	entry, started, release := blocking("execution", "orders")
	exit := &testJob{name: "monitor", schedule: "@every 30s", lockKey: "orders"}
	other := &testJob{name: "screening", schedule: "0 50 8 * * 1-5"}
	for _, j := range []Job{entry, exit, other} {
		require.NoError(t, s.AddJob(context.Background(), j))
	}

	_, err := s.Trigger("execution")
	require.NoError(t, err)
	<-started

	_, err = s.Trigger("monitor")
	assert.ErrorIs(t, err, ErrJobRunning)

	_, err = s.RunNow(context.Background(), "screening")
	assert.NoError(t, err)

	close(release)
	waitIdle(t, s, "execution")

	_, err = s.RunNow(context.Background(), "monitor")
	assert.NoError(t, err)
	assert.Equal(t, int32(1), exit.runs.Load())
}

func TestFailureThresholdDisablesAndAlerts(t *testing.T) {
	alerts := &notify.Recorder{}
	states := NewMemoryStateStore()
	s := newScheduler(t, Options{FailureThreshold: 3, States: states, Alerter: alerts})

	job := &testJob{name: "analysis", schedule: "0 55 8 * * 1-5", run: func(ctx context.Context) error {
		return errors.New("scorer unavailable")
	}}
	require.NoError(t, s.AddJob(context.Background(), job))

	for i := 0; i < 2; i++ {
		res, err := s.RunNow(context.Background(), "analysis")
		require.NoError(t, err)
		assert.False(t, res.Success)
	}
	st, err := s.Status("analysis")
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Empty(t, alerts.Alerts())

	_, err = s.RunNow(context.Background(), "analysis")
	require.NoError(t, err)

	st, err = s.Status("analysis")
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.True(t, st.NeedsAttention)
	assert.Nil(t, st.NextRun)
	assert.Equal(t, "scorer unavailable", st.LastError)
	require.Len(t, alerts.Alerts(), 1)
	assert.Equal(t, "job disabled", alerts.Alerts()[0].Title)

	persisted, err := states.Load(context.Background(), "analysis")
	require.NoError(t, err)
	assert.False(t, persisted.Enabled)
	assert.True(t, persisted.NeedsAttention)

	// 비활성 작업도 수동 실행 가능, 추가 알림 없음
	_, err = s.RunNow(context.Background(), "analysis")
	require.NoError(t, err)
	assert.Len(t, alerts.Alerts(), 1)

	require.NoError(t, s.Enable(context.Background(), "analysis"))
	st, err = s.Status("analysis")
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.False(t, st.NeedsAttention)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	s := newScheduler(t, Options{FailureThreshold: 2})
	fail := true
	job := &testJob{name: "reconcile", schedule: "@every 10m", run: func(ctx context.Context) error {
		if fail {
			return errors.New("broker down")
		}
		return nil
	}}
	require.NoError(t, s.AddJob(context.Background(), job))

	_, err := s.RunNow(context.Background(), "reconcile")
	require.NoError(t, err)
	fail = false
	_, err = s.RunNow(context.Background(), "reconcile")
	require.NoError(t, err)
	fail = true
	_, err = s.RunNow(context.Background(), "reconcile")
	require.NoError(t, err)

	st, err := s.Status("reconcile")
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, 3, st.TotalRuns)
	assert.InDelta(t, 1.0/3.0, st.SuccessRate, 0.001)
}

func TestPanicMarksRunFailed(t *testing.T) {
	s := newScheduler(t, Options{})
	job := &testJob{name: "screening", schedule: "@every 1h", run: func(ctx context.Context) error {
		var m map[string]int
		m["boom"]++
		return nil
	}}
	require.NoError(t, s.AddJob(context.Background(), job))

	res, err := s.RunNow(context.Background(), "screening")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "job panicked")

	st, err := s.Status("screening")
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestDisableSurvivesRestart(t *testing.T) {
	states := NewMemoryStateStore()
	s := newScheduler(t, Options{States: states})
	require.NoError(t, s.AddJob(context.Background(), &testJob{name: "monitor", schedule: "@every 30s"}))

	st, err := s.Status("monitor")
	require.NoError(t, err)
	assert.NotNil(t, st.NextRun)

	require.NoError(t, s.Disable(context.Background(), "monitor"))

	restarted := newScheduler(t, Options{States: states})
	require.NoError(t, restarted.AddJob(context.Background(), &testJob{name: "monitor", schedule: "@every 30s"}))
	st, err = restarted.Status("monitor")
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Nil(t, st.NextRun)
}

func TestUnknownJob(t *testing.T) {
	s := newScheduler(t, Options{})

	_, err := s.Trigger("nope")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	assert.ErrorIs(t, s.Enable(context.Background(), "nope"), contracts.ErrNotFound)
	assert.ErrorIs(t, s.Disable(context.Background(), "nope"), contracts.ErrNotFound)
	_, err = s.Status("nope")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := newScheduler(t, Options{})
	err := s.AddJob(context.Background(), &testJob{name: "x", schedule: "every day"})
	assert.True(t, contracts.IsKind(err, contracts.KindConfiguration))

	require.NoError(t, s.AddJob(context.Background(), &testJob{name: "y", schedule: "@every 1m"}))
	assert.Error(t, s.AddJob(context.Background(), &testJob{name: "y", schedule: "@every 1m"}))
}

func TestRunIDInContext(t *testing.T) {
	s := newScheduler(t, Options{})
	var seen string
	job := &testJob{name: "execution", schedule: "@every 1h", run: func(ctx context.Context) error {
		seen = RunID(ctx)
		return nil
	}}
	require.NoError(t, s.AddJob(context.Background(), job))

	res, err := s.RunNow(context.Background(), "execution")
	require.NoError(t, err)
	assert.NotEmpty(t, seen)
	assert.Equal(t, res.RunID, seen)
}

func TestStopCancelsAndWaits(t *testing.T) {
	s := New(Options{}, logger.NewNop())
	started := make(chan struct{})
	job := &testJob{name: "execution", schedule: "@every 1h", run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	require.NoError(t, s.AddJob(context.Background(), job))
	s.Start()

	_, err := s.Trigger("execution")
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	history, err := s.History("execution", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)

	_, err = s.Trigger("execution")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopTimesOut(t *testing.T) {
	s := New(Options{}, logger.NewNop())
	job, started, release := blocking("stuck", "")
	require.NoError(t, s.AddJob(context.Background(), job))

	_, err := s.Trigger("stuck")
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestJobHistoryLimit(t *testing.T) {
	var h JobHistory
	for i := 0; i < 150; i++ {
		h.AddResult(JobResult{JobName: "monitor", Success: i%2 == 0})
	}
	assert.Len(t, h.Results, historyLimit)
	assert.Len(t, h.GetLatestResults(10), 10)
	assert.Empty(t, h.GetLatestResults(0))
	assert.InDelta(t, 0.5, h.GetSuccessRate(), 0.001)
}
