package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/internal/notify"
	"github.com/wonny/autotrader/pkg/logger"
	"github.com/wonny/autotrader/pkg/tracing"
)

var (
	// ErrJobRunning is returned when a run is requested while the job, or
	// another job sharing its lock key, is still running
	ErrJobRunning = errors.New("job is already running")

	// ErrStopped is returned for runs requested after Stop
	ErrStopped = errors.New("scheduler stopped")
)

// 초 단위 cron + @every 지원
var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Options configures a Scheduler
type Options struct {
	Location         *time.Location
	FailureThreshold int // consecutive failures before auto-disable
	States           StateStore
	Alerter          notify.Alerter
}

type entry struct {
	job     Job
	lockKey string
	cronID  cron.EntryID // 0 when not scheduled
	state   JobState
	running bool
	history JobHistory
}

// Scheduler manages scheduled jobs
// ⭐ SSOT: 스케줄 관리는 이 스케줄러에서만
type Scheduler struct {
	cron      *cron.Cron
	logger    *logger.Logger
	states    StateStore
	alerter   notify.Alerter
	threshold int

	mu      sync.Mutex
	jobs    map[string]*entry
	held    map[string]string // lock key -> running job
	stopped bool

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// New creates a new scheduler
func New(opts Options, log *logger.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 3
	}
	if opts.States == nil {
		opts.States = NewMemoryStateStore()
	}
	if opts.Alerter == nil {
		opts.Alerter = notify.NewLogAlerter(log)
	}

	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      cron.New(cron.WithParser(specParser), cron.WithLocation(opts.Location)),
		logger:    log,
		states:    opts.States,
		alerter:   opts.Alerter,
		threshold: opts.FailureThreshold,
		jobs:      make(map[string]*entry),
		held:      make(map[string]string),
		base:      base,
		cancel:    cancel,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// AddJob registers a job. A persisted disable from an earlier process is
// honored: the job is known but not scheduled.
func (s *Scheduler) AddJob(ctx context.Context, job Job) error {
	jobName := job.Name()
	if _, err := specParser.Parse(job.Schedule()); err != nil {
		return contracts.Configuration("scheduler.add", "job %s: invalid schedule %q: %v", jobName, job.Schedule(), err)
	}

	state := JobState{Name: jobName, Enabled: true, UpdatedAt: s.now()}
	persisted, err := s.states.Load(ctx, jobName)
	switch {
	case err == nil:
		state = *persisted
	case !errors.Is(err, contracts.ErrNotFound):
		return fmt.Errorf("load state for job %s: %w", jobName, err)
	}

	lockKey := jobName
	if k, ok := job.(LockKeyer); ok && k.LockKey() != "" {
		lockKey = k.LockKey()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check if job already exists
	if _, exists := s.jobs[jobName]; exists {
		return fmt.Errorf("job %s already exists", jobName)
	}

	e := &entry{job: job, lockKey: lockKey, state: state}
	if state.Enabled {
		if err := s.schedule(e); err != nil {
			return err
		}
	}
	s.jobs[jobName] = e

	s.logger.WithFields(map[string]interface{}{
		"job":      jobName,
		"schedule": job.Schedule(),
		"lock_key": lockKey,
		"enabled":  state.Enabled,
	}).Info("Job added to scheduler")

	return nil
}

// schedule must be called with s.mu held
func (s *Scheduler) schedule(e *entry) error {
	name := e.job.Name()
	id, err := s.cron.AddFunc(e.job.Schedule(), func() { s.fire(name) })
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	e.cronID = id
	return nil
}

// unschedule must be called with s.mu held
func (s *Scheduler) unschedule(e *entry) {
	if e.cronID != 0 {
		s.cron.Remove(e.cronID)
		e.cronID = 0
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler")
	s.cron.Start()
}

// Stop stops scheduling, cancels in-flight runs, and waits for them
// until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.Info("Stopping scheduler")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronCtx.Done()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		running := s.running()
		s.logger.WithField("running", running).Error("Scheduler stop timed out")
		return fmt.Errorf("scheduler stop: %d job(s) still running: %w", len(running), ctx.Err())
	}
}

func (s *Scheduler) running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name, e := range s.jobs {
		if e.running {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// fire is the cron callback; it runs on cron's goroutine
func (s *Scheduler) fire(name string) {
	e, err := s.acquire(name)
	if err != nil {
		if errors.Is(err, ErrJobRunning) {
			s.logger.WithError(err).WithField("job", name).Info("Scheduled run skipped")
		}
		return
	}
	s.execute(s.base, e, TriggerScheduled, s.newID())
}

// Trigger starts a run immediately in the background and returns its run id.
// It fails with ErrJobRunning instead of queueing behind a running run.
// Disabled jobs can still be triggered.
func (s *Scheduler) Trigger(name string) (string, error) {
	e, err := s.acquire(name)
	if err != nil {
		return "", err
	}

	runID := s.newID()
	go s.execute(s.base, e, TriggerManual, runID)
	return runID, nil
}

// RunNow runs a job on the caller's goroutine (CLI "run" command)
func (s *Scheduler) RunNow(ctx context.Context, name string) (JobResult, error) {
	e, err := s.acquire(name)
	if err != nil {
		return JobResult{}, err
	}
	return s.execute(ctx, e, TriggerManual, s.newID()), nil
}

// acquire takes the run guard shared by scheduled and manual runs
func (s *Scheduler) acquire(name string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", name, contracts.ErrNotFound)
	}
	if s.stopped {
		return nil, ErrStopped
	}
	if e.running {
		return nil, fmt.Errorf("job %s: %w", name, ErrJobRunning)
	}
	if holder, busy := s.held[e.lockKey]; busy {
		return nil, fmt.Errorf("job %s: lock %s held by %s: %w", name, e.lockKey, holder, ErrJobRunning)
	}

	e.running = true
	s.held[e.lockKey] = name
	s.wg.Add(1)
	return e, nil
}

func (s *Scheduler) release(e *entry) {
	s.mu.Lock()
	e.running = false
	delete(s.held, e.lockKey)
	s.mu.Unlock()
	s.wg.Done()
}

// execute runs one guarded run and records its outcome
func (s *Scheduler) execute(ctx context.Context, e *entry, trigger Trigger, runID string) JobResult {
	defer s.release(e)

	jobName := e.job.Name()
	log := s.logger.WithFields(map[string]interface{}{
		"job":     jobName,
		"run_id":  runID,
		"trigger": trigger,
	})

	ctx = WithRunID(ctx, runID)
	if t, ok := e.job.(TimeoutJob); ok && t.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout())
		defer cancel()
	}
	ctx, span := tracing.StartSpan(ctx, "job."+jobName,
		attribute.String("run_id", runID),
		attribute.String("trigger", string(trigger)),
	)

	startTime := s.now()
	log.Info("Job started")

	err := s.invoke(ctx, e.job, log)
	tracing.End(span, err)

	endTime := s.now()
	result := JobResult{
		JobName:   jobName,
		RunID:     runID,
		Trigger:   trigger,
		StartTime: startTime,
		EndTime:   endTime,
		Duration:  endTime.Sub(startTime),
		Success:   err == nil,
	}
	if err != nil {
		result.Error = err.Error()
	}

	s.finish(e, result, log)
	return result
}

// invoke turns a panic into a failed run
func (s *Scheduler) invoke(ctx context.Context, job Job, log *logger.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			log.WithField("stack", string(debug.Stack())).Error("Job panicked")
		}
	}()
	return job.Run(ctx)
}

func (s *Scheduler) finish(e *entry, result JobResult, log *logger.Logger) {
	s.mu.Lock()
	e.history.AddResult(result)

	escalate := false
	if result.Success {
		e.state.ConsecutiveFailures = 0
	} else {
		e.state.ConsecutiveFailures++
		if e.state.ConsecutiveFailures >= s.threshold && e.state.Enabled {
			s.unschedule(e)
			e.state.Enabled = false
			e.state.NeedsAttention = true
			escalate = true
		}
	}
	e.state.UpdatedAt = s.now()
	state := e.state
	s.mu.Unlock()

	s.persist(state)

	log = log.WithField("duration", result.Duration)
	if result.Success {
		log.Info("Job completed successfully")
		return
	}

	log.WithFields(map[string]interface{}{
		"error":                result.Error,
		"consecutive_failures": state.ConsecutiveFailures,
	}).Error("Job failed")

	if escalate {
		msg := fmt.Sprintf("job %s disabled after %d consecutive failures; last error: %s",
			result.JobName, state.ConsecutiveFailures, result.Error)
		log.Error("Job disabled, needs attention")
		s.alerter.Alert(context.Background(), "job disabled", msg)
	}
}

func (s *Scheduler) persist(state JobState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.states.Save(ctx, state); err != nil {
		s.logger.WithError(err).WithField("job", state.Name).Warn("Failed to persist job state")
	}
}

// Enable schedules a job again and clears its failure streak
func (s *Scheduler) Enable(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s: %w", name, contracts.ErrNotFound)
	}
	if e.cronID == 0 {
		if err := s.schedule(e); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	e.state.Enabled = true
	e.state.NeedsAttention = false
	e.state.ConsecutiveFailures = 0
	e.state.UpdatedAt = s.now()
	state := e.state
	s.mu.Unlock()

	s.logger.WithField("job", name).Info("Job enabled")
	return s.states.Save(ctx, state)
}

// Disable stops future scheduled runs. An in-flight run is not cancelled.
func (s *Scheduler) Disable(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s: %w", name, contracts.ErrNotFound)
	}
	s.unschedule(e)
	e.state.Enabled = false
	e.state.UpdatedAt = s.now()
	state := e.state
	s.mu.Unlock()

	s.logger.WithField("job", name).Info("Job disabled")
	return s.states.Save(ctx, state)
}

// JobStatus is the operator view of one job
type JobStatus struct {
	Name                string     `json:"name"`
	Schedule            string     `json:"schedule"`
	LockKey             string     `json:"lock_key"`
	Enabled             bool       `json:"enabled"`
	Running             bool       `json:"running"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NeedsAttention      bool       `json:"needs_attention"`
	TotalRuns           int        `json:"total_runs"`
	SuccessRate         float64    `json:"success_rate"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	NextRun             *time.Time `json:"next_run,omitempty"`
}

// Status returns the status of one job
func (s *Scheduler) Status(name string) (*JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", name, contracts.ErrNotFound)
	}
	st := s.status(e)
	return &st, nil
}

// Statuses returns every job's status ordered by name
func (s *Scheduler) Statuses() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, s.status(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) status(e *entry) JobStatus {
	st := JobStatus{
		Name:                e.job.Name(),
		Schedule:            e.job.Schedule(),
		LockKey:             e.lockKey,
		Enabled:             e.state.Enabled,
		Running:             e.running,
		ConsecutiveFailures: e.state.ConsecutiveFailures,
		NeedsAttention:      e.state.NeedsAttention,
		TotalRuns:           len(e.history.Results),
		SuccessRate:         e.history.GetSuccessRate(),
	}

	if r := e.history.last(func(JobResult) bool { return true }); r != nil {
		st.LastRun = &r.StartTime
	}
	if r := e.history.last(func(r JobResult) bool { return r.Success }); r != nil {
		st.LastSuccess = &r.StartTime
	}
	if r := e.history.last(func(r JobResult) bool { return !r.Success }); r != nil {
		st.LastFailure = &r.StartTime
		st.LastError = r.Error
	}
	if e.cronID != 0 {
		if next := s.cron.Entry(e.cronID).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	return st
}

// History returns the latest n results of a job
func (s *Scheduler) History(name string, n int) ([]JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", name, contracts.ErrNotFound)
	}
	return e.history.GetLatestResults(n), nil
}

// GetAllJobs returns all registered job names
func (s *Scheduler) GetAllJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]string, 0, len(s.jobs))
	for jobName := range s.jobs {
		jobs = append(jobs, jobName)
	}
	sort.Strings(jobs)
	return jobs
}
