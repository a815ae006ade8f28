package contracts

import (
	"sync"
	"time"
)

// ItemOutcome is the per-item result inside a run summary
type ItemOutcome string

const (
	OutcomeSucceeded ItemOutcome = "succeeded"
	OutcomeSkipped   ItemOutcome = "skipped"
	OutcomeFailed    ItemOutcome = "failed"
)

// RunItem records what happened to one symbol/position in a stage run
type RunItem struct {
	Key     string      `json:"key"`
	Outcome ItemOutcome `json:"outcome"`
	Reason  string      `json:"reason,omitempty"`
}

// RunSummary reports succeeded/skipped/failed counts per stage run.
// Safe for concurrent recording.
type RunSummary struct {
	Stage     string    `json:"stage"`
	RunID     string    `json:"run_id"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Succeeded int       `json:"succeeded"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Partial   bool      `json:"partial"`
	Items     []RunItem `json:"items"`

	mu sync.Mutex
}

// NewRunSummary starts a summary for stage
func NewRunSummary(stage, runID string, now time.Time) *RunSummary {
	return &RunSummary{Stage: stage, RunID: runID, Started: now}
}

func (s *RunSummary) record(key string, outcome ItemOutcome, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch outcome {
	case OutcomeSucceeded:
		s.Succeeded++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
	s.Items = append(s.Items, RunItem{Key: key, Outcome: outcome, Reason: reason})
}

func (s *RunSummary) Succeed(key string) { s.record(key, OutcomeSucceeded, "") }

func (s *RunSummary) Skip(key, reason string) { s.record(key, OutcomeSkipped, reason) }

func (s *RunSummary) Fail(key, reason string) { s.record(key, OutcomeFailed, reason) }

// Finish stamps the end time. A run where items were attempted and none
// succeeded is partial, not a hard failure.
func (s *RunSummary) Finish(now time.Time) *RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Finished = now
	s.Partial = s.Succeeded == 0 && (s.Skipped+s.Failed) > 0
	return s
}

// Fields returns the counters for structured logging
func (s *RunSummary) Fields() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"stage":     s.Stage,
		"run_id":    s.RunID,
		"succeeded": s.Succeeded,
		"skipped":   s.Skipped,
		"failed":    s.Failed,
		"partial":   s.Partial,
		"duration":  s.Finished.Sub(s.Started).String(),
	}
}
