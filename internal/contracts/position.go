package contracts

import (
	"fmt"
	"time"
)

// PositionState is the lifecycle state of a tracked holding
type PositionState string

const (
	StateCandidate    PositionState = "CANDIDATE"
	StatePendingEntry PositionState = "PENDING_ENTRY"
	StateOpen         PositionState = "OPEN"
	StatePendingExit  PositionState = "PENDING_EXIT"
	StateClosed       PositionState = "CLOSED"
	StateEntryFailed  PositionState = "ENTRY_FAILED"
	StateExitFailed   PositionState = "EXIT_FAILED"
)

// ActiveStates hold capital and block a second entry for the same symbol
var ActiveStates = []PositionState{StateCandidate, StatePendingEntry, StateOpen, StatePendingExit, StateExitFailed}

var transitions = map[PositionState][]PositionState{
	StateCandidate:    {StatePendingEntry, StateEntryFailed},
	StatePendingEntry: {StateOpen, StateEntryFailed},
	StateOpen:         {StatePendingExit},
	StatePendingExit:  {StateClosed, StateExitFailed},
	StateExitFailed:   {StatePendingExit, StateClosed},
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to PositionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsActive reports whether s still holds capital or shares
func (s PositionState) IsActive() bool {
	for _, a := range ActiveStates {
		if s == a {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s PositionState) IsTerminal() bool {
	return s == StateClosed || s == StateEntryFailed
}

// ExitReason tags why an exit order was submitted
type ExitReason string

const (
	ExitStopLoss ExitReason = "stop_loss"
	ExitTarget   ExitReason = "target"
	ExitManual   ExitReason = "manual"
)

// Position tracks one holding from entry order to exit.
// The Execution Engine creates it, the monitor drives exits; both go
// through the engine's per-(account, symbol) lock.
// ⭐ SSOT: 포지션 상태 전이는 Transition()으로만
type Position struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Symbol       string    `json:"symbol"`
	Horizon      Horizon   `json:"horizon"`
	Direction    Direction `json:"direction"`
	AnalysisID   string    `json:"analysis_id"`
	ClientRef    string    `json:"client_ref"`
	EntryOrderID string    `json:"entry_order_id,omitempty"`
	ExitOrderID  string    `json:"exit_order_id,omitempty"`

	EntryPrice     int64 `json:"entry_price"`
	Quantity       int   `json:"quantity"`        // 주문 수량
	FilledQuantity int   `json:"filled_quantity"` // 체결 수량 (보유 수량)
	StopLoss       int64 `json:"stop_loss"`
	Target         int64 `json:"target"`
	Committed      int64 `json:"committed"` // ledger reservation (KRW)

	State             PositionState `json:"state"`
	ExitReason        ExitReason    `json:"exit_reason,omitempty"`
	ExitAttempts      int           `json:"exit_attempts"`
	NextExitAttemptAt *time.Time    `json:"next_exit_attempt_at,omitempty"`
	NeedsIntervention bool          `json:"needs_intervention"`
	DriftDetected     bool          `json:"drift_detected"`
	LastError         string        `json:"last_error,omitempty"`

	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Transition moves the position along the state machine and stamps times
func (p *Position) Transition(to PositionState, now time.Time) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("%w: %s -> %s (position %s)", ErrInvalidTransition, p.State, to, p.ID)
	}
	p.State = to
	p.UpdatedAt = now

	switch to {
	case StateOpen:
		t := now
		p.OpenedAt = &t
	case StateClosed, StateEntryFailed:
		t := now
		p.ClosedAt = &t
		p.NextExitAttemptAt = nil
	case StatePendingExit:
		p.NextExitAttemptAt = nil
	}
	return nil
}

// HeldQuantity is what an exit order must sell
func (p *Position) HeldQuantity() int {
	return p.FilledQuantity
}

// Clone returns a copy safe to hand out of a store
func (p *Position) Clone() *Position {
	c := *p
	if p.NextExitAttemptAt != nil {
		t := *p.NextExitAttemptAt
		c.NextExitAttemptAt = &t
	}
	if p.OpenedAt != nil {
		t := *p.OpenedAt
		c.OpenedAt = &t
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// PositionFilter narrows ListPositions; zero values match everything
type PositionFilter struct {
	AccountID         string
	Symbol            string
	States            []PositionState
	NeedsIntervention *bool
}

// Matches applies the filter to p
func (f PositionFilter) Matches(p *Position) bool {
	if f.AccountID != "" && p.AccountID != f.AccountID {
		return false
	}
	if f.Symbol != "" && p.Symbol != f.Symbol {
		return false
	}
	if f.NeedsIntervention != nil && p.NeedsIntervention != *f.NeedsIntervention {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if p.State == s {
			return true
		}
	}
	return false
}
