package contracts

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAccount() *Account {
	return &Account{
		ID:          "acc-1",
		Credentials: Credentials{AppKey: "k", AppSecret: "s", AccountNo: "50000000", ProductCode: "01"},
		Mode:        ModeSimulated,
		Capital:     10_000_000,
		Allocation:  Allocation{Short: 30, Mid: 40, Long: 30},
	}
}

func TestAllocationValidate(t *testing.T) {
	tests := []struct {
		name    string
		alloc   Allocation
		wantErr bool
	}{
		{"sums to 100", Allocation{30, 40, 30}, false},
		{"all in one class", Allocation{0, 0, 100}, false},
		{"sums to 90", Allocation{30, 30, 30}, true},
		{"sums to 110", Allocation{40, 40, 30}, true},
		{"negative", Allocation{-10, 60, 50}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.alloc.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsKind(err, KindConfiguration))
		})
	}
}

func TestAccountValidate(t *testing.T) {
	acc := validAccount()
	require.NoError(t, acc.Validate())

	acc.Allocation = Allocation{50, 50, 50}
	err := acc.Validate()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfiguration), "wrapped allocation error keeps its kind")

	acc = validAccount()
	acc.Credentials.AppSecret = ""
	assert.True(t, IsKind(acc.Validate(), KindConfiguration))

	acc = validAccount()
	acc.Mode = "PAPER"
	assert.Error(t, acc.Validate())

	acc = validAccount()
	acc.Capital = 0
	assert.Error(t, acc.Validate())
}

func TestAllocationPercent(t *testing.T) {
	a := Allocation{Short: 20, Mid: 30, Long: 50}
	for h, want := range map[Horizon]int{HorizonShort: 20, HorizonMid: 30, HorizonLong: 50} {
		got, err := a.Percent(h)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := a.Percent("WEEKLY")
	assert.Error(t, err)
}

func TestParseHorizon(t *testing.T) {
	h, err := ParseHorizon("mid")
	require.NoError(t, err)
	assert.Equal(t, HorizonMid, h)

	_, err = ParseHorizon("swing")
	assert.Error(t, err)
	assert.False(t, Horizon("swing").Valid())
}

func result(dir Direction, stop, entry, target int64) *AnalysisResult {
	return &AnalysisResult{
		Symbol: "005930", Horizon: HorizonShort, Direction: dir,
		EntryPrice: entry, StopLoss: stop, Target: target,
		Confidence: 0.7, AnalyzedAt: time.Now(),
	}
}

func TestAnalysisResultOrdering(t *testing.T) {
	tests := []struct {
		name    string
		r       *AnalysisResult
		wantErr bool
	}{
		{"long ordered", result(DirectionLong, 90, 100, 110), false},
		{"long stop above entry", result(DirectionLong, 105, 100, 110), true},
		{"long target below entry", result(DirectionLong, 90, 100, 95), true},
		{"short ordered", result(DirectionShort, 110, 100, 90), false},
		{"short with long ordering", result(DirectionShort, 90, 100, 110), true},
		{"zero price", result(DirectionLong, 0, 100, 110), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsKind(err, KindDataQuality))
			} else {
				assert.NoError(t, err)
			}
		})
	}

	bad := result(DirectionLong, 90, 100, 110)
	bad.Confidence = 1.5
	assert.Error(t, bad.Validate())
}

func TestPositionTransitions(t *testing.T) {
	now := time.Now()
	p := &Position{ID: "p1", State: StateCandidate}

	require.NoError(t, p.Transition(StatePendingEntry, now))
	require.NoError(t, p.Transition(StateOpen, now))
	require.NotNil(t, p.OpenedAt)

	err := p.Transition(StateClosed, now)
	require.ErrorIs(t, err, ErrInvalidTransition, "OPEN cannot close without an exit order")

	require.NoError(t, p.Transition(StatePendingExit, now))
	require.NoError(t, p.Transition(StateExitFailed, now))
	require.NoError(t, p.Transition(StatePendingExit, now), "EXIT_FAILED is retried")
	require.NoError(t, p.Transition(StateClosed, now))
	require.NotNil(t, p.ClosedAt)
	assert.True(t, p.State.IsTerminal())

	assert.ErrorIs(t, p.Transition(StateOpen, now), ErrInvalidTransition)
}

func TestActiveStates(t *testing.T) {
	assert.True(t, StateOpen.IsActive())
	assert.True(t, StatePendingEntry.IsActive())
	assert.True(t, StateExitFailed.IsActive())
	assert.False(t, StateClosed.IsActive())
	assert.False(t, StateEntryFailed.IsActive())
}

func TestPositionFilter(t *testing.T) {
	yes := true
	p := &Position{AccountID: "a", Symbol: "005930", State: StateOpen, NeedsIntervention: true}

	assert.True(t, PositionFilter{}.Matches(p))
	assert.True(t, PositionFilter{AccountID: "a", States: []PositionState{StateOpen}}.Matches(p))
	assert.False(t, PositionFilter{States: []PositionState{StateClosed}}.Matches(p))
	assert.True(t, PositionFilter{NeedsIntervention: &yes}.Matches(p))
	assert.False(t, PositionFilter{Symbol: "000660"}.Matches(p))
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("i/o timeout")
	err := fmt.Errorf("quote 005930: %w", TransientAPI("kis.quote", base))

	assert.Equal(t, KindTransientAPI, KindOf(err))
	assert.ErrorIs(t, err, base)

	var de *Error
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Retryable())

	dup := DuplicateEntry("acc-1", "005930")
	assert.True(t, IsKind(dup, KindDuplicateEntry))
	assert.False(t, dup.(*Error).Retryable())
	assert.Contains(t, dup.Error(), "symbol=005930")

	assert.Equal(t, Kind(""), KindOf(base))
	assert.False(t, IsKind(nil, KindDataQuality))
}

func TestRunSummaryConcurrent(t *testing.T) {
	s := NewRunSummary("screening", "run-1", time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i < 3 {
				s.Skip(fmt.Sprintf("sym-%d", i), "missing data")
				return
			}
			s.Succeed(fmt.Sprintf("sym-%d", i))
		}(i)
	}
	wg.Wait()
	s.Finish(time.Now())

	assert.Equal(t, 7, s.Succeeded)
	assert.Equal(t, 3, s.Skipped)
	assert.False(t, s.Partial)
	assert.Len(t, s.Items, 10)
}

func TestRunSummaryPartial(t *testing.T) {
	s := NewRunSummary("analysis", "run-2", time.Now())
	s.Fail("005930", "scorer timeout")
	s.Finish(time.Now())

	assert.True(t, s.Partial)
	assert.Equal(t, 1, s.Fields()["failed"])
}

func TestDirectionSides(t *testing.T) {
	assert.Equal(t, OrderSideBuy, DirectionLong.EntrySide())
	assert.Equal(t, OrderSideSell, DirectionLong.ExitSide())
	assert.Equal(t, OrderSideSell, DirectionShort.EntrySide())
	assert.Equal(t, OrderSideBuy, DirectionShort.ExitSide())
}
