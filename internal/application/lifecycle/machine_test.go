package lifecycle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/arbengine/internal/application/capital"
	"github.com/alejandrodnm/arbengine/internal/application/lifecycle"
	"github.com/alejandrodnm/arbengine/internal/domain"
)

func newMachine(t *testing.T, balance float64, auditInterval int) (*lifecycle.StateMachine, *capital.Manager) {
	t.Helper()
	ledger := capital.New(capital.Config{}, []string{"binance"}, nil, nil)
	require.NoError(t, ledger.UpdateBalance("binance", balance))
	sm := lifecycle.NewStateMachine(lifecycle.MachineConfig{
		Exchange:      "binance",
		MinNetProfit:  0.5,
		AuditInterval: auditInterval,
		Tuning:        testTuning(),
	}, ledger)
	return sm, ledger
}

func path(ts []domain.StateTransition) []domain.TradingState {
	out := make([]domain.TradingState, 0, len(ts)+1)
	for i, t := range ts {
		if i == 0 {
			out = append(out, t.From)
		}
		out = append(out, t.To)
	}
	return out
}

func runCycle(t *testing.T, sm *lifecycle.StateMachine, net float64) domain.TradeCycleResult {
	t.Helper()
	now := time.Now()
	require.NoError(t, sm.StartQualification(testOpportunity(now), now))
	_, err := sm.EnterPosition(100, 250, now)
	require.NoError(t, err)
	result, err := sm.ExitPosition(100.6, domain.ExitTakeProfit, net, now.Add(time.Second))
	require.NoError(t, err)
	_, err = sm.AdjustSpeed()
	require.NoError(t, err)
	_, err = sm.RunAIAnalysis(context.Background(), nil)
	require.NoError(t, err)
	return result
}

func TestStateMachine_FullCycle(t *testing.T) {
	sm, ledger := newMachine(t, 1000, 20)

	result := runCycle(t, sm, 0.75)
	assert.False(t, sm.ShouldAudit())
	sm.ReturnToIdle("cycle complete")

	assert.Equal(t, domain.StateIdle, sm.State())
	assert.Equal(t, 1, sm.CompletedTrades())
	assert.True(t, result.Success)
	assert.Equal(t, domain.ExitTakeProfit, result.ExitReason)
	assert.InDelta(t, 0.75, result.NetProfit, 1e-9)

	last, ok := sm.LastResult()
	require.True(t, ok)
	assert.Equal(t, result.ID, last.ID)

	assert.Equal(t, []domain.TradingState{
		domain.StateIdle, domain.StateQualified, domain.StateEntered, domain.StateExit,
		domain.StateSpeedAdjust, domain.StateAIAnalysis, domain.StateIdle,
	}, path(sm.Transitions()))
	for _, tr := range sm.Transitions() {
		assert.False(t, tr.Forced)
	}

	status := ledger.GetCapitalStatus()
	assert.Zero(t, status.Deployed)
	assert.InDelta(t, 1000.75, status.Total, 1e-9)
}

func TestStateMachine_SubThresholdProfitIsNotSuccess(t *testing.T) {
	sm, _ := newMachine(t, 1000, 20)
	result := runCycle(t, sm, 0.3)
	assert.False(t, result.Success)
	assert.InDelta(t, 0.5, result.MinNetProfit, 1e-9)
}

func TestStateMachine_CapitalInsufficientAborts(t *testing.T) {
	sm, ledger := newMachine(t, 100, 20)
	now := time.Now()

	require.NoError(t, sm.StartQualification(testOpportunity(now), now))
	_, err := sm.EnterPosition(100, 250, now)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientCapital))
	assert.Equal(t, domain.StateIdle, sm.State())
	assert.Zero(t, ledger.GetCapitalStatus().Deployed)
	assert.Empty(t, ledger.GetPositions("binance", ""))
	_, ok := sm.Opportunity()
	assert.False(t, ok)
	assert.Equal(t, []domain.TradingState{domain.StateIdle, domain.StateQualified, domain.StateIdle}, path(sm.Transitions()))
}

func TestStateMachine_ExpiredOpportunityRefused(t *testing.T) {
	sm, _ := newMachine(t, 1000, 20)
	now := time.Now()
	opp := testOpportunity(now.Add(-time.Minute))

	err := sm.StartQualification(opp, now)
	assert.ErrorIs(t, err, domain.ErrOpportunityExpired)
	assert.Equal(t, domain.StateIdle, sm.State())
	assert.Empty(t, sm.Transitions())
}

func TestStateMachine_IllegalTransitionsLeaveStateUnchanged(t *testing.T) {
	sm, _ := newMachine(t, 1000, 20)

	assert.ErrorIs(t, sm.Transition(domain.StateEntered, "skip", nil), domain.ErrIllegalTransition)
	assert.ErrorIs(t, sm.Transition(domain.StateIdle, "loop", nil), domain.ErrIllegalTransition)
	_, err := sm.ExitPosition(100, domain.ExitTakeProfit, 1, time.Now())
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	_, err = sm.EnterPosition(100, 250, time.Now())
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	_, err = sm.GenerateAudit()
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	assert.Equal(t, domain.StateIdle, sm.State())
	assert.Empty(t, sm.Transitions())

	now := time.Now()
	require.NoError(t, sm.StartQualification(testOpportunity(now), now))
	assert.ErrorIs(t, sm.StartQualification(testOpportunity(now), now), domain.ErrIllegalTransition)
	assert.Equal(t, domain.StateQualified, sm.State())
}

func TestStateMachine_ReturnToIdleForcesFromEntered(t *testing.T) {
	sm, _ := newMachine(t, 1000, 20)
	now := time.Now()
	require.NoError(t, sm.StartQualification(testOpportunity(now), now))
	_, err := sm.EnterPosition(100, 250, now)
	require.NoError(t, err)

	sm.ReturnToIdle("operator reset")

	assert.Equal(t, domain.StateIdle, sm.State())
	log := sm.Transitions()
	last := log[len(log)-1]
	assert.True(t, last.Forced)
	assert.Equal(t, domain.StateEntered, last.From)
}

func TestStateMachine_AuditCadence(t *testing.T) {
	sm, _ := newMachine(t, 1000, 2)

	runCycle(t, sm, 0.75)
	assert.False(t, sm.ShouldAudit())
	sm.ReturnToIdle("cycle complete")

	runCycle(t, sm, -0.4)
	require.True(t, sm.ShouldAudit())

	report, err := sm.GenerateAudit()
	require.NoError(t, err)
	assert.Equal(t, 2, report.CompletedTrades)
	assert.Equal(t, 2, report.WindowTrades)
	assert.Equal(t, 1, report.Wins)
	assert.Equal(t, 1, report.Losses)
	assert.InDelta(t, 0.5, report.WinRate, 1e-9)
	assert.InDelta(t, 0.35, report.NetProfit, 1e-9)

	dash, err := sm.GenerateDashboard()
	require.NoError(t, err)
	assert.Equal(t, domain.StateDashboard, dash.State)
	require.NotNil(t, dash.Audit)
	assert.Equal(t, 2, dash.CompletedTrades)

	sm.ReturnToIdle("cycle complete")
	assert.Equal(t, domain.StateIdle, sm.State())
	for _, tr := range sm.Transitions() {
		assert.False(t, tr.Forced)
	}

	runCycle(t, sm, 0.75)
	assert.False(t, sm.ShouldAudit())
}

func TestStateMachine_ProfitLockGuard(t *testing.T) {
	sm, _ := newMachine(t, 1000, 20)
	now := time.Now()
	require.NoError(t, sm.StartQualification(testOpportunity(now), now))
	_, err := sm.EnterPosition(100, 250, now)
	require.NoError(t, err)

	// 0.2% of 250 is $0.50, short of $0.75 fees plus slippage
	err = sm.ActivateProfitLock(100.2, 100.05)
	assert.ErrorIs(t, err, lifecycle.ErrLockNotWarranted)
	assert.Equal(t, domain.StateEntered, sm.State())

	require.NoError(t, sm.ActivateProfitLock(100.4, 100.25))
	assert.Equal(t, domain.StateProfitLock, sm.State())

	stop := sm.UpdateTrailingStop(100.6)
	assert.InDelta(t, 100.6*(1-0.0015), stop, 1e-9)
	assert.InDelta(t, stop, sm.UpdateTrailingStop(100.5), 1e-9)

	result, err := sm.ExitPosition(100.45, domain.ExitTrailingStop, 0.6, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, result.ProfitLocked)
	assert.Equal(t, time.Minute, result.HoldDuration())
}

func TestStateMachine_AdjustSpeed(t *testing.T) {
	sm, _ := newMachine(t, 1000, 20)
	now := time.Now()

	require.NoError(t, sm.StartQualification(testOpportunity(now), now))
	_, err := sm.EnterPosition(100, 250, now)
	require.NoError(t, err)
	_, err = sm.ExitPosition(100.6, domain.ExitTakeProfit, 0.9, now)
	require.NoError(t, err)
	d, err := sm.AdjustSpeed()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, d)

	_, err = sm.RunAIAnalysis(context.Background(), nil)
	require.NoError(t, err)
	sm.ReturnToIdle("done")

	require.NoError(t, sm.StartQualification(testOpportunity(now), now))
	_, err = sm.EnterPosition(100, 250, now)
	require.NoError(t, err)
	_, err = sm.ExitPosition(100.2, domain.ExitTimeout, 0.1, now)
	require.NoError(t, err)
	d, err = sm.AdjustSpeed()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
	assert.Equal(t, 2*time.Second, sm.Cooldown())
}

func TestStateMachine_RunAIAnalysis(t *testing.T) {
	minScore := 55.0
	tests := []struct {
		name     string
		advisor  advisorFunc
		source   string
		wantErr  bool
		minScore float64
	}{
		{
			name: "advisor nudge applied",
			advisor: func(context.Context, domain.TradeAnalysisSummary) (domain.ParameterNudge, error) {
				return domain.ParameterNudge{MinScore: &minScore}, nil
			},
			source:   "advisor",
			minScore: 55,
		},
		{
			name: "advisor error falls back",
			advisor: func(context.Context, domain.TradeAnalysisSummary) (domain.ParameterNudge, error) {
				return domain.ParameterNudge{}, domain.ErrAdvisorUnavailable
			},
			source:   "rules",
			wantErr:  true,
			minScore: 40,
		},
		{
			name: "slow advisor times out",
			advisor: func(ctx context.Context, _ domain.TradeAnalysisSummary) (domain.ParameterNudge, error) {
				<-ctx.Done()
				return domain.ParameterNudge{}, ctx.Err()
			},
			source:   "rules",
			wantErr:  true,
			minScore: 40,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := capital.New(capital.Config{}, []string{"binance"}, nil, nil)
			require.NoError(t, ledger.UpdateBalance("binance", 1000))
			sm := lifecycle.NewStateMachine(lifecycle.MachineConfig{
				Exchange:       "binance",
				MinNetProfit:   0.5,
				AdvisorTimeout: 20 * time.Millisecond,
				Tuning:         testTuning(),
			}, ledger)

			now := time.Now()
			require.NoError(t, sm.StartQualification(testOpportunity(now), now))
			_, err := sm.EnterPosition(100, 250, now)
			require.NoError(t, err)
			_, err = sm.ExitPosition(100.6, domain.ExitTakeProfit, 0.9, now)
			require.NoError(t, err)
			_, err = sm.AdjustSpeed()
			require.NoError(t, err)

			start := time.Now()
			outcome, err := sm.RunAIAnalysis(context.Background(), tt.advisor)
			require.NoError(t, err)
			assert.Less(t, time.Since(start), time.Second)
			assert.Equal(t, tt.source, outcome.Source)
			assert.Equal(t, tt.wantErr, outcome.Err != nil)
			assert.InDelta(t, tt.minScore, sm.Tuning().MinScore, 1e-9)
			assert.Equal(t, domain.StateAIAnalysis, sm.State())
		})
	}
}

func TestStateMachine_TakePendingDrains(t *testing.T) {
	sm, _ := newMachine(t, 1000, 20)
	now := time.Now()
	require.NoError(t, sm.StartQualification(testOpportunity(now), now))

	pending := sm.TakePending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.StateQualified, pending[0].To)
	assert.Equal(t, "binance", pending[0].Lane)
	assert.Empty(t, sm.TakePending())
	assert.Len(t, sm.Transitions(), 1)
}
