package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedBlock struct {
	reason string
	asset  string
	dryRun bool
}

type testMetrics struct {
	mu     sync.Mutex
	blocks []recordedBlock
	scores []float64
	trips  map[string]int
}

func newTestMetrics() *testMetrics {
	return &testMetrics{trips: map[string]int{}}
}

func (m *testMetrics) ObserveBlock(reason, asset string, dryRun bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = append(m.blocks, recordedBlock{reason, asset, dryRun})
}

func (m *testMetrics) ObserveRiskScore(score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, score)
}

func (m *testMetrics) ObserveBreakerTrip(trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[trigger]++
}

func (m *testMetrics) emissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks) + len(m.scores)
}

func newTestEngine(t *testing.T, p RiskPolicy) (*Engine, *testMetrics) {
	t.Helper()
	m := newTestMetrics()
	e, err := NewEngine(Options{
		Policy:  &p,
		Metrics: m,
		Rand:    NewSeededRand(1),
		Clock:   func() time.Time { return t0 },
	})
	require.NoError(t, err)
	return e, m
}

func openPolicy() RiskPolicy {
	p := DefaultPolicy()
	p.MaxNotional = 1000
	p.MaxOpenPositions = 5
	p.MaxDailyLoss = -500
	p.CanaryPct = 100
	return p
}

func TestNewEngineRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	p.CanaryPct = 101
	_, err := NewEngine(Options{Policy: &p})
	assert.ErrorIs(t, err, ErrInvalidPolicyUpdate)
}

func TestEvaluateAllowsWithinPolicy(t *testing.T) {
	t.Parallel()

	e, m := newTestEngine(t, openPolicy())
	d := e.Evaluate(Order{Asset: "BTCUSDT", Notional: 100, Side: Buy})

	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, t0, d.Time)
	assert.InDelta(t, 4.0, d.RiskScore, 1e-9)
	assert.Equal(t, []float64{4.0}, m.scores)
}

func TestEvaluateMaxNotionalRegardlessOfState(t *testing.T) {
	t.Parallel()

	setups := map[string]func(t *testing.T, e *Engine){
		"clean": func(*testing.T, *Engine) {},
		"positions open": func(_ *testing.T, e *Engine) {
			e.RecordPositionChange(PositionDelta{Symbol: "ETHUSDT", Side: Long, Quantity: 1, Price: 10})
		},
		"losing day": func(_ *testing.T, e *Engine) { e.RecordLoss(-100) },
		"canary zero": func(t *testing.T, e *Engine) {
			_, err := e.UpdatePolicy(PolicyUpdate{CanaryPct: ptr(0.0)})
			require.NoError(t, err)
		},
	}

	for name, setup := range setups {
		setup := setup
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			e, _ := newTestEngine(t, openPolicy())
			setup(t, e)
			for _, n := range []float64{1000.01, 5000, 1e9} {
				d := e.Evaluate(Order{Asset: "BTCUSDT", Notional: n})
				assert.False(t, d.Allowed)
				assert.Equal(t, ReasonMaxNotional, d.Reason)
				assert.Equal(t, n, d.Details["requested"])
				assert.Equal(t, 1000.0, d.Details["limit"])
			}
		})
	}
}

func TestEvaluateCheckOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(e *Engine)
		order Order
		want  Reason
	}{
		{
			name: "breaker before kill switch",
			setup: func(e *Engine) {
				e.TripCircuitBreaker("ops")
				_, _ = e.UpdatePolicy(PolicyUpdate{KillSwitch: ptr(true)})
			},
			order: Order{Asset: "BTCUSDT", Notional: 1e9},
			want:  ReasonCircuitBreaker,
		},
		{
			name:  "kill switch before notional",
			setup: func(e *Engine) { _, _ = e.UpdatePolicy(PolicyUpdate{KillSwitch: ptr(true)}) },
			order: Order{Asset: "BTCUSDT", Notional: 1e9},
			want:  ReasonKillSwitch,
		},
		{
			name: "asset limit",
			setup: func(e *Engine) {
				_, _ = e.UpdatePolicy(PolicyUpdate{PerAsset: map[string]AssetLimit{"BTCUSDT": {MaxNotional: 50}}})
			},
			order: Order{Asset: "BTCUSDT", Notional: 60},
			want:  ReasonAssetMaxNotional,
		},
		{
			name: "daily loss at floor",
			setup: func(e *Engine) {
				e.RecordLoss(-500)
			},
			order: Order{Asset: "BTCUSDT", Notional: 10},
			want:  ReasonMaxDailyLoss,
		},
		{
			name: "canary",
			setup: func(e *Engine) {
				_, _ = e.UpdatePolicy(PolicyUpdate{CanaryPct: ptr(0.0)})
			},
			order: Order{Asset: "BTCUSDT", Notional: 10},
			want:  ReasonCanary,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, _ := newTestEngine(t, openPolicy())
			tt.setup(e)
			d := e.Evaluate(tt.order)
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.want, d.Reason)
		})
	}
}

func TestEvaluateOpenPositionsShortCircuits(t *testing.T) {
	t.Parallel()

	p := openPolicy()
	p.MaxNotional = 1000
	p.MaxOpenPositions = 1
	e, _ := newTestEngine(t, p)
	e.RecordPositionChange(PositionDelta{Symbol: "BTCUSDT", Side: Long, Quantity: 9, Price: 100})

	d := e.Evaluate(Order{Asset: "BTCUSDT", Notional: 50})

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMaxOpenPositions, d.Reason)
	assert.Equal(t, 1, d.Details["open"])
	assert.Equal(t, 1, d.Details["limit"])
}

func TestBreakerTripKeepsFirstReason(t *testing.T) {
	t.Parallel()

	e, m := newTestEngine(t, openPolicy())

	assert.True(t, e.TripCircuitBreaker("drawdown"))
	assert.False(t, e.TripCircuitBreaker("exchange_down"))

	st := e.CircuitBreakerStatus()
	assert.True(t, st.Tripped)
	assert.Equal(t, "drawdown", st.TriggerReason)
	require.NotNil(t, st.TripTime)
	assert.Equal(t, t0, *st.TripTime)
	assert.Equal(t, 1, m.trips["drawdown"])
	assert.Equal(t, 1, m.trips["exchange_down"])
}

func TestUntripRestoresAdmission(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, openPolicy())
	before := e.Policy()
	order := Order{Asset: "BTCUSDT", Notional: 100}

	e.TripCircuitBreaker("manual")
	d := e.Evaluate(order)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonCircuitBreaker, d.Reason)
	assert.Equal(t, "manual", d.Details["triggerReason"])

	assert.True(t, e.UntripCircuitBreaker())
	assert.False(t, e.UntripCircuitBreaker(), "untrip is a no-op when already untripped")

	st := e.CircuitBreakerStatus()
	assert.False(t, st.Tripped)
	assert.Nil(t, st.TripTime)
	assert.Empty(t, st.TriggerReason)

	assert.True(t, e.Evaluate(order).Allowed)
	assert.Equal(t, before, e.Policy())
}

func TestDryRunTagsOnlyFirstThreeChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(e *Engine)
		order   Order
		want    Reason
		wantDry bool
	}{
		{"breaker", func(e *Engine) { e.TripCircuitBreaker("x") }, Order{Asset: "A", Notional: 1}, ReasonCircuitBreaker, true},
		{"kill switch", func(e *Engine) { _, _ = e.UpdatePolicy(PolicyUpdate{KillSwitch: ptr(true)}) }, Order{Asset: "A", Notional: 1}, ReasonKillSwitch, true},
		{"max notional", func(*Engine) {}, Order{Asset: "A", Notional: 2000}, ReasonMaxNotional, true},
		{"asset", func(e *Engine) {
			_, _ = e.UpdatePolicy(PolicyUpdate{PerAsset: map[string]AssetLimit{"A": {MaxNotional: 1}}})
		}, Order{Asset: "A", Notional: 2}, ReasonAssetMaxNotional, false},
		{"open positions", func(e *Engine) { _, _ = e.UpdatePolicy(PolicyUpdate{MaxOpenPositions: ptr(0)}) }, Order{Asset: "A", Notional: 1}, ReasonMaxOpenPositions, false},
		{"daily loss", func(e *Engine) { e.RecordLoss(-1000) }, Order{Asset: "A", Notional: 1}, ReasonMaxDailyLoss, false},
		{"canary", func(e *Engine) { _, _ = e.UpdatePolicy(PolicyUpdate{CanaryPct: ptr(0.0)}) }, Order{Asset: "A", Notional: 1}, ReasonCanary, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, m := newTestEngine(t, openPolicy())
			e.SetDryRunMode(true)
			tt.setup(e)

			d := e.Evaluate(tt.order)
			assert.False(t, d.Allowed, "dry-run never admits")
			assert.Equal(t, tt.want, d.Reason)
			assert.Equal(t, tt.wantDry, d.DryRun())
			require.Len(t, m.blocks, 1)
			assert.Equal(t, recordedBlock{string(tt.want), "A", tt.wantDry}, m.blocks[0])
		})
	}
}

func TestCanaryRates(t *testing.T) {
	t.Parallel()

	count := func(pct float64) int {
		p := openPolicy()
		p.CanaryPct = pct
		e, _ := newTestEngine(t, p)
		blocked := 0
		for i := 0; i < 1000; i++ {
			d := e.Evaluate(Order{Asset: "BTCUSDT", Notional: 1})
			if !d.Allowed {
				require.Equal(t, ReasonCanary, d.Reason)
				blocked++
			}
		}
		return blocked
	}

	assert.Equal(t, 1000, count(0))
	assert.Equal(t, 0, count(100))
	half := count(50)
	assert.Greater(t, half, 400)
	assert.Less(t, half, 600)
}

func TestEvaluateEmitsExactlyOnce(t *testing.T) {
	t.Parallel()

	e, m := newTestEngine(t, openPolicy())
	e.Evaluate(Order{Asset: "A", Notional: 1})
	e.Evaluate(Order{Asset: "A", Notional: 1e6})
	e.SetDryRunMode(true)
	e.Evaluate(Order{Asset: "A", Notional: 1e6})
	assert.Equal(t, 3, m.emissions())
}

func TestEvaluateDoesNotMutateState(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, openPolicy())
	e.RecordPositionChange(PositionDelta{Symbol: "BTCUSDT", Side: Long, Quantity: 1, Price: 100})
	e.RecordLoss(-20)
	before := e.Snapshot()

	for i := 0; i < 10; i++ {
		e.Evaluate(Order{Asset: "BTCUSDT", Notional: 100, Side: Buy})
	}
	assert.Equal(t, before, e.Snapshot())
}

func TestRiskScoreFromEngineState(t *testing.T) {
	t.Parallel()

	p := openPolicy()
	p.MaxNotional = 1000
	p.MaxOpenPositions = 2
	p.MaxDailyLoss = -200
	e, m := newTestEngine(t, p)
	e.RecordPositionChange(PositionDelta{Symbol: "ETHUSDT", Side: Long, Quantity: 1, Price: 10})
	e.RecordLoss(-50)

	d := e.Evaluate(Order{Asset: "BTCUSDT", Notional: 500})
	require.True(t, d.Allowed)
	assert.InDelta(t, 42.5, d.RiskScore, 1e-9)
	require.Len(t, m.scores, 1)
	assert.InDelta(t, 42.5, m.scores[0], 1e-9)
}

func TestClosingFillsAccumulateDailyLoss(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, openPolicy())
	e.RecordPositionChange(PositionDelta{Symbol: "BTCUSDT", Side: Long, Quantity: 3, Price: 100})

	for _, px := range []float64{90, 95, 103} {
		res := e.ApplyFill(Fill{Symbol: "BTCUSDT", Side: Sell, Quantity: 1, Price: px})
		assert.InDelta(t, 1.0, res.Closed, 1e-9)
	}
	assert.InDelta(t, -12.0, e.DailyLoss(), 1e-9)
	assert.Empty(t, e.Positions())

	e.ResetDaily()
	assert.Zero(t, e.DailyLoss())
}

func TestOpeningFillsAndMarksDoNotTouchDailyLoss(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, openPolicy())
	e.ApplyFill(Fill{Symbol: "ETHUSDT", Side: Buy, Quantity: 2, Price: 100})
	e.MarkPrice("ETHUSDT", 50)

	assert.Zero(t, e.DailyLoss())
	ps := e.Positions()
	require.Len(t, ps, 1)
	assert.InDelta(t, -100.0, ps[0].UnrealizedPnl, 1e-9)
}

func TestAdmitReservesSlotUntilSettled(t *testing.T) {
	t.Parallel()

	p := openPolicy()
	p.MaxOpenPositions = 1
	e, _ := newTestEngine(t, p)

	d, tk := e.Admit(Order{Asset: "BTCUSDT", Notional: 100, Side: Buy})
	require.True(t, d.Allowed)
	require.NotNil(t, tk)
	assert.Equal(t, Key{Symbol: "BTCUSDT", Side: Long}, tk.Key)
	assert.Equal(t, d.ID, tk.DecisionID)

	// A second new key cannot be admitted while the first is outstanding.
	d2, tk2 := e.Admit(Order{Asset: "ETHUSDT", Notional: 100, Side: Buy})
	assert.False(t, d2.Allowed)
	assert.Equal(t, ReasonMaxOpenPositions, d2.Reason)
	assert.Nil(t, tk2)

	res, err := e.Commit(tk.ID, Fill{Symbol: "BTCUSDT", Side: Buy, Quantity: 1, Price: 100})
	require.NoError(t, err)
	require.NotNil(t, res.Position)
	assert.Equal(t, 1, e.Snapshot().OpenPositions)
	assert.Zero(t, e.Snapshot().Pending)

	_, err = e.Commit(tk.ID, Fill{Symbol: "BTCUSDT", Side: Buy, Quantity: 1, Price: 100})
	assert.ErrorIs(t, err, ErrUnknownTicket)
}

func TestReleaseFreesReservation(t *testing.T) {
	t.Parallel()

	p := openPolicy()
	p.MaxOpenPositions = 1
	e, _ := newTestEngine(t, p)

	_, tk := e.Admit(Order{Asset: "BTCUSDT", Notional: 100, Side: Sell})
	require.NotNil(t, tk)
	assert.Equal(t, Key{"BTCUSDT", Short}, tk.Key)

	require.NoError(t, e.Release(tk.ID))
	assert.ErrorIs(t, e.Release(tk.ID), ErrUnknownTicket)

	d := e.Evaluate(Order{Asset: "ETHUSDT", Notional: 100})
	assert.True(t, d.Allowed)
}

func TestCommitRejectsMismatchedFill(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, openPolicy())
	_, tk := e.Admit(Order{Asset: "BTCUSDT", Notional: 100, Side: Buy})
	require.NotNil(t, tk)

	_, err := e.Commit(tk.ID, Fill{Symbol: "ETHUSDT", Side: Buy, Quantity: 1, Price: 1})
	assert.Error(t, err)
	assert.Equal(t, 1, e.Snapshot().Pending, "a rejected commit keeps the ticket")
}

func TestCommitRejectsFillOnOtherSide(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, openPolicy())
	_, tk := e.Admit(Order{Asset: "BTCUSDT", Notional: 100})
	require.NotNil(t, tk)
	assert.Equal(t, Buy, tk.Order.Side)

	_, err := e.Commit(tk.ID, Fill{Symbol: "BTCUSDT", Side: Sell, Quantity: 1, Price: 100})
	assert.Error(t, err)
	assert.Equal(t, 1, e.Snapshot().Pending)
	assert.Empty(t, e.Positions())

	_, err = e.Commit(tk.ID, Fill{Symbol: "BTCUSDT", Side: Buy, Quantity: 1, Price: 100})
	require.NoError(t, err)
	assert.Zero(t, e.Snapshot().Pending)
}

func TestReducingTicketsStillHoldTheirSlot(t *testing.T) {
	t.Parallel()

	p := openPolicy()
	p.MaxOpenPositions = 3
	e, _ := newTestEngine(t, p)
	e.RecordPositionChange(PositionDelta{Symbol: "BTCUSDT", Side: Short, Quantity: 1, Price: 100})

	admit := func(asset string) *Ticket {
		t.Helper()
		d, tk := e.Admit(Order{Asset: asset, Notional: 100, Side: Buy})
		require.True(t, d.Allowed, "%s: %s", asset, d.Reason)
		return tk
	}
	commit := func(tk *Ticket) {
		t.Helper()
		_, err := e.Commit(tk.ID, Fill{Symbol: tk.Order.Asset, Side: Buy, Quantity: 1, Price: 100})
		require.NoError(t, err)
	}

	// Both BTC buys would cover the short, but either can open a long.
	btc1 := admit("BTCUSDT")
	assert.Equal(t, Key{Symbol: "BTCUSDT", Side: Long}, btc1.Key)
	btc2 := admit("BTCUSDT")
	eth := admit("ETHUSDT")
	assert.Equal(t, 3, e.Snapshot().OpenPositions)

	// Closing the short frees its slot; the pending long keeps counting.
	commit(btc1)
	assert.Equal(t, 2, e.Snapshot().OpenPositions)

	sol := admit("SOLUSDT")
	d, tk := e.Admit(Order{Asset: "XRPUSDT", Notional: 100, Side: Buy})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMaxOpenPositions, d.Reason)
	assert.Nil(t, tk)

	commit(sol)
	commit(btc2)
	commit(eth)

	snap := e.Snapshot()
	assert.Len(t, snap.Positions, 3)
	assert.Equal(t, 3, snap.OpenPositions)
	assert.LessOrEqual(t, snap.OpenPositions, p.MaxOpenPositions)
	assert.Zero(t, snap.Pending)
}

func TestAdmitAndApplyIsAtomic(t *testing.T) {
	t.Parallel()

	p := openPolicy()
	p.MaxOpenPositions = 3
	e, _ := newTestEngine(t, p)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	symbols := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	for _, s := range symbols {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := e.AdmitAndApply(
				Order{Asset: s, Notional: 10, Side: Buy},
				Fill{Symbol: s, Side: Buy, Quantity: 1, Price: 10},
			)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, allowed)
	assert.Len(t, e.Positions(), 3)
}

func TestUpdatePolicyInvalidKeepsSnapshot(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, openPolicy())
	before := e.Policy()

	_, err := e.UpdatePolicy(PolicyUpdate{MaxNotional: ptr(-1.0), CanaryPct: ptr(10.0)})
	assert.ErrorIs(t, err, ErrInvalidPolicyUpdate)
	assert.Equal(t, before, e.Policy())
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, openPolicy())
	e.RecordPositionChange(PositionDelta{Symbol: "BTCUSDT", Side: Long, Quantity: 2, Price: 100})
	e.RecordPositionChange(PositionDelta{Symbol: "BTCUSDT", Side: Short, Quantity: 1, Price: 100})
	e.SetDryRunMode(true)

	s := e.Snapshot()
	assert.Equal(t, 2, s.OpenPositions)
	assert.InDelta(t, 300.0, s.TotalExposure, 1e-9)
	assert.InDelta(t, 300.0, s.Exposure["BTCUSDT"], 1e-9)
	assert.True(t, s.Breaker.DryRunMode)
	assert.InDelta(t, 300.0, e.SymbolExposure("BTCUSDT"), 1e-9)
	assert.InDelta(t, 100.0, e.PositionSize("BTCUSDT", Sell), 1e-9)
	assert.InDelta(t, 300.0, e.TotalExposure(), 1e-9)
}
