package risk

import "time"

// Order is a candidate order. It is never stored.
type Order struct {
	Asset    string    `json:"asset"`
	Notional float64   `json:"notional"`
	Side     OrderSide `json:"side,omitempty"`
	Live     bool      `json:"live,omitempty"`
}

// Reason names the check that blocked an order.
type Reason string

const (
	ReasonCircuitBreaker   Reason = "circuit_breaker_tripped"
	ReasonKillSwitch       Reason = "kill_switch"
	ReasonMaxNotional      Reason = "max_notional"
	ReasonAssetMaxNotional Reason = "asset_max_notional"
	ReasonMaxOpenPositions Reason = "max_open_positions"
	ReasonMaxDailyLoss     Reason = "max_daily_loss"
	ReasonCanary           Reason = "canary_mode"
)

// dryRunTagged reports whether dry-run mode shadows this reason. Only the
// first three checks are; the rest always hard-block.
func (r Reason) dryRunTagged() bool {
	switch r {
	case ReasonCircuitBreaker, ReasonKillSwitch, ReasonMaxNotional:
		return true
	}
	return false
}

// Decision is the outcome of one admission check. A blocked decision is data,
// not an error. Dry-run tagged decisions are still blocked.
type Decision struct {
	ID        string         `json:"id"`
	Time      time.Time      `json:"time"`
	Order     Order          `json:"order"`
	Allowed   bool           `json:"allowed"`
	Reason    Reason         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RiskScore float64        `json:"riskScore,omitempty"`
}

// DryRun reports whether the block was tagged by dry-run mode.
func (d Decision) DryRun() bool {
	v, _ := d.Details["dryRun"].(bool)
	return v
}

func (d *Decision) block(r Reason, details map[string]any) {
	d.Allowed = false
	d.Reason = r
	d.Details = details
}

// evalState is everything the checks read besides the policy.
type evalState struct {
	breaker       BreakerStatus
	openPositions int
	dailyLoss     float64
}

// evaluate runs the fixed check order and stops at the first failure. The
// canary draw is only taken when every hard check has passed.
func evaluate(p *RiskPolicy, st evalState, o Order, canary *CanarySampler) Decision {
	d := Decision{Order: o, Allowed: true}

	switch {
	case st.breaker.Tripped:
		details := map[string]any{"triggerReason": st.breaker.TriggerReason}
		if st.breaker.TripTime != nil {
			details["trippedAt"] = *st.breaker.TripTime
		}
		d.block(ReasonCircuitBreaker, details)

	case p.KillSwitch:
		d.block(ReasonKillSwitch, map[string]any{})

	case o.Notional > p.MaxNotional:
		d.block(ReasonMaxNotional, map[string]any{
			"requested": o.Notional,
			"limit":     p.MaxNotional,
		})

	case exceedsAsset(p, o):
		l, _ := p.AssetLimitFor(o.Asset)
		d.block(ReasonAssetMaxNotional, map[string]any{
			"asset":     o.Asset,
			"requested": o.Notional,
			"limit":     l.MaxNotional,
		})

	case st.openPositions >= p.MaxOpenPositions:
		d.block(ReasonMaxOpenPositions, map[string]any{
			"open":  st.openPositions,
			"limit": p.MaxOpenPositions,
		})

	case st.dailyLoss <= p.MaxDailyLoss:
		d.block(ReasonMaxDailyLoss, map[string]any{
			"dailyLoss": st.dailyLoss,
			"limit":     p.MaxDailyLoss,
		})
	}
	if !d.Allowed {
		if st.breaker.DryRunMode && d.Reason.dryRunTagged() {
			d.Details["dryRun"] = true
		}
		return d
	}

	if draw, ok := canary.Sample(p.CanaryPct); !ok {
		d.block(ReasonCanary, map[string]any{
			"draw":      draw,
			"canaryPct": p.CanaryPct,
		})
		return d
	}

	d.RiskScore = RiskScore(ScoreInputs{
		Notional:         o.Notional,
		MaxNotional:      p.MaxNotional,
		OpenPositions:    st.openPositions,
		MaxOpenPositions: p.MaxOpenPositions,
		DailyLoss:        st.dailyLoss,
		MaxDailyLoss:     p.MaxDailyLoss,
	})
	return d
}

func exceedsAsset(p *RiskPolicy, o Order) bool {
	l, ok := p.AssetLimitFor(o.Asset)
	return ok && o.Notional > l.MaxNotional
}
