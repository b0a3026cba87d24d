package risk

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// ratio returns num/den, or 0 when den is zero.
func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// Score weights.
const (
	notionalWeight = 40
	positionWeight = 30
	lossWeight     = 30
)

// ScoreInputs are the utilisation figures behind a risk score.
type ScoreInputs struct {
	Notional         float64
	MaxNotional      float64
	OpenPositions    int
	MaxOpenPositions int
	DailyLoss        float64
	MaxDailyLoss     float64
}

// RiskScore weights notional, position-count and daily-loss utilisation
// 40/30/30 and clamps the result to [0, 100]. A zero limit contributes 0.
// The loss term is clamped to [0, 1] on its own, so a profitable day adds
// nothing rather than offsetting the other terms.
func RiskScore(in ScoreInputs) float64 {
	s := ratio(in.Notional, in.MaxNotional)*notionalWeight +
		ratio(float64(in.OpenPositions), float64(in.MaxOpenPositions))*positionWeight +
		clamp(ratio(in.DailyLoss, in.MaxDailyLoss), 0, 1)*lossWeight
	return clamp(s, 0, 100)
}
