package risk

import "time"

// LossAccumulator holds the day's cumulative signed realized PnL. The name
// follows the "daily loss" limit it is checked against: a negative value is a
// loss, a positive value a gain. Only realized PnL from closing fills should
// be recorded. There is no internal timer; callers reset at day boundaries.
type LossAccumulator struct {
	dailyLoss float64
	dayStart  time.Time
}

// NewLossAccumulator starts a day at dayStart.
func NewLossAccumulator(dayStart time.Time) *LossAccumulator {
	return &LossAccumulator{dayStart: dayStart}
}

// RecordLoss adds signed realized PnL.
func (a *LossAccumulator) RecordLoss(amount float64) float64 {
	a.dailyLoss += amount
	return a.dailyLoss
}

// ResetDaily zeroes the accumulator and marks a new day boundary.
func (a *LossAccumulator) ResetDaily(at time.Time) {
	a.dailyLoss = 0
	a.dayStart = at
}

// DailyLoss returns the cumulative realized PnL since the last reset.
func (a *LossAccumulator) DailyLoss() float64 { return a.dailyLoss }

// DayStart returns the last day-boundary marker.
func (a *LossAccumulator) DayStart() time.Time { return a.dayStart }
