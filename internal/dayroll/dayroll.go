// Package dayroll resets the engine's daily loss at local midnight.
package dayroll

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Resetter is implemented by *risk.Engine.
type Resetter interface {
	ResetDaily()
}

// TodayOpen returns local midnight of now's day in loc.
func TodayOpen(loc *time.Location, now time.Time) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// NextOpen returns the first local midnight strictly after now. It steps by
// calendar day so 23h and 25h days around DST changes come out right.
func NextOpen(loc *time.Location, now time.Time) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// SameDay reports whether a and b fall on the same local day in loc.
func SameDay(loc *time.Location, a, b time.Time) bool {
	return TodayOpen(loc, a).Equal(TodayOpen(loc, b))
}

// Roller calls ResetDaily on its target at every local midnight.
type Roller struct {
	loc    *time.Location
	target Resetter
	log    *zap.Logger
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time
}

func New(loc *time.Location, target Resetter, log *zap.Logger) *Roller {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Roller{
		loc:    loc,
		target: target,
		log:    log,
		now:    time.Now,
		after:  time.After,
	}
}

// Run blocks until ctx is done.
func (r *Roller) Run(ctx context.Context) error {
	for {
		next := NextOpen(r.loc, r.now())
		wait := next.Sub(r.now())
		r.log.Debug("next daily reset", zap.Time("at", next), zap.Duration("in", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.after(wait):
			r.target.ResetDaily()
			r.log.Info("daily reset", zap.Time("day_open", next), zap.String("tz", r.loc.String()))
		}
	}
}
