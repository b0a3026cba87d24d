// Package risk is the admission control core: it gates candidate orders
// against the live policy, keeps position and daily PnL state, and owns the
// circuit breaker. All state lives in an Engine; there are no package globals.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/guardrail/pkg/id"
)

// ErrUnknownTicket is returned when a ticket was never issued or is already
// settled.
var ErrUnknownTicket = errors.New("unknown ticket")

// MetricsSink receives engine observations. Implementations must not block.
type MetricsSink interface {
	ObserveBlock(reason, asset string, dryRun bool)
	ObserveRiskScore(score float64)
	ObserveBreakerTrip(trigger string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveBlock(string, string, bool) {}
func (NopMetrics) ObserveRiskScore(float64)          {}
func (NopMetrics) ObserveBreakerTrip(string)         {}

// Options configure an Engine. Zero values get defaults.
type Options struct {
	Policy  *RiskPolicy
	Metrics MetricsSink
	Rand    Rand
	Logger  *zap.Logger
	Clock   func() time.Time
	IDs     *id.Generator
	DryRun  bool
}

// Ticket is an admitted order waiting for its fill. While outstanding it
// reserves Key, the position its fill may open, so the key keeps counting
// toward the open-position limit even if it is closed in the meantime.
type Ticket struct {
	ID         string    `json:"id"`
	DecisionID string    `json:"decisionId"`
	Order      Order     `json:"order"`
	Key        Key       `json:"key"`
	IssuedAt   time.Time `json:"issuedAt"`
}

// PositionDelta is a direct position adjustment from the ops surface.
type PositionDelta struct {
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

// Snapshot is a consistent read of the whole engine. Pending is the number of
// slot reservations held by outstanding tickets.
type Snapshot struct {
	Policy        RiskPolicy         `json:"policy"`
	Positions     []Position         `json:"positions"`
	Exposure      map[string]float64 `json:"exposure"`
	TotalExposure float64            `json:"totalExposure"`
	OpenPositions int                `json:"openPositions"`
	Pending       int                `json:"pending"`
	DailyLoss     float64            `json:"dailyLoss"`
	DayStart      time.Time          `json:"dayStart"`
	Breaker       BreakerStatus      `json:"breaker"`
}

// Engine owns policy, ledger, daily PnL, breaker and canary state behind one
// mutex. Every decision, and every decide-then-commit pair, runs inside a
// single critical section. Metrics and logging happen after unlock.
type Engine struct {
	mu      sync.Mutex
	policy  *PolicyStore
	ledger  *Ledger
	loss    *LossAccumulator
	breaker *CircuitBreaker
	canary  *CanarySampler
	pending map[Key]int
	tickets map[string]*Ticket

	metrics MetricsSink
	log     *zap.Logger
	now     func() time.Time
	ids     *id.Generator
}

// NewEngine builds an engine from opts. It fails only if the initial policy
// is invalid.
func NewEngine(opts Options) (*Engine, error) {
	p := DefaultPolicy()
	if opts.Policy != nil {
		p = *opts.Policy
	}
	store, err := NewPolicyStore(p)
	if err != nil {
		return nil, fmt.Errorf("initial policy: %w", err)
	}

	e := &Engine{
		policy:  store,
		ledger:  NewLedger(),
		canary:  NewCanarySampler(opts.Rand),
		pending: make(map[Key]int),
		tickets: make(map[string]*Ticket),
		metrics: opts.Metrics,
		log:     opts.Logger,
		now:     opts.Clock,
		ids:     opts.IDs,
	}
	if e.metrics == nil {
		e.metrics = NopMetrics{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.ids == nil {
		e.ids = id.NewGenerator(0, e.now)
	}
	e.loss = NewLossAccumulator(e.now())
	e.breaker = NewCircuitBreaker(e.metrics.ObserveBreakerTrip)
	e.breaker.SetDryRun(opts.DryRun)
	return e, nil
}

// Evaluate decides whether o may be sent. Apart from one canary draw it
// mutates nothing.
func (e *Engine) Evaluate(o Order) Decision {
	e.mu.Lock()
	d := e.decideLocked(o)
	e.mu.Unlock()

	e.observe(d)
	return d
}

// Admit evaluates o and, when allowed, issues a Ticket that must later be
// settled with Commit or Release.
func (e *Engine) Admit(o Order) (Decision, *Ticket) {
	e.mu.Lock()
	d := e.decideLocked(o)
	var t *Ticket
	if d.Allowed {
		t = e.issueLocked(d)
	}
	e.mu.Unlock()

	e.observe(d)
	return d, t
}

// Commit books the fill for an admitted order and frees its reservation.
func (e *Engine) Commit(ticketID string, f Fill) (FillResult, error) {
	e.mu.Lock()
	t, ok := e.tickets[ticketID]
	if !ok {
		e.mu.Unlock()
		return FillResult{}, fmt.Errorf("commit %s: %w", ticketID, ErrUnknownTicket)
	}
	if f.Symbol != t.Order.Asset {
		e.mu.Unlock()
		return FillResult{}, fmt.Errorf("commit %s: fill symbol %q does not match order asset %q",
			ticketID, f.Symbol, t.Order.Asset)
	}
	if f.Side != t.Order.Side {
		e.mu.Unlock()
		return FillResult{}, fmt.Errorf("commit %s: fill side %q does not match order side %q",
			ticketID, f.Side, t.Order.Side)
	}
	e.settleLocked(t)
	res := e.applyFillLocked(&f)
	e.mu.Unlock()

	e.logFill(f, res)
	return res, nil
}

// Release drops an admitted order that was never filled.
func (e *Engine) Release(ticketID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tickets[ticketID]
	if !ok {
		return fmt.Errorf("release %s: %w", ticketID, ErrUnknownTicket)
	}
	e.settleLocked(t)
	return nil
}

// Ticket returns an outstanding ticket by ID.
func (e *Engine) Ticket(ticketID string) (Ticket, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tickets[ticketID]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

// AdmitAndApply decides o and, if allowed, books f in the same critical
// section. Use it when the fill is known synchronously.
func (e *Engine) AdmitAndApply(o Order, f Fill) (Decision, *FillResult) {
	e.mu.Lock()
	d := e.decideLocked(o)
	var res *FillResult
	if d.Allowed {
		r := e.applyFillLocked(&f)
		res = &r
	}
	e.mu.Unlock()

	e.observe(d)
	if res != nil {
		e.logFill(f, *res)
	}
	return d, res
}

// ApplyFill books an exchange fill. Realized PnL from the closing part of the
// fill is added to the daily loss accumulator.
func (e *Engine) ApplyFill(f Fill) FillResult {
	e.mu.Lock()
	res := e.applyFillLocked(&f)
	e.mu.Unlock()

	e.logFill(f, res)
	return res
}

// RecordPositionChange upserts a position directly. It does not realize PnL.
func (e *Engine) RecordPositionChange(d PositionDelta) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Upsert(d.Symbol, d.Side, d.Quantity, d.Price, e.now())
}

// MarkPrice revalues open positions on symbol.
func (e *Engine) MarkPrice(symbol string, price float64) []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.MarkPrice(symbol, price, e.now())
}

// RecordLoss adds signed realized PnL to the day's total and returns it.
func (e *Engine) RecordLoss(amount float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loss.RecordLoss(amount)
}

// ResetDaily zeroes the daily accumulator.
func (e *Engine) ResetDaily() {
	e.mu.Lock()
	prev := e.loss.DailyLoss()
	at := e.now()
	e.loss.ResetDaily(at)
	e.mu.Unlock()

	e.log.Info("daily loss reset", zap.Float64("previous", prev), zap.Time("day_start", at))
}

// DailyLoss returns the day's cumulative realized PnL.
func (e *Engine) DailyLoss() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loss.DailyLoss()
}

// TripCircuitBreaker halts admission. Repeated trips keep the first reason.
func (e *Engine) TripCircuitBreaker(reason string) bool {
	e.mu.Lock()
	changed := e.breaker.Trip(reason, e.now())
	e.mu.Unlock()

	if changed {
		e.log.Warn("circuit breaker tripped", zap.String("trigger", reason))
	} else {
		e.log.Info("circuit breaker already tripped", zap.String("trigger", reason))
	}
	return changed
}

// UntripCircuitBreaker resumes admission.
func (e *Engine) UntripCircuitBreaker() bool {
	e.mu.Lock()
	was := e.breaker.Untrip()
	e.mu.Unlock()

	if was {
		e.log.Info("circuit breaker reset")
	}
	return was
}

// SetDryRunMode toggles the dry-run overlay.
func (e *Engine) SetDryRunMode(on bool) {
	e.mu.Lock()
	e.breaker.SetDryRun(on)
	e.mu.Unlock()

	e.log.Info("dry-run mode changed", zap.Bool("dry_run", on))
}

// CircuitBreakerStatus returns {tripped, tripTime, dryRunMode}.
func (e *Engine) CircuitBreakerStatus() BreakerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker.Status()
}

// UpdatePolicy merges u into the live policy. On error the previous snapshot
// stays in force.
func (e *Engine) UpdatePolicy(u PolicyUpdate) (RiskPolicy, error) {
	e.mu.Lock()
	p, err := e.policy.Update(u)
	e.mu.Unlock()

	if err != nil {
		e.log.Warn("policy update rejected", zap.Error(err))
		return p, err
	}
	e.log.Info("policy updated",
		zap.Float64("max_notional", p.MaxNotional),
		zap.Int("max_open_positions", p.MaxOpenPositions),
		zap.Float64("max_daily_loss", p.MaxDailyLoss),
		zap.Float64("canary_pct", p.CanaryPct),
		zap.Bool("kill_switch", p.KillSwitch),
	)
	return p, nil
}

// Policy returns the current policy snapshot.
func (e *Engine) Policy() RiskPolicy { return e.policy.Snapshot() }

// Positions returns all open positions.
func (e *Engine) Positions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Positions()
}

// SymbolExposure is the gross notional held on symbol.
func (e *Engine) SymbolExposure(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SymbolExposure(e.ledger, symbol)
}

// PositionSize is the notional of the position an order on side adds to.
func (e *Engine) PositionSize(symbol string, side OrderSide) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return PositionSize(e.ledger, symbol, side)
}

// TotalExposure is the gross notional across all symbols.
func (e *Engine) TotalExposure() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return TotalExposure(e.ledger)
}

// Snapshot reads every piece of state under one lock.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Policy:        e.policy.Snapshot(),
		Positions:     e.ledger.Positions(),
		Exposure:      ExposureBySymbol(e.ledger),
		TotalExposure: TotalExposure(e.ledger),
		OpenPositions: e.openPositionsLocked(),
		Pending:       e.reservationsLocked(),
		DailyLoss:     e.loss.DailyLoss(),
		DayStart:      e.loss.DayStart(),
		Breaker:       e.breaker.Status(),
	}
}

func (e *Engine) decideLocked(o Order) Decision {
	st := evalState{
		breaker:       e.breaker.Status(),
		openPositions: e.openPositionsLocked(),
		dailyLoss:     e.loss.DailyLoss(),
	}
	d := evaluate(e.policy.load(), st, o, e.canary)
	d.ID = e.ids.New()
	d.Time = e.now()
	return d
}

// openPositionsLocked counts the union of open keys and reserved keys.
func (e *Engine) openPositionsLocked() int {
	n := e.ledger.Len()
	for k := range e.pending {
		if !e.ledger.Has(k) {
			n++
		}
	}
	return n
}

func (e *Engine) issueLocked(d Decision) *Ticket {
	side := d.Order.Side
	if side == "" {
		side = Buy
	}
	t := &Ticket{
		ID:         e.ids.New(),
		DecisionID: d.ID,
		Order:      d.Order,
		Key:        Key{Symbol: d.Order.Asset, Side: side.PositionSide()},
		IssuedAt:   d.Time,
	}
	// Every ticket reserves its own key. A reducing order can still open it
	// (overshoot, or another ticket closed the opposite side first), and an
	// open key can be closed before this fill lands.
	e.pending[t.Key]++
	t.Order.Side = side
	e.tickets[t.ID] = t
	return t
}

func (e *Engine) reservationsLocked() int {
	n := 0
	for _, c := range e.pending {
		n += c
	}
	return n
}

func (e *Engine) settleLocked(t *Ticket) {
	delete(e.tickets, t.ID)
	if e.pending[t.Key]--; e.pending[t.Key] <= 0 {
		delete(e.pending, t.Key)
	}
}

func (e *Engine) applyFillLocked(f *Fill) FillResult {
	if f.Time.IsZero() {
		f.Time = e.now()
	}
	res := e.ledger.ApplyFill(*f)
	if res.Closed > 0 {
		e.loss.RecordLoss(res.RealizedPnl)
	}
	return res
}

func (e *Engine) observe(d Decision) {
	if d.Allowed {
		e.metrics.ObserveRiskScore(d.RiskScore)
		return
	}
	dry := d.DryRun()
	e.metrics.ObserveBlock(string(d.Reason), d.Order.Asset, dry)
	e.log.Debug("order blocked",
		zap.String("decision_id", d.ID),
		zap.String("asset", d.Order.Asset),
		zap.Float64("notional", d.Order.Notional),
		zap.String("reason", string(d.Reason)),
		zap.Bool("dry_run", dry),
	)
}

func (e *Engine) logFill(f Fill, res FillResult) {
	e.log.Debug("fill applied",
		zap.String("symbol", f.Symbol),
		zap.String("side", string(f.Side)),
		zap.Float64("qty", f.Quantity),
		zap.Float64("price", f.Price),
		zap.Float64("closed", res.Closed),
		zap.Float64("realized_pnl", res.RealizedPnl),
	)
}
