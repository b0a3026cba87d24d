package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/guardrail/journal"
	"github.com/rustyeddy/guardrail/pkg/id"
	"github.com/rustyeddy/guardrail/risk"
)

var (
	ErrBlocked       = errors.New("order blocked")
	ErrRouteRejected = errors.New("route rejected")
)

// BlockedError carries the decision that refused an order.
type BlockedError struct {
	Decision risk.Decision
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("order %s blocked: %s", e.Decision.ID, e.Decision.Reason)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// Execution is a filled order and what it did to the ledger.
type Execution struct {
	Decision risk.Decision   `json:"decision"`
	Fill     OrderFill       `json:"fill"`
	Result   risk.FillResult `json:"result"`
}

// Gate puts every order through route checks and admission before it reaches
// the broker. Decisions and fills are journaled after the engine lock is
// released; a journal failure is logged and never changes the outcome.
type Gate struct {
	engine  *risk.Engine
	broker  Broker
	journal journal.Journal
	log     *zap.Logger
	ids     *id.Generator
	now     func() time.Time
}

type GateOptions struct {
	Engine  *risk.Engine
	Broker  Broker
	Journal journal.Journal
	Logger  *zap.Logger
	IDs     *id.Generator
	Clock   func() time.Time
}

func NewGate(opts GateOptions) (*Gate, error) {
	if opts.Engine == nil {
		return nil, errors.New("gate: engine is required")
	}
	g := &Gate{
		engine:  opts.Engine,
		broker:  opts.Broker,
		journal: opts.Journal,
		log:     opts.Logger,
		ids:     opts.IDs,
		now:     opts.Clock,
	}
	if g.journal == nil {
		g.journal = journal.Discard{}
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.ids == nil {
		g.ids = id.NewGenerator(0, g.now)
	}
	return g, nil
}

func (g *Gate) Engine() *risk.Engine { return g.engine }

// CheckRoute enforces the policy's symbol allow-list and live-trading flag.
func (g *Gate) CheckRoute(o risk.Order) error {
	p := g.engine.Policy()
	if !p.PermitsSymbol(o.Asset) {
		return fmt.Errorf("%w: symbol %q is not allowed", ErrRouteRejected, o.Asset)
	}
	if o.Live && !p.AllowLive {
		return fmt.Errorf("%w: live trading is disabled", ErrRouteRejected)
	}
	return nil
}

// Evaluate decides o without routing it and journals the decision.
func (g *Gate) Evaluate(o risk.Order) risk.Decision {
	d := g.engine.Evaluate(o)
	g.recordDecision(d)
	return d
}

// Submit runs o through the route checks and admission and, when allowed,
// sends it to the broker. The admission ticket is committed with the venue
// fill or released if the broker fails.
func (g *Gate) Submit(ctx context.Context, o risk.Order, price float64) (Execution, error) {
	if g.broker == nil {
		return Execution{}, errors.New("gate: no broker configured")
	}
	if err := g.CheckRoute(o); err != nil {
		return Execution{}, err
	}

	d, ticket := g.engine.Admit(o)
	g.recordDecision(d)
	if !d.Allowed {
		return Execution{Decision: d}, &BlockedError{Decision: d}
	}

	fill, err := g.broker.CreateMarketOrder(ctx, MarketOrderRequest{
		Symbol:   o.Asset,
		Side:     o.Side,
		Notional: o.Notional,
		Price:    price,
		Live:     o.Live,
	})
	if err != nil {
		if rerr := g.engine.Release(ticket.ID); rerr != nil {
			g.log.Warn("release ticket", zap.String("ticket_id", ticket.ID), zap.Error(rerr))
		}
		return Execution{Decision: d}, fmt.Errorf("broker %s: %w", o.Asset, err)
	}
	if fill.Side == "" {
		fill.Side = o.Side
		if fill.Side == "" {
			fill.Side = risk.Buy
		}
	}
	if fill.Time.IsZero() {
		fill.Time = g.now()
	}

	res, err := g.engine.Commit(ticket.ID, fill.Fill())
	if err != nil {
		if rerr := g.engine.Release(ticket.ID); rerr != nil {
			g.log.Warn("release ticket", zap.String("ticket_id", ticket.ID), zap.Error(rerr))
		}
		return Execution{Decision: d, Fill: fill}, err
	}
	g.recordFill(d.ID, fill.Fill(), res)

	g.log.Info("order executed",
		zap.String("decision_id", d.ID),
		zap.String("order_id", fill.OrderID),
		zap.String("symbol", fill.Symbol),
		zap.Float64("qty", fill.Quantity),
		zap.Float64("price", fill.Price),
	)
	return Execution{Decision: d, Fill: fill, Result: res}, nil
}

// Admit decides o and journals the decision. An allowed order gets a ticket
// that the caller settles with Commit or Release once the venue answers.
func (g *Gate) Admit(o risk.Order) (risk.Decision, *risk.Ticket) {
	d, t := g.engine.Admit(o)
	g.recordDecision(d)
	return d, t
}

// Commit books the fill for an outstanding ticket.
func (g *Gate) Commit(ticketID string, f risk.Fill) (risk.FillResult, error) {
	t, _ := g.engine.Ticket(ticketID)
	if f.Time.IsZero() {
		f.Time = g.now()
	}
	res, err := g.engine.Commit(ticketID, f)
	if err != nil {
		return risk.FillResult{}, err
	}
	g.recordFill(t.DecisionID, f, res)
	return res, nil
}

// Release drops an outstanding ticket without a fill.
func (g *Gate) Release(ticketID string) error {
	return g.engine.Release(ticketID)
}

// AdmitAndApply decides o and books f in one step when the fill is already
// known, as in offline replays.
func (g *Gate) AdmitAndApply(o risk.Order, f risk.Fill) (risk.Decision, *risk.FillResult) {
	if f.Time.IsZero() {
		f.Time = g.now()
	}
	d, res := g.engine.AdmitAndApply(o, f)
	g.recordDecision(d)
	if res != nil {
		g.recordFill(d.ID, f, *res)
	}
	return d, res
}

// ApplyFill books a fill that did not come through Submit.
func (g *Gate) ApplyFill(f risk.Fill) risk.FillResult {
	if f.Time.IsZero() {
		f.Time = g.now()
	}
	res := g.engine.ApplyFill(f)
	g.recordFill("", f, res)
	return res
}

func (g *Gate) recordDecision(d risk.Decision) {
	rec, err := journal.NewDecisionRecord(d)
	if err == nil {
		err = g.journal.RecordDecision(rec)
	}
	if err != nil {
		g.log.Warn("journal decision", zap.String("decision_id", d.ID), zap.Error(err))
	}
}

func (g *Gate) recordFill(decisionID string, f risk.Fill, res risk.FillResult) {
	rec := journal.NewFillRecord(g.ids.New(), decisionID, f, res)
	if err := g.journal.RecordFill(rec); err != nil {
		g.log.Warn("journal fill", zap.String("symbol", f.Symbol), zap.Error(err))
	}
}
