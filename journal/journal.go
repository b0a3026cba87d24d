// Package journal keeps an append-only audit trail of admission decisions
// and fills. Nothing in it is read back into engine state.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rustyeddy/guardrail/risk"
)

// DecisionRecord is one evaluated order.
type DecisionRecord struct {
	ID        string
	Time      time.Time
	Asset     string
	Side      string
	Notional  float64
	Live      bool
	Allowed   bool
	Reason    string
	RiskScore float64
	DryRun    bool
	// Details is the JSON encoding of the decision details.
	Details string
}

// FillRecord is one fill booked against the position ledger.
type FillRecord struct {
	ID          string
	DecisionID  string
	Symbol      string
	Side        string
	Quantity    float64
	Price       float64
	Time        time.Time
	Closed      float64
	Opened      float64
	RealizedPnl float64
}

type Journal interface {
	RecordDecision(DecisionRecord) error
	RecordFill(FillRecord) error
	Close() error
}

// NewDecisionRecord flattens d for storage.
func NewDecisionRecord(d risk.Decision) (DecisionRecord, error) {
	rec := DecisionRecord{
		ID:        d.ID,
		Time:      d.Time.UTC(),
		Asset:     d.Order.Asset,
		Side:      string(d.Order.Side),
		Notional:  d.Order.Notional,
		Live:      d.Order.Live,
		Allowed:   d.Allowed,
		Reason:    string(d.Reason),
		RiskScore: d.RiskScore,
		DryRun:    d.DryRun(),
	}
	if len(d.Details) > 0 {
		b, err := json.Marshal(d.Details)
		if err != nil {
			return DecisionRecord{}, fmt.Errorf("encode details for %s: %w", d.ID, err)
		}
		rec.Details = string(b)
	}
	return rec, nil
}

// NewFillRecord flattens a booked fill. decisionID is empty for fills that
// did not come through admission.
func NewFillRecord(id, decisionID string, f risk.Fill, res risk.FillResult) FillRecord {
	return FillRecord{
		ID:          id,
		DecisionID:  decisionID,
		Symbol:      f.Symbol,
		Side:        string(f.Side),
		Quantity:    f.Quantity,
		Price:       f.Price,
		Time:        f.Time.UTC(),
		Closed:      res.Closed,
		Opened:      res.Opened,
		RealizedPnl: res.RealizedPnl,
	}
}

// Discard drops every record.
type Discard struct{}

func (Discard) RecordDecision(DecisionRecord) error { return nil }
func (Discard) RecordFill(FillRecord) error         { return nil }
func (Discard) Close() error                        { return nil }

// Options selects a journal backend.
type Options struct {
	// Type is one of "sqlite", "csv" or "none".
	Type          string
	Path          string
	DecisionsPath string
	FillsPath     string
}

// Open returns the backend named by opts.Type.
func Open(opts Options) (Journal, error) {
	switch opts.Type {
	case "", "none":
		return Discard{}, nil
	case "sqlite":
		return NewSQLite(opts.Path)
	case "csv":
		return NewCSV(opts.DecisionsPath, opts.FillsPath)
	default:
		return nil, fmt.Errorf("unknown journal type %q", opts.Type)
	}
}
