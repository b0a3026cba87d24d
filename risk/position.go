package risk

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Side is the direction of an open position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// OrderSide is the direction of an order or fill.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// ParseOrderSide accepts buy/sell in any case.
func ParseOrderSide(s string) (OrderSide, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return "", fmt.Errorf("unknown order side %q", s)
}

// PositionSide maps an order side to the position it opens.
func (s OrderSide) PositionSide() Side {
	if s == Sell {
		return Short
	}
	return Long
}

// Reduces returns the position side this order side closes.
func (s OrderSide) Reduces() Side {
	if s == Sell {
		return Long
	}
	return Short
}

// Key identifies a position. Long and short on one symbol are separate keys.
type Key struct {
	Symbol string
	Side   Side
}

func (k Key) String() string { return k.Symbol + "/" + string(k.Side) }

// Position is the ledger's view of one (symbol, side) holding.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      float64   `json:"quantity"`
	AvgPrice      float64   `json:"avgPrice"`
	UnrealizedPnl float64   `json:"unrealizedPnl"`
	RealizedPnl   float64   `json:"realizedPnl"`
	PnlPercent    float64   `json:"pnlPercent"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Key returns the ledger key of p.
func (p Position) Key() Key { return Key{Symbol: p.Symbol, Side: p.Side} }

// Notional is |quantity * avgPrice|.
func (p Position) Notional() float64 { return abs(p.Quantity * p.AvgPrice) }

// Fill is an execution report from the exchange.
type Fill struct {
	Symbol   string    `json:"symbol"`
	Side     OrderSide `json:"side"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Time     time.Time `json:"time"`
}

// FillResult describes what a fill did to the ledger.
type FillResult struct {
	// Closed is the quantity taken off an opposite position.
	Closed float64 `json:"closed"`
	// Opened is the quantity added to the fill's own side.
	Opened      float64 `json:"opened"`
	RealizedPnl float64 `json:"realizedPnl"`
	// Removed is set when the reduced position reached zero and was deleted.
	Removed bool `json:"removed"`
	// Reduced and Position are snapshots after the fill, when present.
	Reduced  *Position `json:"reduced,omitempty"`
	Position *Position `json:"position,omitempty"`
}

// Ledger tracks open positions by (symbol, side). It is not safe for
// concurrent use; Engine serializes access.
type Ledger struct {
	positions map[Key]*Position
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{positions: make(map[Key]*Position)}
}

// Get returns a copy of the position for key.
func (l *Ledger) Get(symbol string, side Side) (Position, bool) {
	p, ok := l.positions[Key{symbol, side}]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Has reports whether key is open.
func (l *Ledger) Has(k Key) bool {
	_, ok := l.positions[k]
	return ok
}

// Len is the number of open positions.
func (l *Ledger) Len() int { return len(l.positions) }

// Positions returns copies ordered by symbol, then side.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// Upsert adds quantity at price to (symbol, side), re-weighting avgPrice by
// notional. A position brought to zero or below is removed.
func (l *Ledger) Upsert(symbol string, side Side, quantity, price float64, at time.Time) (Position, bool) {
	k := Key{symbol, side}
	p, ok := l.positions[k]
	if !ok {
		if quantity <= 0 {
			return Position{}, false
		}
		p = &Position{Symbol: symbol, Side: side, Quantity: quantity, AvgPrice: price, UpdatedAt: at}
		l.positions[k] = p
		return *p, true
	}

	newQty := p.Quantity + quantity
	if newQty <= 0 {
		delete(l.positions, k)
		return Position{}, false
	}
	p.AvgPrice = (p.Quantity*p.AvgPrice + quantity*price) / newQty
	p.Quantity = newQty
	p.UpdatedAt = at
	return *p, true
}

// ApplyFill books a fill. A SELL reduces LONG and a BUY reduces SHORT;
// realized PnL is (exit - avg) * closed, negated for SHORT. Quantity left
// over after the opposite position is closed opens the fill's own side.
func (l *Ledger) ApplyFill(f Fill) FillResult {
	var res FillResult
	remaining := f.Quantity

	rk := Key{f.Symbol, f.Side.Reduces()}
	if p, ok := l.positions[rk]; ok && remaining > 0 {
		closed := remaining
		if closed > p.Quantity {
			closed = p.Quantity
		}
		pnl := (f.Price - p.AvgPrice) * closed
		if p.Side == Short {
			pnl = -pnl
		}
		p.RealizedPnl += pnl
		p.Quantity -= closed
		p.UpdatedAt = f.Time
		remaining -= closed

		res.Closed = closed
		res.RealizedPnl = pnl
		snap := *p
		res.Reduced = &snap
		if p.Quantity <= 0 {
			delete(l.positions, rk)
			res.Removed = true
		}
	}

	if remaining > 0 {
		pos, _ := l.Upsert(f.Symbol, f.Side.PositionSide(), remaining, f.Price, f.Time)
		res.Opened = remaining
		res.Position = &pos
	}
	return res
}

// MarkPrice revalues every open position on symbol at current.
//
// pnlPercent is (current-avg)/avg*100 for both sides; it is not sign-flipped
// for SHORT while unrealizedPnl is.
func (l *Ledger) MarkPrice(symbol string, current float64, at time.Time) []Position {
	var out []Position
	for _, side := range []Side{Long, Short} {
		p, ok := l.positions[Key{symbol, side}]
		if !ok {
			continue
		}
		if p.Side == Long {
			p.UnrealizedPnl = (current - p.AvgPrice) * p.Quantity
		} else {
			p.UnrealizedPnl = (p.AvgPrice - current) * p.Quantity
		}
		if p.AvgPrice != 0 {
			p.PnlPercent = (current - p.AvgPrice) / p.AvgPrice * 100
		}
		p.UpdatedAt = at
		out = append(out, *p)
	}
	return out
}

// Reset drops every position.
func (l *Ledger) Reset() {
	l.positions = make(map[Key]*Position)
}
