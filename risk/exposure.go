package risk

// PositionReader is the read side of a ledger.
type PositionReader interface {
	Get(symbol string, side Side) (Position, bool)
	Positions() []Position
}

// SymbolExposure is the sum of |quantity * avgPrice| over both sides of
// symbol. It is recomputed on every call.
func SymbolExposure(r PositionReader, symbol string) float64 {
	var total float64
	for _, side := range []Side{Long, Short} {
		if p, ok := r.Get(symbol, side); ok {
			total += p.Notional()
		}
	}
	return total
}

// PositionSize returns the notional of the position an order on side would
// add to (BUY -> LONG, SELL -> SHORT), or 0 when none is open.
func PositionSize(r PositionReader, symbol string, side OrderSide) float64 {
	p, ok := r.Get(symbol, side.PositionSide())
	if !ok {
		return 0
	}
	return p.Notional()
}

// TotalExposure sums SymbolExposure over every open symbol.
func TotalExposure(r PositionReader) float64 {
	var total float64
	for _, p := range r.Positions() {
		total += p.Notional()
	}
	return total
}

// ExposureBySymbol returns per-symbol exposure for every open symbol.
func ExposureBySymbol(r PositionReader) map[string]float64 {
	out := make(map[string]float64)
	for _, p := range r.Positions() {
		out[p.Symbol] += p.Notional()
	}
	return out
}
