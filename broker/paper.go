package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/guardrail/pkg/id"
)

var ErrNoPrice = errors.New("no price for symbol")

// Paper fills every order immediately and in full. It never talks to a venue.
type Paper struct {
	mu     sync.RWMutex
	prices map[string]float64
	ids    *id.Generator
	now    func() time.Time
}

// NewPaper returns a Paper broker. A nil generator is replaced by a fresh one
// on the same clock and a nil clock uses time.Now.
func NewPaper(ids *id.Generator, now func() time.Time) *Paper {
	if ids == nil {
		ids = id.NewGenerator(0, now)
	}
	if now == nil {
		now = time.Now
	}
	return &Paper{
		prices: make(map[string]float64),
		ids:    ids,
		now:    now,
	}
}

// SetPrice records the last traded price for symbol.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// Price returns the last price set for symbol.
func (p *Paper) Price(symbol string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	px, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNoPrice, symbol)
	}
	return px, nil
}

func (p *Paper) CreateMarketOrder(ctx context.Context, req MarketOrderRequest) (OrderFill, error) {
	if err := ctx.Err(); err != nil {
		return OrderFill{}, err
	}
	if req.Notional <= 0 {
		return OrderFill{}, fmt.Errorf("paper order %s: notional must be positive", req.Symbol)
	}

	px := req.Price
	if px <= 0 {
		var err error
		if px, err = p.Price(req.Symbol); err != nil {
			return OrderFill{}, fmt.Errorf("paper order: %w", err)
		}
	}
	if px <= 0 {
		return OrderFill{}, fmt.Errorf("paper order %s: price must be positive", req.Symbol)
	}

	return OrderFill{
		OrderID:  p.ids.New(),
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Notional / px,
		Price:    px,
		Time:     p.now(),
	}, nil
}
