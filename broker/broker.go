// Package broker routes admitted orders to an execution venue.
package broker

import (
	"context"
	"time"

	"github.com/rustyeddy/guardrail/risk"
)

type Broker interface {
	CreateMarketOrder(ctx context.Context, req MarketOrderRequest) (OrderFill, error)
}

type MarketOrderRequest struct {
	Symbol   string
	Side     risk.OrderSide
	Notional float64
	// Price is a limit hint. Zero means fill at the venue's last price.
	Price float64
	Live  bool
}

type OrderFill struct {
	OrderID  string         `json:"orderId"`
	Symbol   string         `json:"symbol"`
	Side     risk.OrderSide `json:"side"`
	Quantity float64        `json:"quantity"`
	Price    float64        `json:"price"`
	Time     time.Time      `json:"time"`
}

// Fill converts the venue fill into a ledger fill.
func (f OrderFill) Fill() risk.Fill {
	return risk.Fill{
		Symbol:   f.Symbol,
		Side:     f.Side,
		Quantity: f.Quantity,
		Price:    f.Price,
		Time:     f.Time,
	}
}
