package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferenceSnapshot is a point-in-time copy of prices per exchange and asset.
type ReferenceSnapshot struct {
	Time   time.Time                             `json:"time"`
	Prices map[string]map[string]decimal.Decimal `json:"prices"`
}

// Price returns the reference price of asset on exchange.
func (r ReferenceSnapshot) Price(exchange, asset string) (decimal.Decimal, bool) {
	byAsset, ok := r.Prices[exchange]
	if !ok {
		return decimal.Zero, false
	}
	p, ok := byAsset[asset]
	if !ok || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}

// Empty reports whether the snapshot holds no prices.
func (r ReferenceSnapshot) Empty() bool {
	return len(r.Prices) == 0 || r.Time.IsZero()
}
