package domain

import (
	"github.com/shopspring/decimal"
)

// AssetBalance is one asset's quantities as reported by an exchange snapshot or stream.
type AssetBalance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free plus locked.
func (b AssetBalance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Balance is the cached holding of a single asset.
// Total is always derived from Free and Locked so the two can never drift.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	// Price last known price in quote currency, zero when unknown.
	Price decimal.Decimal
	// AvgBuyPrice is invalid when the cost basis could not be reconstructed.
	AvgBuyPrice decimal.NullDecimal
	RealizedPnL decimal.NullDecimal
}

// Total returns free plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Held reports whether the account currently owns a positive amount.
func (b Balance) Held() bool {
	return b.Total().IsPositive()
}

// Value returns price times total.
func (b Balance) Value() decimal.Decimal {
	return b.Price.Mul(b.Total())
}

// UnrealizedPnL is (price - avg) * total, invalid without a cost basis or a price.
func (b Balance) UnrealizedPnL() decimal.NullDecimal {
	if !b.AvgBuyPrice.Valid || !b.Price.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(b.Price.Sub(b.AvgBuyPrice.Decimal).Mul(b.Total()))
}
