// Package costbasis reconstructs average buy price and realized PnL from fill history.
package costbasis

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
)

// Result of a reconstruction. Invalid fields mean "unknown" and must not be read as zero.
type Result struct {
	AvgBuyPrice decimal.NullDecimal
	RealizedPnL decimal.NullDecimal
}

// Reconstruct computes the cost basis of holding from fills.
// Fills are sorted chronologically on a copy; the input is not modified.
func Reconstruct(holding decimal.Decimal, fills []domain.Fill) Result {
	if !holding.IsPositive() || len(fills) == 0 {
		return Result{}
	}

	sorted := make([]domain.Fill, len(fills))
	copy(sorted, fills)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	start := StartIndex(holding, sorted)
	if start < 0 {
		return Result{}
	}

	return replay(sorted[start:])
}

// StartIndex walks fills backward from the newest, adding sells and subtracting buys
// from holding. It returns the index where the running amount reaches zero, i.e. the
// oldest fill still inside the current position, or -1 when history is too short.
// Fills must already be in chronological order.
func StartIndex(holding decimal.Decimal, fills []domain.Fill) int {
	running := holding
	for i := len(fills) - 1; i >= 0; i-- {
		f := fills[i]
		switch f.Side {
		case domain.SideSell:
			running = running.Add(f.Amount)
		case domain.SideBuy:
			running = running.Sub(f.Amount)
		}
		if running.IsZero() {
			return i
		}
	}
	return -1
}

func replay(fills []domain.Fill) Result {
	cost := decimal.Zero
	qty := decimal.Zero
	realized := decimal.Zero

	for _, f := range fills {
		switch f.Side {
		case domain.SideBuy:
			cost = cost.Add(f.Amount.Mul(f.Price))
			qty = qty.Add(f.Amount)
		case domain.SideSell:
			if !qty.IsPositive() {
				continue
			}
			avg := cost.Div(qty)
			if !avg.IsPositive() {
				continue
			}
			realized = realized.Add(f.Price.Sub(avg).Mul(f.Amount))
			cost = cost.Sub(avg.Mul(f.Amount))
			qty = qty.Sub(f.Amount)
		}
	}

	res := Result{RealizedPnL: decimal.NewNullDecimal(realized)}
	if qty.IsPositive() {
		res.AvgBuyPrice = decimal.NewNullDecimal(cost.Div(qty))
	}
	return res
}

// FillsFromOrders converts closed orders into fills, skipping orders with nothing executed.
func FillsFromOrders(orders []domain.Order) []domain.Fill {
	fills := make([]domain.Fill, 0, len(orders))
	for _, o := range orders {
		if !o.Filled.IsPositive() {
			continue
		}
		price := o.ExecutionPrice()
		if !price.IsPositive() {
			continue
		}
		fills = append(fills, domain.Fill{
			Side:   o.Side,
			Amount: o.Filled,
			Price:  price,
			Time:   o.Time,
		})
	}
	return fills
}
