package costbasis

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/accountmirror/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fill(side domain.Side, amount, price int64, minute int) domain.Fill {
	return domain.Fill{
		Side:   side,
		Amount: decimal.NewFromInt(amount),
		Price:  decimal.NewFromInt(price),
		Time:   t0.Add(time.Duration(minute) * time.Minute),
	}
}

func TestReconstruct(t *testing.T) {
	tests := []struct {
		name         string
		holding      decimal.Decimal
		fills        []domain.Fill
		wantAvg      string
		wantRealized string
	}{
		{
			name:    "partial sell keeps basis of remaining units",
			holding: decimal.NewFromInt(2),
			fills: []domain.Fill{
				fill(domain.SideBuy, 2, 100, 0),
				fill(domain.SideBuy, 1, 130, 1),
				fill(domain.SideSell, 1, 150, 2),
			},
			// avg at sale = 330/3 = 110, realized = (150-110)*1
			wantAvg:      "110",
			wantRealized: "40",
		},
		{
			name:    "older closed position is excluded",
			holding: decimal.NewFromInt(1),
			fills: []domain.Fill{
				fill(domain.SideBuy, 5, 10, 0),
				fill(domain.SideSell, 5, 20, 1),
				fill(domain.SideBuy, 1, 300, 2),
			},
			wantAvg:      "300",
			wantRealized: "0",
		},
		{
			name:    "unsorted input is ordered by time",
			holding: decimal.NewFromInt(2),
			fills: []domain.Fill{
				fill(domain.SideSell, 1, 150, 2),
				fill(domain.SideBuy, 2, 100, 0),
				fill(domain.SideBuy, 1, 130, 1),
			},
			wantAvg:      "110",
			wantRealized: "40",
		},
		{
			name:    "sell at a loss",
			holding: decimal.NewFromInt(1),
			fills: []domain.Fill{
				fill(domain.SideBuy, 2, 100, 0),
				fill(domain.SideSell, 1, 80, 1),
			},
			wantAvg:      "100",
			wantRealized: "-20",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Reconstruct(tt.holding, tt.fills)
			require.True(t, res.AvgBuyPrice.Valid)
			require.True(t, res.RealizedPnL.Valid)
			assert.Equal(t, tt.wantAvg, res.AvgBuyPrice.Decimal.String())
			assert.Equal(t, tt.wantRealized, res.RealizedPnL.Decimal.String())
		})
	}
}

func TestReconstructUnknown(t *testing.T) {
	t.Run("history shorter than holding", func(t *testing.T) {
		res := Reconstruct(decimal.NewFromInt(3), []domain.Fill{fill(domain.SideBuy, 1, 100, 0)})
		assert.False(t, res.AvgBuyPrice.Valid)
		assert.False(t, res.RealizedPnL.Valid)
	})

	t.Run("no history", func(t *testing.T) {
		res := Reconstruct(decimal.NewFromInt(1), nil)
		assert.False(t, res.AvgBuyPrice.Valid)
		assert.False(t, res.RealizedPnL.Valid)
	})

	t.Run("zero holding", func(t *testing.T) {
		res := Reconstruct(decimal.Zero, []domain.Fill{fill(domain.SideBuy, 1, 100, 0)})
		assert.False(t, res.AvgBuyPrice.Valid)
	})
}

func TestStartIndex(t *testing.T) {
	fills := []domain.Fill{
		fill(domain.SideBuy, 2, 100, 0),
		fill(domain.SideBuy, 1, 130, 1),
		fill(domain.SideSell, 1, 150, 2),
	}
	assert.Equal(t, 0, StartIndex(decimal.NewFromInt(2), fills))
	assert.Equal(t, -1, StartIndex(decimal.NewFromInt(5), fills))
	// 3 held: sell(+1)=4, buy(-1)=3, buy(-2)=1, never zero
	assert.Equal(t, -1, StartIndex(decimal.NewFromInt(3), fills))
	assert.Equal(t, 2, StartIndex(decimal.NewFromInt(-1), fills))
}

func TestFillsFromOrders(t *testing.T) {
	orders := []domain.Order{
		{ID: "1", Side: domain.SideBuy, Filled: decimal.NewFromInt(1), FilledQuote: decimal.NewFromInt(105), Price: decimal.NewFromInt(100), Time: t0},
		{ID: "2", Side: domain.SideSell, Filled: decimal.Zero, Price: decimal.NewFromInt(100), Time: t0},
		{ID: "3", Side: domain.SideSell, Filled: decimal.NewFromInt(1), Price: decimal.NewFromInt(120), Time: t0.Add(time.Minute)},
	}
	fills := FillsFromOrders(orders)
	require.Len(t, fills, 2)
	assert.Equal(t, "105", fills[0].Price.String())
	assert.Equal(t, domain.SideSell, fills[1].Side)
	assert.Equal(t, "120", fills[1].Price.String())
}
