package connector

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/accountmirror/internal/domain"
)

func TestHistoryCacheLoadsOnce(t *testing.T) {
	h, err := newHistoryCache(time.Minute)
	require.NoError(t, err)
	t.Cleanup(h.close)

	calls := 0
	fetch := func(context.Context, domain.Pair) ([]domain.Order, error) {
		calls++
		return []domain.Order{{ID: "1", Pair: btcUSDT, Status: domain.OrderStatusFilled}}, nil
	}

	for range 3 {
		orders, err := h.load(context.Background(), btcUSDT, fetch)
		require.NoError(t, err)
		assert.Len(t, orders, 1)
	}
	assert.Equal(t, 1, calls)

	h.invalidate(btcUSDT)
	_, err = h.load(context.Background(), btcUSDT, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestHistoryCacheDoesNotCacheErrors(t *testing.T) {
	h, err := newHistoryCache(0)
	require.NoError(t, err)
	t.Cleanup(h.close)

	boom := errors.New("boom")
	calls := 0
	fetch := func(context.Context, domain.Pair) ([]domain.Order, error) {
		calls++
		return nil, boom
	}

	_, err = h.load(context.Background(), btcUSDT, fetch)
	assert.ErrorIs(t, err, boom)
	_, err = h.load(context.Background(), btcUSDT, fetch)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestNilHistoryCacheFetchesDirectly(t *testing.T) {
	var h *historyCache
	calls := 0
	_, err := h.load(context.Background(), btcUSDT, func(context.Context, domain.Pair) ([]domain.Order, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	h.invalidate(btcUSDT)
	h.close()
}
