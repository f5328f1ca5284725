package connector

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/accountmirror/internal/domain"
)

const defaultHistoryTTL = time.Minute

// historyCache keeps closed-order history per symbol for a short time so bursts of
// cost-basis backfills for the same asset hit the exchange once.
type historyCache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func newHistoryCache(ttl time.Duration) (*historyCache, error) {
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init order history cache")
	}
	return &historyCache{c: c, ttl: ttl}, nil
}

// load returns cached history of pair or calls fetch and caches its result.
func (h *historyCache) load(ctx context.Context, pair domain.Pair, fetch func(context.Context, domain.Pair) ([]domain.Order, error)) ([]domain.Order, error) {
	if h == nil {
		return fetch(ctx, pair)
	}

	key := pair.Symbol()
	if v, ok := h.c.Get(key); ok {
		if orders, ok := v.([]domain.Order); ok {
			return orders, nil
		}
	}

	orders, err := fetch(ctx, pair)
	if err != nil {
		return nil, err
	}
	cost := int64(len(orders))
	if cost == 0 {
		cost = 1
	}
	h.c.SetWithTTL(key, orders, cost, h.ttl)
	h.c.Wait()
	return orders, nil
}

// invalidate drops cached history of pair, used when an order of that pair closes.
func (h *historyCache) invalidate(pair domain.Pair) {
	if h == nil {
		return
	}
	h.c.Del(pair.Symbol())
}

func (h *historyCache) close() {
	if h == nil {
		return
	}
	h.c.Close()
}
