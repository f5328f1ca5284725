// Package prices keeps last prices of tracked assets and renders the matching observer message.
package prices

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"github.com/vadiminshakov/accountmirror/internal/services/balances"
	"go.uber.org/zap"
)

// TickerFetcher is the REST side of the exchange used for backfills.
type TickerFetcher interface {
	FetchTicker(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
	FetchTickers(ctx context.Context, pairs []domain.Pair) (map[string]decimal.Decimal, error)
}

// Tick is the last price of an asset. Seq is a logical clock local to the cache.
type Tick struct {
	Asset string
	Price decimal.Decimal
	Seq   uint64
}

// Cache stores ticks and forwards prices of known records to the balance cache.
type Cache struct {
	mu       sync.RWMutex
	exchange string
	quote    string
	ticks    map[string]Tick
	seq      uint64
	balances *balances.Cache
	fetcher  TickerFetcher
	logger   *zap.Logger
}

// New creates a price cache bound to a balance cache.
func New(exchange, quote string, bal *balances.Cache, fetcher TickerFetcher, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		exchange: exchange,
		quote:    strings.ToUpper(quote),
		ticks:    make(map[string]Tick),
		balances: bal,
		fetcher:  fetcher,
		logger:   logger,
	}
}

// Update records price for asset and returns the message observers should get,
// or nil when the price is unusable or unchanged.
// Held assets yield a balance_update, anything else a price_update.
func (c *Cache) Update(asset string, price decimal.Decimal) domain.Message {
	asset = strings.ToUpper(asset)
	if asset == "" || asset == c.quote || !price.IsPositive() {
		return nil
	}

	c.mu.Lock()
	prev, seen := c.ticks[asset]
	changed := !seen || !prev.Price.Equal(price)
	if changed {
		c.seq++
		c.ticks[asset] = Tick{Asset: asset, Price: price, Seq: c.seq}
	}
	c.mu.Unlock()

	// a record created after the tick still needs the price
	recorded := c.balances.RecordPrice(asset, price)
	if !changed && recorded == balances.ChangeNone {
		return nil
	}
	if c.balances.IsHeld(asset) {
		if msg, ok := c.balances.Message(asset); ok {
			return msg
		}
	}
	return domain.NewPriceUpdate(c.exchange, asset, price)
}

// InitializeBatch fetches prices for assets in one call and falls back to one call per asset.
// Individual failures are logged; the returned messages cover whatever succeeded.
func (c *Cache) InitializeBatch(ctx context.Context, assets []string) []domain.Message {
	pairs := c.pairs(assets)
	if len(pairs) == 0 {
		return nil
	}

	var msgs []domain.Message
	emit := func(asset string, price decimal.Decimal) {
		if msg := c.Update(asset, price); msg != nil {
			msgs = append(msgs, msg)
		}
	}

	batch, err := c.fetcher.FetchTickers(ctx, pairs)
	if err == nil {
		for _, p := range pairs {
			if price, ok := batch[p.From]; ok {
				emit(p.From, price)
			}
		}
		return msgs
	}

	c.logger.Warn("batch price fetch failed, falling back to per-symbol", zap.Int("symbols", len(pairs)), zap.Error(err))
	for _, p := range pairs {
		if ctx.Err() != nil {
			break
		}
		price, err := c.fetcher.FetchTicker(ctx, p)
		if err != nil {
			c.logger.Warn("failed to fetch price", zap.String("symbol", p.String()), zap.Error(err))
			continue
		}
		emit(p.From, price)
	}
	return msgs
}

// Refresh fetches a single asset price.
func (c *Cache) Refresh(ctx context.Context, asset string) (domain.Message, error) {
	pairs := c.pairs([]string{asset})
	if len(pairs) == 0 {
		return nil, nil
	}
	price, err := c.fetcher.FetchTicker(ctx, pairs[0])
	if err != nil {
		return nil, err
	}
	return c.Update(pairs[0].From, price), nil
}

// Get returns the last tick of asset.
func (c *Cache) Get(asset string) (Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.ticks[strings.ToUpper(asset)]
	return t, ok
}

// Prices returns a copy of all last prices, with the quote currency at 1.
func (c *Cache) Prices() map[string]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(c.ticks)+1)
	for asset, t := range c.ticks {
		out[asset] = t.Price
	}
	out[c.quote] = decimal.NewFromInt(1)
	return out
}

// UnheldMessages renders price_update messages for assets without a holding.
func (c *Cache) UnheldMessages() []domain.Message {
	c.mu.RLock()
	ticks := make([]Tick, 0, len(c.ticks))
	for _, t := range c.ticks {
		ticks = append(ticks, t)
	}
	c.mu.RUnlock()

	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Asset < ticks[j].Asset })
	var out []domain.Message
	for _, t := range ticks {
		if c.balances.IsHeld(t.Asset) {
			continue
		}
		out = append(out, domain.NewPriceUpdate(c.exchange, t.Asset, t.Price))
	}
	return out
}

// Pairs maps assets to quote pairs, dropping the quote currency and duplicates.
func (c *Cache) Pairs(assets []string) []domain.Pair {
	return c.pairs(assets)
}

func (c *Cache) pairs(assets []string) []domain.Pair {
	seen := make(map[string]struct{}, len(assets))
	out := make([]domain.Pair, 0, len(assets))
	for _, a := range assets {
		a = strings.ToUpper(a)
		if a == "" || a == c.quote {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, domain.NewPair(a, c.quote))
	}
	return out
}
