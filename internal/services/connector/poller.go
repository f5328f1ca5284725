package connector

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"golang.org/x/time/rate"
)

const defaultPollInterval = 3 * time.Second

// poller turns REST snapshots into blocking watch calls. Each call polls at the
// configured pace and returns only what changed since the previous poll.
type poller struct {
	balanceLimiter *rate.Limiter
	orderLimiter   *rate.Limiter
	tickerLimiter  *rate.Limiter

	mu        sync.Mutex
	balances  map[string]domain.AssetBalance
	orders    map[string]domain.Order
	tickers   map[string]decimal.Decimal
	tickerKey string
}

func newPoller(interval time.Duration) *poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	limit := rate.Every(interval)
	return &poller{
		balanceLimiter: rate.NewLimiter(limit, 1),
		orderLimiter:   rate.NewLimiter(limit, 1),
		tickerLimiter:  rate.NewLimiter(limit, 1),
	}
}

func (p *poller) watchBalance(ctx context.Context, fetch func(context.Context) ([]domain.AssetBalance, error)) ([]domain.AssetBalance, error) {
	for {
		if err := p.balanceLimiter.Wait(ctx); err != nil {
			return nil, err
		}
		cur, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if changed := p.diffBalances(cur); len(changed) > 0 {
			return changed, nil
		}
	}
}

// diffBalances records cur and returns changed assets. Assets missing from cur are reported as zero.
func (p *poller) diffBalances(cur []domain.AssetBalance) []domain.AssetBalance {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]domain.AssetBalance, len(cur))
	var out []domain.AssetBalance
	for _, b := range cur {
		b.Asset = strings.ToUpper(b.Asset)
		next[b.Asset] = b
		prev, ok := p.balances[b.Asset]
		if !ok || !prev.Free.Equal(b.Free) || !prev.Locked.Equal(b.Locked) {
			out = append(out, b)
		}
	}
	for asset := range p.balances {
		if _, ok := next[asset]; !ok {
			out = append(out, domain.AssetBalance{Asset: asset, Free: decimal.Zero, Locked: decimal.Zero})
		}
	}
	p.balances = next

	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// watchOrders polls open orders. Orders that left the open set are passed to
// resolve to learn their final state.
func (p *poller) watchOrders(
	ctx context.Context,
	fetchOpen func(context.Context) ([]domain.Order, error),
	resolve func(context.Context, domain.Order) (domain.Order, error),
) ([]domain.Order, error) {
	for {
		if err := p.orderLimiter.Wait(ctx); err != nil {
			return nil, err
		}
		open, err := fetchOpen(ctx)
		if err != nil {
			return nil, err
		}

		changed, vanished, next := p.diffOrders(open)
		for _, o := range vanished {
			final, err := resolve(ctx, o)
			if err != nil {
				return nil, err
			}
			changed = append(changed, final)
		}
		p.commitOrders(next)

		if len(changed) > 0 {
			return changed, nil
		}
	}
}

func (p *poller) diffOrders(open []domain.Order) (changed, vanished []domain.Order, next map[string]domain.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next = make(map[string]domain.Order, len(open))
	for _, o := range open {
		next[o.ID] = o
		prev, ok := p.orders[o.ID]
		if !ok || prev.Status != o.Status || !prev.Filled.Equal(o.Filled) ||
			!prev.Price.Equal(o.Price) || !prev.Amount.Equal(o.Amount) {
			changed = append(changed, o)
		}
	}
	for id, o := range p.orders {
		if _, ok := next[id]; !ok {
			vanished = append(vanished, o)
		}
	}
	sort.Slice(vanished, func(i, j int) bool { return vanished[i].ID < vanished[j].ID })
	return changed, vanished, next
}

func (p *poller) commitOrders(next map[string]domain.Order) {
	p.mu.Lock()
	p.orders = next
	p.mu.Unlock()
}

func (p *poller) watchTickers(
	ctx context.Context,
	pairs []domain.Pair,
	fetch func(context.Context, []domain.Pair) (map[string]decimal.Decimal, error),
) (map[string]decimal.Decimal, error) {
	key := pairsKey(pairs)
	p.mu.Lock()
	if key != p.tickerKey {
		p.tickerKey = key
		p.tickers = nil
	}
	p.mu.Unlock()

	for {
		if err := p.tickerLimiter.Wait(ctx); err != nil {
			return nil, err
		}
		cur, err := fetch(ctx, pairs)
		if err != nil {
			return nil, err
		}
		if changed := p.diffTickers(cur); len(changed) > 0 {
			return changed, nil
		}
	}
}

func (p *poller) diffTickers(cur map[string]decimal.Decimal) map[string]decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tickers == nil {
		p.tickers = make(map[string]decimal.Decimal, len(cur))
	}
	out := make(map[string]decimal.Decimal)
	for asset, price := range cur {
		if prev, ok := p.tickers[asset]; ok && prev.Equal(price) {
			continue
		}
		p.tickers[asset] = price
		out[asset] = price
	}
	return out
}

func pairsKey(pairs []domain.Pair) string {
	symbols := make([]string, 0, len(pairs))
	for _, p := range pairs {
		symbols = append(symbols, p.Symbol())
	}
	sort.Strings(symbols)
	return strings.Join(symbols, ",")
}
