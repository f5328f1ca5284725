package connector

import (
	"context"
	"strconv"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"go.uber.org/zap"
)

const (
	bybitCategory     = "spot"
	bybitAccountType  = "UNIFIED"
	bybitHistoryLimit = 50
)

// Options shared by all connectors.
type Options struct {
	Quote string
	// PollInterval paces watch calls of polling connectors.
	PollInterval time.Duration
	// HistoryTTL is how long closed-order history stays cached.
	HistoryTTL time.Duration
}

// Bybit serves a Bybit unified spot account. Watch calls poll the V5 REST API.
type Bybit struct {
	client  *bybit.Client
	quote   string
	poll    *poller
	history *historyCache
	logger  *zap.Logger
}

func NewBybit(client *bybit.Client, opts Options, logger *zap.Logger) (*Bybit, error) {
	history, err := newHistoryCache(opts.HistoryTTL)
	if err != nil {
		return nil, err
	}
	return &Bybit{
		client:  client,
		quote:   opts.Quote,
		poll:    newPoller(opts.PollInterval),
		history: history,
		logger:  logger,
	}, nil
}

// bybitOrder holds the V5 order fields used here.
type bybitOrder struct {
	Symbol       string
	OrderID      string
	Side         string
	Price        string
	Qty          string
	CumExecQty   string
	CumExecValue string
	AvgPrice     string
	Status       string
	CreatedTime  string
}

func (o bybitOrder) toDomain(quote string) (domain.Order, error) {
	pair, ok := splitSymbol(o.Symbol, quote)
	if !ok {
		return domain.Order{}, errors.Wrapf(domain.ErrInvalidEvent, "bybit symbol %q", o.Symbol)
	}
	side, ok := domain.ParseSide(o.Side)
	if !ok {
		return domain.Order{}, errors.Wrapf(domain.ErrInvalidEvent, "bybit side %q", o.Side)
	}
	status, ok := bybitStatus(o.Status)
	if !ok {
		return domain.Order{}, errors.Wrapf(domain.ErrInvalidEvent, "bybit status %q", o.Status)
	}
	vals, err := decimals(o.Price, o.Qty, o.CumExecQty, o.CumExecValue, o.AvgPrice)
	if err != nil {
		return domain.Order{}, err
	}
	created, _ := strconv.ParseInt(o.CreatedTime, 10, 64)

	return domain.Order{
		ID:          o.OrderID,
		Pair:        pair,
		Side:        side,
		Price:       vals[0],
		Amount:      vals[1],
		Filled:      vals[2],
		FilledQuote: vals[3],
		AvgPrice:    vals[4],
		Status:      status,
		Time:        millis(created),
	}, nil
}

func (b *Bybit) FetchBalance(_ context.Context) ([]domain.AssetBalance, error) {
	res, err := b.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5(bybitAccountType), nil)
	if err != nil {
		return nil, errors.Wrap(err, "bybit wallet balance")
	}

	var out []domain.AssetBalance
	for _, acct := range res.Result.List {
		for _, c := range acct.Coin {
			vals, err := decimals(c.WalletBalance, c.Locked)
			if err != nil {
				b.logger.Warn("skipping bybit coin", zap.String("coin", string(c.Coin)), zap.Error(err))
				continue
			}
			total, locked := vals[0], decimal.Min(vals[1], vals[0])
			out = append(out, domain.AssetBalance{Asset: string(c.Coin), Free: total.Sub(locked), Locked: locked})
		}
	}
	return out, nil
}

func (b *Bybit) FetchOpenOrders(_ context.Context) ([]domain.Order, error) {
	res, err := b.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{Category: bybitCategory})
	if err != nil {
		return nil, errors.Wrap(err, "bybit open orders")
	}

	out := make([]domain.Order, 0, len(res.Result.List))
	for _, o := range res.Result.List {
		order, err := bybitOrder{
			Symbol: string(o.Symbol), OrderID: o.OrderID, Side: string(o.Side),
			Price: o.Price, Qty: o.Qty, CumExecQty: o.CumExecQty, CumExecValue: o.CumExecValue,
			AvgPrice: o.AvgPrice, Status: string(o.OrderStatus), CreatedTime: o.CreatedTime,
		}.toDomain(b.quote)
		if err != nil {
			b.logger.Warn("skipping bybit order", zap.String("order_id", o.OrderID), zap.Error(err))
			continue
		}
		out = append(out, order)
	}
	return out, nil
}

func (b *Bybit) historyOrders(pair domain.Pair, orderID *string) ([]domain.Order, error) {
	symbol := bybit.SymbolV5(pair.Symbol())
	limit := bybitHistoryLimit
	res, err := b.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category: bybitCategory,
		Symbol:   &symbol,
		OrderID:  orderID,
		Limit:    &limit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "bybit order history %s", pair)
	}

	out := make([]domain.Order, 0, len(res.Result.List))
	for _, o := range res.Result.List {
		order, err := bybitOrder{
			Symbol: string(o.Symbol), OrderID: o.OrderID, Side: string(o.Side),
			Price: o.Price, Qty: o.Qty, CumExecQty: o.CumExecQty, CumExecValue: o.CumExecValue,
			AvgPrice: o.AvgPrice, Status: string(o.OrderStatus), CreatedTime: o.CreatedTime,
		}.toDomain(b.quote)
		if err != nil {
			continue
		}
		out = append(out, order)
	}
	return out, nil
}

// FetchClosedOrders returns the most recent closed orders of pair.
func (b *Bybit) FetchClosedOrders(ctx context.Context, pair domain.Pair) ([]domain.Order, error) {
	return b.history.load(ctx, pair, func(_ context.Context, pair domain.Pair) ([]domain.Order, error) {
		orders, err := b.historyOrders(pair, nil)
		if err != nil {
			return nil, err
		}
		closed := orders[:0]
		for _, o := range orders {
			if o.Status.Terminal() {
				closed = append(closed, o)
			}
		}
		return closed, nil
	})
}

func (b *Bybit) FetchTicker(_ context.Context, pair domain.Pair) (decimal.Decimal, error) {
	symbol := bybit.SymbolV5(pair.Symbol())
	res, err := b.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybitCategory,
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "bybit ticker %s", pair)
	}
	if len(res.Result.Spot.List) == 0 {
		return decimal.Zero, errors.Errorf("bybit returned no ticker for %s", pair)
	}
	return parseDecimal(res.Result.Spot.List[0].LastPrice)
}

// FetchTickers loads all spot tickers in one call and keeps the requested ones.
func (b *Bybit) FetchTickers(_ context.Context, pairs []domain.Pair) (map[string]decimal.Decimal, error) {
	res, err := b.client.V5().Market().GetTickers(bybit.V5GetTickersParam{Category: bybitCategory})
	if err != nil {
		return nil, errors.Wrap(err, "bybit tickers")
	}

	wanted := make(map[string]string, len(pairs))
	for _, p := range pairs {
		wanted[p.Symbol()] = p.From
	}
	out := make(map[string]decimal.Decimal, len(pairs))
	for _, t := range res.Result.Spot.List {
		asset, ok := wanted[string(t.Symbol)]
		if !ok {
			continue
		}
		if price, err := parseDecimal(t.LastPrice); err == nil && price.IsPositive() {
			out[asset] = price
		}
	}
	return out, nil
}

func (b *Bybit) CreateOrder(_ context.Context, req domain.OrderRequest) (domain.Order, error) {
	side := bybit.SideBuy
	if req.Side == domain.SideSell {
		side = bybit.SideSell
	}
	price := req.Price.String()

	res, err := b.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:  bybitCategory,
		Symbol:    bybit.SymbolV5(req.Pair.Symbol()),
		Side:      side,
		OrderType: bybit.OrderTypeLimit,
		Qty:       req.Amount.String(),
		Price:     &price,
	})
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "bybit create order")
	}

	return domain.Order{
		ID: res.Result.OrderID, Pair: req.Pair, Side: req.Side,
		Price: req.Price, Amount: req.Amount, Status: domain.OrderStatusOpen, Time: time.Now().UTC(),
	}, nil
}

func (b *Bybit) CancelOrder(_ context.Context, id string, pair domain.Pair) error {
	_, err := b.client.V5().Order().CancelOrder(bybit.V5CancelOrderParam{
		Category: bybitCategory,
		Symbol:   bybit.SymbolV5(pair.Symbol()),
		OrderID:  &id,
	})
	return errors.Wrapf(err, "bybit cancel order %s", id)
}

func (b *Bybit) WatchBalance(ctx context.Context) ([]domain.AssetBalance, error) {
	return b.poll.watchBalance(ctx, b.FetchBalance)
}

func (b *Bybit) WatchOrders(ctx context.Context) ([]domain.Order, error) {
	return b.poll.watchOrders(ctx, b.FetchOpenOrders, b.resolveOrder)
}

// resolveOrder looks up the final state of an order that left the open set.
func (b *Bybit) resolveOrder(_ context.Context, last domain.Order) (domain.Order, error) {
	id := last.ID
	orders, err := b.historyOrders(last.Pair, &id)
	if err != nil {
		return domain.Order{}, err
	}
	b.history.invalidate(last.Pair)

	for _, o := range orders {
		if o.ID == id && o.Status.Terminal() {
			return o, nil
		}
	}
	last.Status = domain.OrderStatusCanceled
	return last, nil
}

func (b *Bybit) WatchTickers(ctx context.Context, pairs []domain.Pair) (map[string]decimal.Decimal, error) {
	return b.poll.watchTickers(ctx, pairs, b.FetchTickers)
}

func (b *Bybit) Close() error {
	b.history.close()
	return nil
}
