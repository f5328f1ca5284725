package connector

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"go.uber.org/zap"
)

const (
	binanceKeepalive    = 30 * time.Minute
	binanceHistoryLimit = 500

	binanceEventAccount = "outboundAccountPosition"
	binanceEventOrder   = "executionReport"
)

var errStreamClosed = errors.New("stream closed")

// Binance serves a Binance spot account. Balance and order watches read the
// user data websocket; ticker watches read the combined market stat stream.
type Binance struct {
	client  *binance.Client
	quote   string
	history *historyCache
	logger  *zap.Logger

	mu      sync.Mutex
	user    *userStream
	tickers *tickerStream
}

func NewBinance(client *binance.Client, opts Options, logger *zap.Logger) (*Binance, error) {
	history, err := newHistoryCache(opts.HistoryTTL)
	if err != nil {
		return nil, err
	}
	return &Binance{client: client, quote: opts.Quote, history: history, logger: logger}, nil
}

// userStream buffers user data events between watch calls.
// Balances are coalesced per asset, orders are kept in arrival order.
type userStream struct {
	listenKey string
	done      <-chan struct{}
	stopC     chan struct{}
	stopOnce  sync.Once
	quote     string
	logger    *zap.Logger

	mu       sync.Mutex
	balances map[string]domain.AssetBalance
	orders   []domain.Order
	err      error

	balanceC chan struct{}
	orderC   chan struct{}
}

func newUserStream(listenKey, quote string, logger *zap.Logger) *userStream {
	return &userStream{
		listenKey: listenKey,
		quote:     quote,
		logger:    logger,
		balances:  make(map[string]domain.AssetBalance),
		balanceC:  make(chan struct{}, 1),
		orderC:    make(chan struct{}, 1),
	}
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

func (s *userStream) handle(event *binance.WsUserDataEvent) {
	switch string(event.Event) {
	case binanceEventAccount:
		s.mu.Lock()
		for _, u := range event.AccountUpdate.WsAccountUpdates {
			vals, err := decimals(u.Free, u.Locked)
			if err != nil {
				s.logger.Warn("skipping binance balance update", zap.String("asset", u.Asset), zap.Error(err))
				continue
			}
			s.balances[u.Asset] = domain.AssetBalance{Asset: u.Asset, Free: vals[0], Locked: vals[1]}
		}
		s.mu.Unlock()
		signal(s.balanceC)

	case binanceEventOrder:
		u := event.OrderUpdate
		order, err := binanceOrder{
			Symbol: u.Symbol, ID: u.Id, Side: string(u.Side), Status: string(u.Status),
			Price: u.Price, Qty: u.Volume, Executed: u.FilledVolume, QuoteExecuted: u.FilledQuoteVolume,
			Time: u.CreateTime,
		}.toDomain(s.quote)
		if err != nil {
			s.logger.Warn("skipping binance order update", zap.Int64("order_id", u.Id), zap.Error(err))
			return
		}
		s.mu.Lock()
		s.orders = append(s.orders, order)
		s.mu.Unlock()
		signal(s.orderC)
	}
}

func (s *userStream) handleErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *userStream) takeBalances() []domain.AssetBalance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.balances) == 0 {
		return nil
	}
	out := make([]domain.AssetBalance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	s.balances = make(map[string]domain.AssetBalance)
	return out
}

func (s *userStream) takeOrders() []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.orders
	s.orders = nil
	return out
}

func (s *userStream) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return errors.Wrap(s.err, "binance user stream")
	}
	return errors.Wrap(errStreamClosed, "binance user stream")
}

func (s *userStream) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *userStream) stop() {
	s.stopOnce.Do(func() { close(s.stopC) })
}

// userSession returns the live user stream, opening a new one when none is running.
func (b *Binance) userSession(ctx context.Context) (*userStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.user != nil && !b.user.finished() {
		return b.user, nil
	}

	listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "binance listen key")
	}

	s := newUserStream(listenKey, b.quote, b.logger)
	doneC, stopC, err := binance.WsUserDataServe(listenKey, s.handle, s.handleErr)
	if err != nil {
		return nil, errors.Wrap(err, "binance user stream")
	}
	s.done, s.stopC = doneC, stopC
	b.user = s

	go b.keepAlive(s)
	b.logger.Info("binance user stream connected")
	return s, nil
}

func (b *Binance) keepAlive(s *userStream) {
	ticker := time.NewTicker(binanceKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := b.client.NewKeepaliveUserStreamService().ListenKey(s.listenKey).Do(ctx)
			cancel()
			if err != nil {
				b.logger.Warn("binance listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

func (b *Binance) WatchBalance(ctx context.Context) ([]domain.AssetBalance, error) {
	s, err := b.userSession(ctx)
	if err != nil {
		return nil, err
	}
	for {
		if out := s.takeBalances(); len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, s.closeErr()
		case <-s.balanceC:
		}
	}
}

func (b *Binance) WatchOrders(ctx context.Context) ([]domain.Order, error) {
	s, err := b.userSession(ctx)
	if err != nil {
		return nil, err
	}
	for {
		if out := s.takeOrders(); len(out) > 0 {
			for _, o := range out {
				if o.Status.Terminal() {
					b.history.invalidate(o.Pair)
				}
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, s.closeErr()
		case <-s.orderC:
		}
	}
}

// tickerStream buffers the latest price per asset for one symbol set.
type tickerStream struct {
	key      string
	assets   map[string]string
	done     <-chan struct{}
	stopC    chan struct{}
	stopOnce sync.Once
	notify   chan struct{}

	mu      sync.Mutex
	pending map[string]decimal.Decimal
	err     error
}

func (t *tickerStream) handle(event *binance.WsMarketStatEvent) {
	asset, ok := t.assets[event.Symbol]
	if !ok {
		return
	}
	price, err := parseDecimal(event.LastPrice)
	if err != nil || !price.IsPositive() {
		return
	}
	t.mu.Lock()
	t.pending[asset] = price
	t.mu.Unlock()
	signal(t.notify)
}

func (t *tickerStream) handleErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *tickerStream) take() map[string]decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}
	out := t.pending
	t.pending = make(map[string]decimal.Decimal)
	return out
}

func (t *tickerStream) stop() {
	t.stopOnce.Do(func() { close(t.stopC) })
}

func (b *Binance) tickerSession(pairs []domain.Pair) (*tickerStream, error) {
	key := pairsKey(pairs)

	b.mu.Lock()
	defer b.mu.Unlock()

	if t := b.tickers; t != nil {
		select {
		case <-t.done:
		default:
			if t.key == key {
				return t, nil
			}
			t.stop()
		}
		b.tickers = nil
	}

	t := &tickerStream{
		key:     key,
		assets:  make(map[string]string, len(pairs)),
		notify:  make(chan struct{}, 1),
		pending: make(map[string]decimal.Decimal),
	}
	symbols := make([]string, 0, len(pairs))
	for _, p := range pairs {
		t.assets[p.Symbol()] = p.From
		symbols = append(symbols, p.Symbol())
	}

	doneC, stopC, err := binance.WsCombinedMarketStatServe(symbols, t.handle, t.handleErr)
	if err != nil {
		return nil, errors.Wrap(err, "binance ticker stream")
	}
	t.done, t.stopC = doneC, stopC
	b.tickers = t
	return t, nil
}

func (b *Binance) dropTickers(t *tickerStream) {
	t.stop()
	b.mu.Lock()
	if b.tickers == t {
		b.tickers = nil
	}
	b.mu.Unlock()
}

func (b *Binance) WatchTickers(ctx context.Context, pairs []domain.Pair) (map[string]decimal.Decimal, error) {
	if len(pairs) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	t, err := b.tickerSession(pairs)
	if err != nil {
		return nil, err
	}
	for {
		if out := t.take(); len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			b.dropTickers(t)
			return nil, ctx.Err()
		case <-t.done:
			b.dropTickers(t)
			t.mu.Lock()
			err := t.err
			t.mu.Unlock()
			if err == nil {
				err = errStreamClosed
			}
			return nil, errors.Wrap(err, "binance ticker stream")
		case <-t.notify:
		}
	}
}

// binanceOrder holds the order fields shared by REST orders and execution reports.
type binanceOrder struct {
	Symbol        string
	ID            int64
	Side          string
	Status        string
	Price         string
	Qty           string
	Executed      string
	QuoteExecuted string
	Time          int64
}

func (o binanceOrder) toDomain(quote string) (domain.Order, error) {
	pair, ok := splitSymbol(o.Symbol, quote)
	if !ok {
		return domain.Order{}, errors.Wrapf(domain.ErrInvalidEvent, "binance symbol %q", o.Symbol)
	}
	side, ok := domain.ParseSide(o.Side)
	if !ok {
		return domain.Order{}, errors.Wrapf(domain.ErrInvalidEvent, "binance side %q", o.Side)
	}
	vals, err := decimals(o.Price, o.Qty, o.Executed, o.QuoteExecuted)
	if err != nil {
		return domain.Order{}, err
	}
	status, ok := binanceStatus(o.Status, vals[2])
	if !ok {
		return domain.Order{}, errors.Wrapf(domain.ErrInvalidEvent, "binance status %q", o.Status)
	}

	return domain.Order{
		ID:          strconv.FormatInt(o.ID, 10),
		Pair:        pair,
		Side:        side,
		Price:       vals[0],
		Amount:      vals[1],
		Filled:      vals[2],
		FilledQuote: vals[3],
		Status:      status,
		Time:        millis(o.Time),
	}, nil
}

func (b *Binance) mapOrders(orders []*binance.Order) []domain.Order {
	out := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		order, err := binanceOrder{
			Symbol: o.Symbol, ID: o.OrderID, Side: string(o.Side), Status: string(o.Status),
			Price: o.Price, Qty: o.OrigQuantity, Executed: o.ExecutedQuantity,
			QuoteExecuted: o.CummulativeQuoteQuantity, Time: o.Time,
		}.toDomain(b.quote)
		if err != nil {
			b.logger.Warn("skipping binance order", zap.Int64("order_id", o.OrderID), zap.Error(err))
			continue
		}
		out = append(out, order)
	}
	return out
}

func (b *Binance) FetchBalance(ctx context.Context) ([]domain.AssetBalance, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "binance account")
	}

	var out []domain.AssetBalance
	for _, bal := range account.Balances {
		vals, err := decimals(bal.Free, bal.Locked)
		if err != nil {
			b.logger.Warn("skipping binance balance", zap.String("asset", bal.Asset), zap.Error(err))
			continue
		}
		if vals[0].IsZero() && vals[1].IsZero() {
			continue
		}
		out = append(out, domain.AssetBalance{Asset: bal.Asset, Free: vals[0], Locked: vals[1]})
	}
	return out, nil
}

func (b *Binance) FetchOpenOrders(ctx context.Context) ([]domain.Order, error) {
	orders, err := b.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "binance open orders")
	}
	return b.mapOrders(orders), nil
}

func (b *Binance) FetchClosedOrders(ctx context.Context, pair domain.Pair) ([]domain.Order, error) {
	return b.history.load(ctx, pair, func(ctx context.Context, pair domain.Pair) ([]domain.Order, error) {
		orders, err := b.client.NewListOrdersService().Symbol(pair.Symbol()).Limit(binanceHistoryLimit).Do(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "binance order history %s", pair)
		}
		mapped := b.mapOrders(orders)
		closed := mapped[:0]
		for _, o := range mapped {
			if o.Status.Terminal() {
				closed = append(closed, o)
			}
		}
		return closed, nil
	})
}

func (b *Binance) FetchTicker(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	prices, err := b.client.NewListPricesService().Symbol(pair.Symbol()).Do(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "binance ticker %s", pair)
	}
	if len(prices) == 0 {
		return decimal.Zero, errors.Errorf("binance returned no ticker for %s", pair)
	}
	return parseDecimal(prices[0].Price)
}

func (b *Binance) FetchTickers(ctx context.Context, pairs []domain.Pair) (map[string]decimal.Decimal, error) {
	if len(pairs) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	assets := make(map[string]string, len(pairs))
	symbols := make([]string, 0, len(pairs))
	for _, p := range pairs {
		assets[p.Symbol()] = p.From
		symbols = append(symbols, p.Symbol())
	}

	prices, err := b.client.NewListPricesService().Symbols(symbols).Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "binance tickers")
	}
	out := make(map[string]decimal.Decimal, len(prices))
	for _, p := range prices {
		if price, err := parseDecimal(p.Price); err == nil && price.IsPositive() {
			out[assets[p.Symbol]] = price
		}
	}
	return out, nil
}

func (b *Binance) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	side := binance.SideTypeBuy
	if req.Side == domain.SideSell {
		side = binance.SideTypeSell
	}

	res, err := b.client.NewCreateOrderService().Symbol(req.Pair.Symbol()).
		Side(side).Type(binance.OrderTypeLimit).TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(req.Amount.String()).Price(req.Price.String()).
		Do(ctx)
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "binance create order")
	}

	return domain.Order{
		ID: strconv.FormatInt(res.OrderID, 10), Pair: req.Pair, Side: req.Side,
		Price: req.Price, Amount: req.Amount, Status: domain.OrderStatusOpen, Time: time.Now().UTC(),
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, id string, pair domain.Pair) error {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return errors.Wrapf(domain.ErrInvalidEvent, "binance order id %q", id)
	}
	_, err = b.client.NewCancelOrderService().Symbol(pair.Symbol()).OrderID(orderID).Do(ctx)
	return errors.Wrapf(err, "binance cancel order %s", id)
}

// Close stops both streams and releases the listen key.
func (b *Binance) Close() error {
	b.mu.Lock()
	user, tickers := b.user, b.tickers
	b.user, b.tickers = nil, nil
	b.mu.Unlock()

	if tickers != nil {
		tickers.stop()
	}
	b.history.close()
	if user == nil {
		return nil
	}

	user.stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Wrap(b.client.NewCloseUserStreamService().ListenKey(user.listenKey).Do(ctx), "binance close listen key")
}
