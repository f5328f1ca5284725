package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"go.uber.org/zap"
)

// Hyperliquid serves a Hyperliquid spot account identified by its address.
// Watch calls poll the Info API.
type Hyperliquid struct {
	ex     *hyperliquid.Exchange
	info   *hyperliquid.Info
	addr   string
	quote  string
	poll   *poller
	logger *zap.Logger

	mu sync.Mutex
	// cancels holds a ready cancel request per open order id.
	cancels map[string]hyperliquid.CancelOrderRequest
	// cloids maps ids of orders placed here to their client order id.
	cloids map[string]string
}

func NewHyperliquid(ex *hyperliquid.Exchange, accountAddr string, opts Options, logger *zap.Logger) (*Hyperliquid, error) {
	if ex == nil {
		return nil, errors.New("hyperliquid exchange client is nil")
	}
	return &Hyperliquid{
		ex:      ex,
		info:    ex.Info(),
		addr:    accountAddr,
		quote:   strings.ToUpper(opts.Quote),
		poll:    newPoller(opts.PollInterval),
		logger:  logger,
		cancels: make(map[string]hyperliquid.CancelOrderRequest),
		cloids:  make(map[string]string),
	}, nil
}

func (h *Hyperliquid) FetchBalance(ctx context.Context) ([]domain.AssetBalance, error) {
	st, err := h.info.SpotUserState(ctx, h.addr)
	if err != nil {
		return nil, errors.Wrap(err, "hyperliquid spot user state")
	}

	out := make([]domain.AssetBalance, 0, len(st.Balances))
	for _, b := range st.Balances {
		total, err := parseDecimal(b.Total)
		if err != nil {
			h.logger.Warn("skipping hyperliquid balance", zap.String("coin", b.Coin), zap.Error(err))
			continue
		}
		out = append(out, domain.AssetBalance{Asset: strings.ToUpper(b.Coin), Free: total})
	}
	return out, nil
}

func (h *Hyperliquid) FetchOpenOrders(ctx context.Context) ([]domain.Order, error) {
	open, err := h.info.FrontendOpenOrders(ctx, h.addr)
	if err != nil {
		return nil, errors.Wrap(err, "hyperliquid open orders")
	}

	cancels := make(map[string]hyperliquid.CancelOrderRequest, len(open))
	out := make([]domain.Order, 0, len(open))
	for _, o := range open {
		if o.IsTrigger {
			continue
		}
		side, ok := domain.ParseSide(fmt.Sprint(o.Side))
		if !ok {
			continue
		}
		price, err := anyDecimal(o.LimitPx)
		if err != nil {
			continue
		}
		remaining, err := anyDecimal(o.Sz)
		if err != nil {
			continue
		}
		orig, err := anyDecimal(o.OrigSz)
		if err != nil {
			continue
		}
		if orig.IsZero() {
			orig = remaining
		}
		ts, _ := anyDecimal(o.Timestamp)

		id := fmt.Sprint(o.Oid)
		filled := orig.Sub(remaining)
		cancels[id] = hyperliquid.CancelOrderRequest{Coin: o.Coin, OrderID: o.Oid}
		out = append(out, domain.Order{
			ID:     id,
			Pair:   domain.NewPair(o.Coin, h.quote),
			Side:   side,
			Price:  price,
			Amount: orig,
			Filled: filled,
			Status: openStatus(filled),
			Time:   millis(ts.IntPart()),
		})
	}

	h.mu.Lock()
	h.cancels = cancels
	h.mu.Unlock()
	return out, nil
}

// FetchClosedOrders is unsupported; cost basis stays unknown on this venue.
func (h *Hyperliquid) FetchClosedOrders(context.Context, domain.Pair) ([]domain.Order, error) {
	return nil, nil
}

func (h *Hyperliquid) FetchTicker(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	mids, err := h.info.AllMids(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "hyperliquid mids")
	}
	mid, ok := mids[pair.From]
	if !ok || mid == "" {
		return decimal.Zero, errors.Errorf("hyperliquid returned empty mid price for %s", pair.From)
	}
	return parseDecimal(mid)
}

func (h *Hyperliquid) FetchTickers(ctx context.Context, pairs []domain.Pair) (map[string]decimal.Decimal, error) {
	mids, err := h.info.AllMids(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "hyperliquid mids")
	}
	out := make(map[string]decimal.Decimal, len(pairs))
	for _, p := range pairs {
		if price, err := parseDecimal(mids[p.From]); err == nil && price.IsPositive() {
			out[p.From] = price
		}
	}
	return out, nil
}

func cloidFor(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return "0x" + hex.EncodeToString(sum[:16])
}

// CreateOrder places a GTC limit order and looks up its exchange id by client order id.
func (h *Hyperliquid) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	price, _ := req.Price.Float64()
	size, _ := req.Amount.Round(8).Float64()
	cloid := cloidFor(uuid.NewString())

	_, err := h.ex.Order(ctx, hyperliquid.CreateOrderRequest{
		Coin:          req.Pair.From,
		IsBuy:         req.Side == domain.SideBuy,
		Price:         price,
		Size:          size,
		ClientOrderID: &cloid,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifGtc},
		},
	}, nil)
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "hyperliquid create order")
	}

	res, err := h.info.QueryOrderByCloid(ctx, h.addr, cloid)
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "query order by cloid")
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		return domain.Order{}, errors.New("hyperliquid did not report the placed order")
	}

	id := fmt.Sprint(res.Order.Order.Oid)
	h.mu.Lock()
	h.cloids[id] = cloid
	h.cancels[id] = hyperliquid.CancelOrderRequest{Coin: req.Pair.From, OrderID: res.Order.Order.Oid}
	h.mu.Unlock()

	return domain.Order{
		ID: id, Pair: req.Pair, Side: req.Side,
		Price: req.Price, Amount: req.Amount, Status: domain.OrderStatusOpen, Time: time.Now().UTC(),
	}, nil
}

func (h *Hyperliquid) CancelOrder(ctx context.Context, id string, _ domain.Pair) error {
	h.mu.Lock()
	req, ok := h.cancels[id]
	h.mu.Unlock()
	if !ok {
		return errors.Errorf("hyperliquid order %s is not open", id)
	}
	if _, err := h.ex.BulkCancel(ctx, []hyperliquid.CancelOrderRequest{req}); err != nil {
		return errors.Wrapf(err, "hyperliquid cancel order %s", id)
	}
	return nil
}

func (h *Hyperliquid) WatchBalance(ctx context.Context) ([]domain.AssetBalance, error) {
	return h.poll.watchBalance(ctx, h.FetchBalance)
}

func (h *Hyperliquid) WatchOrders(ctx context.Context) ([]domain.Order, error) {
	return h.poll.watchOrders(ctx, h.FetchOpenOrders, h.resolveOrder)
}

// resolveOrder reports an order that left the open set. Orders placed here are
// looked up by client order id; any other order is reported canceled with its
// last seen fill.
func (h *Hyperliquid) resolveOrder(ctx context.Context, last domain.Order) (domain.Order, error) {
	h.mu.Lock()
	cloid, ok := h.cloids[last.ID]
	delete(h.cloids, last.ID)
	h.mu.Unlock()

	last.Status = domain.OrderStatusCanceled
	if !ok {
		return last, nil
	}

	res, err := h.info.QueryOrderByCloid(ctx, h.addr, cloid)
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "query order by cloid")
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		return last, nil
	}

	switch res.Order.Status {
	case hyperliquid.OrderStatusValueFilled:
		last.Status = domain.OrderStatusFilled
		last.Filled = last.Amount
	case hyperliquid.OrderStatusValueRejected, hyperliquid.OrderStatusValueReduceOnlyRejected:
		last.Status = domain.OrderStatusRejected
	case hyperliquid.OrderStatusValueOpen:
		// still resting; the next poll reports it again.
		h.mu.Lock()
		h.cloids[last.ID] = cloid
		h.mu.Unlock()
		last.Status = openStatus(last.Filled)
	}
	return last, nil
}

func (h *Hyperliquid) WatchTickers(ctx context.Context, pairs []domain.Pair) (map[string]decimal.Decimal, error) {
	return h.poll.watchTickers(ctx, pairs, h.FetchTickers)
}

func (h *Hyperliquid) Close() error { return nil }
