package account

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"go.uber.org/zap"
)

// Log statuses of observer commands.
const (
	LogCancelling   = "Cancelling"
	LogCancelFailed = "Cancel Failed"
	LogInfo         = "Info"
	LogOrderFailed  = "Order Failed"
)

// CancelOrders sends a cancel request per order. The cache is not touched:
// orders disappear when the order stream reports them terminal.
func (s *Service) CancelOrders(ctx context.Context, refs []domain.OrderRef) {
	for _, ref := range refs {
		s.pub.Log(s.cfg.Name, domain.LogEntry{Status: LogCancelling, Symbol: ref.Symbol, OrderID: ref.ID})

		if err := s.cancel(ctx, ref); err != nil {
			s.logger.Error("failed to cancel order", zap.String("order_id", ref.ID), zap.Error(err))
			s.pub.Log(s.cfg.Name, domain.LogEntry{
				Status: LogCancelFailed, Symbol: ref.Symbol, OrderID: ref.ID, Reason: err.Error(),
			})
			continue
		}
		s.logger.Info("cancel request sent", zap.String("order_id", ref.ID))
	}
}

func (s *Service) cancel(ctx context.Context, ref domain.OrderRef) error {
	if ref.ID == "" {
		return errors.Wrap(domain.ErrInvalidEvent, "order id is required")
	}

	pair, err := domain.ParsePair(ref.Symbol)
	if err != nil {
		cached, ok := s.orders.Get(ref.ID)
		if !ok {
			return errors.Wrapf(err, "symbol %q", ref.Symbol)
		}
		pair = cached.Pair
	}
	return s.conn.CancelOrder(ctx, ref.ID, pair)
}

// CancelAllOrders cancels every cached open order.
func (s *Service) CancelAllOrders(ctx context.Context) {
	open := s.orders.Snapshot()
	if len(open) == 0 {
		s.pub.Log(s.cfg.Name, domain.LogEntry{Status: LogInfo, Message: "No open orders to cancel."})
		return
	}

	s.logger.Info("cancelling all orders", zap.Int("orders", len(open)))
	s.pub.Log(s.cfg.Name, domain.LogEntry{Status: LogInfo, Message: fmt.Sprintf("Cancelling all %d orders.", len(open))})

	for _, o := range open {
		if err := s.conn.CancelOrder(ctx, o.ID, o.Pair); err != nil {
			s.logger.Error("failed to cancel order", zap.String("order_id", o.ID), zap.Error(err))
			s.pub.Log(s.cfg.Name, domain.LogEntry{
				Status: LogCancelFailed, Symbol: o.Pair.String(), OrderID: o.ID, Reason: err.Error(),
			})
		}
	}
}

// PlaceOrder submits a limit order. Like cancels, the cache learns about it from the order stream.
func (s *Service) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if err := req.Validate(); err != nil {
		return domain.Order{}, errors.Wrap(err, "order request")
	}
	if !s.allowed(req.Pair.From) {
		return domain.Order{}, errors.Wrapf(domain.ErrInvalidEvent, "asset %s is not allowed", req.Pair.From)
	}

	o, err := s.conn.CreateOrder(ctx, req)
	if err != nil {
		price, amount := req.Price, req.Amount
		s.pub.Log(s.cfg.Name, domain.LogEntry{
			Status: LogOrderFailed, Symbol: req.Pair.String(), Side: req.Side,
			Price: &price, Amount: &amount, Reason: err.Error(),
		})
		return domain.Order{}, errors.Wrap(err, "create order")
	}

	s.logger.Info("order placed",
		zap.String("order_id", o.ID), zap.String("symbol", req.Pair.String()), zap.String("side", string(req.Side)))
	return o, nil
}
