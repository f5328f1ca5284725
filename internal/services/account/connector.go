package account

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
)

// Connector is the exchange side of one account. Watch calls block until the
// next batch of updates is available and return it.
type Connector interface {
	FetchBalance(ctx context.Context) ([]domain.AssetBalance, error)
	FetchOpenOrders(ctx context.Context) ([]domain.Order, error)
	FetchClosedOrders(ctx context.Context, pair domain.Pair) ([]domain.Order, error)
	FetchTicker(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
	FetchTickers(ctx context.Context, pairs []domain.Pair) (map[string]decimal.Decimal, error)

	CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, id string, pair domain.Pair) error

	WatchBalance(ctx context.Context) ([]domain.AssetBalance, error)
	WatchOrders(ctx context.Context) ([]domain.Order, error)
	WatchTickers(ctx context.Context, pairs []domain.Pair) (map[string]decimal.Decimal, error)

	Close() error
}

// Publisher delivers messages to observers.
type Publisher interface {
	Publish(msg domain.Message)
	Log(exchange string, entry domain.LogEntry)
}
