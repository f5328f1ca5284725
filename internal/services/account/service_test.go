package account

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"github.com/vadiminshakov/accountmirror/internal/services/supervisor"
	"github.com/vadiminshakov/accountmirror/pkg/retrier"
	"go.uber.org/zap"
)

// connectorMock mocks REST calls; watch calls read from channels and block until ctx is done.
type connectorMock struct {
	mock.Mock
	balances chan []domain.AssetBalance
	orders   chan []domain.Order
	tickers  chan map[string]decimal.Decimal
}

func newConnectorMock() *connectorMock {
	return &connectorMock{
		balances: make(chan []domain.AssetBalance),
		orders:   make(chan []domain.Order),
		tickers:  make(chan map[string]decimal.Decimal),
	}
}

func (m *connectorMock) FetchBalance(ctx context.Context) ([]domain.AssetBalance, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).([]domain.AssetBalance)
	return res, args.Error(1)
}

func (m *connectorMock) FetchOpenOrders(ctx context.Context) ([]domain.Order, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).([]domain.Order)
	return res, args.Error(1)
}

func (m *connectorMock) FetchClosedOrders(ctx context.Context, pair domain.Pair) ([]domain.Order, error) {
	args := m.Called(ctx, pair)
	res, _ := args.Get(0).([]domain.Order)
	return res, args.Error(1)
}

func (m *connectorMock) FetchTicker(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	args := m.Called(ctx, pair)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *connectorMock) FetchTickers(ctx context.Context, pairs []domain.Pair) (map[string]decimal.Decimal, error) {
	args := m.Called(ctx, pairs)
	res, _ := args.Get(0).(map[string]decimal.Decimal)
	return res, args.Error(1)
}

func (m *connectorMock) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.Order), args.Error(1)
}

func (m *connectorMock) CancelOrder(ctx context.Context, id string, pair domain.Pair) error {
	return m.Called(ctx, id, pair).Error(0)
}

func (m *connectorMock) WatchBalance(ctx context.Context) ([]domain.AssetBalance, error) {
	select {
	case b := <-m.balances:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *connectorMock) WatchOrders(ctx context.Context) ([]domain.Order, error) {
	select {
	case o := <-m.orders:
		return o, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *connectorMock) WatchTickers(ctx context.Context, _ []domain.Pair) (map[string]decimal.Decimal, error) {
	select {
	case t := <-m.tickers:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *connectorMock) Close() error { return nil }

type recorder struct {
	mu   sync.Mutex
	msgs []domain.Message
	logs []domain.LogEntry
}

func (r *recorder) Publish(msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) Log(_ string, entry domain.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, entry)
}

func (r *recorder) ofKind(kind domain.MessageType) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, m := range r.msgs {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.logs))
	for _, l := range r.logs {
		out = append(out, l.Status)
	}
	return out
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

var (
	btcUSDT = domain.NewPair("BTC", "USDT")
	ethUSDT = domain.NewPair("ETH", "USDT")
	t0      = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
)

func newService(t *testing.T, cfg Config) (*Service, *connectorMock, *recorder) {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "binance"
	}
	if cfg.Quote == "" {
		cfg.Quote = "USDT"
	}
	cfg.Backoff = time.Millisecond
	conn := newConnectorMock()
	rec := &recorder{}
	s := New(cfg, conn, rec, zap.NewNop(), WithRetrier(retrier.New(retrier.WithMaxRetries(0))))
	t.Cleanup(s.tracker.Stop)
	return s, conn, rec
}

func filledOrder(id string, pair domain.Pair, side domain.Side, amount, price string, at time.Time) domain.Order {
	return domain.Order{
		ID: id, Pair: pair, Side: side,
		Price: d(price), Amount: d(amount), Filled: d(amount),
		Status: domain.OrderStatusFilled, Time: at,
	}
}

func TestInitialize(t *testing.T) {
	s, conn, _ := newService(t, Config{Follows: []string{"eth"}})

	conn.On("FetchBalance", mock.Anything).Return([]domain.AssetBalance{
		{Asset: "BTC", Free: d("1"), Locked: d("0")},
		{Asset: "USDT", Free: d("100"), Locked: d("0")},
		{Asset: "DOGE", Free: d("0"), Locked: d("0")},
	}, nil)
	conn.On("FetchClosedOrders", mock.Anything, btcUSDT).Return([]domain.Order{
		filledOrder("1", btcUSDT, domain.SideBuy, "2", "100", t0),
		filledOrder("2", btcUSDT, domain.SideSell, "1", "150", t0.Add(time.Hour)),
	}, nil)
	conn.On("FetchOpenOrders", mock.Anything).Return([]domain.Order{{
		ID: "9", Pair: ethUSDT, Side: domain.SideBuy, Price: d("1000"), Amount: d("1"),
		Status: domain.OrderStatusOpen, Time: t0,
	}}, nil)

	require.NoError(t, s.Initialize(context.Background()))

	btc, ok := s.Balance("BTC")
	require.True(t, ok)
	require.True(t, btc.AvgBuyPrice.Valid)
	assert.True(t, btc.AvgBuyPrice.Decimal.Equal(d("100")))
	assert.True(t, btc.RealizedPnL.Decimal.Equal(d("50")))

	usdt, ok := s.Balance("USDT")
	require.True(t, ok)
	assert.False(t, usdt.AvgBuyPrice.Valid, "quote currency has no cost basis")
	assert.True(t, usdt.Price.Equal(d("1")))

	eth, ok := s.Balance("ETH")
	require.True(t, ok, "followed asset gets a zeroed record")
	assert.False(t, eth.Held())

	_, ok = s.Balance("DOGE")
	assert.False(t, ok)

	assert.Len(t, s.OpenOrders(), 1)
	conn.AssertNumberOfCalls(t, "FetchClosedOrders", 1)
}

func TestInitializeFailsWithoutSnapshot(t *testing.T) {
	s, conn, _ := newService(t, Config{})
	conn.On("FetchBalance", mock.Anything).Return(nil, errors.New("unauthorized"))

	assert.Error(t, s.Initialize(context.Background()))
}

func TestInitializeHonoursAllowList(t *testing.T) {
	s, conn, _ := newService(t, Config{AllowList: []string{"BTC", "USDT"}})
	conn.On("FetchBalance", mock.Anything).Return([]domain.AssetBalance{
		{Asset: "BTC", Free: d("1")},
		{Asset: "XRP", Free: d("500")},
	}, nil)
	conn.On("FetchClosedOrders", mock.Anything, btcUSDT).Return(nil, nil)
	conn.On("FetchOpenOrders", mock.Anything).Return(nil, nil)

	require.NoError(t, s.Initialize(context.Background()))

	_, ok := s.Balance("XRP")
	assert.False(t, ok)
	_, ok = s.Balance("BTC")
	assert.True(t, ok)
}

// Snapshot holds BTC without history; a buy fill keeps the average null and a
// following sell fill is skipped.
func TestFillsWithoutCostBasis(t *testing.T) {
	s, conn, rec := newService(t, Config{})
	conn.On("FetchBalance", mock.Anything).Return([]domain.AssetBalance{{Asset: "BTC", Free: d("1")}}, nil)
	conn.On("FetchClosedOrders", mock.Anything, btcUSDT).Return(nil, nil)
	conn.On("FetchOpenOrders", mock.Anything).Return(nil, nil)
	require.NoError(t, s.Initialize(context.Background()))

	ctx := context.Background()
	s.handleOrder(ctx, filledOrder("b1", btcUSDT, domain.SideBuy, "0.5", "20000", t0))

	btc, _ := s.Balance("BTC")
	assert.False(t, btc.AvgBuyPrice.Valid)
	assert.True(t, btc.Free.Equal(d("1.5")))
	require.Len(t, rec.ofKind(domain.MessageBalanceUpdate), 1)

	s.handleOrder(ctx, filledOrder("s1", btcUSDT, domain.SideSell, "0.5", "21000", t0.Add(time.Minute)))

	btc, _ = s.Balance("BTC")
	assert.False(t, btc.RealizedPnL.Valid)
	assert.True(t, btc.Free.Equal(d("1.5")), "skipped fill leaves quantities alone")
	assert.Len(t, rec.ofKind(domain.MessageBalanceUpdate), 1)
}

func TestDuplicateFillAppliesOnce(t *testing.T) {
	s, conn, _ := newService(t, Config{})
	conn.On("FetchBalance", mock.Anything).Return([]domain.AssetBalance{{Asset: "BTC", Free: d("1")}}, nil)
	conn.On("FetchClosedOrders", mock.Anything, btcUSDT).Return([]domain.Order{
		filledOrder("h", btcUSDT, domain.SideBuy, "1", "100", t0),
	}, nil)
	conn.On("FetchOpenOrders", mock.Anything).Return(nil, nil)
	require.NoError(t, s.Initialize(context.Background()))

	sell := filledOrder("s", btcUSDT, domain.SideSell, "0.5", "150", t0.Add(time.Hour))
	s.handleOrder(context.Background(), sell)
	s.handleOrder(context.Background(), sell)

	btc, _ := s.Balance("BTC")
	assert.True(t, btc.RealizedPnL.Decimal.Equal(d("25")))
	assert.True(t, btc.AvgBuyPrice.Decimal.Equal(d("100")))
	assert.True(t, btc.Free.Equal(d("0.5")))
}

func TestOpenedOrderLogsAndRefreshesPrice(t *testing.T) {
	s, conn, rec := newService(t, Config{})
	conn.On("FetchTicker", mock.Anything, ethUSDT).Return(d("3000"), nil)
	conn.On("FetchTickers", mock.Anything, mock.Anything).Return(map[string]decimal.Decimal{"ETH": d("3000")}, nil)

	open := domain.Order{
		ID: "o1", Pair: ethUSDT, Side: domain.SideBuy, Price: d("2900"), Amount: d("1"),
		Status: domain.OrderStatusOpen, Time: t0,
	}
	s.handleOrder(context.Background(), open)

	assert.Equal(t, []string{"open"}, rec.statuses())
	require.Len(t, rec.ofKind(domain.MessageOrdersUpdate), 1)
	assert.NotEmpty(t, rec.ofKind(domain.MessagePriceUpdate))
	assert.Contains(t, s.Tracked(), "ETH")

	canceled := open
	canceled.Status = domain.OrderStatusCanceled
	s.handleOrder(context.Background(), canceled)

	assert.Equal(t, []string{"open", "canceled"}, rec.statuses())
	assert.Len(t, rec.ofKind(domain.MessageOrdersUpdate), 2)
	assert.Empty(t, s.OpenOrders())
	assert.NotContains(t, s.Tracked(), "ETH")
}

func TestInvalidOrderEventIsDropped(t *testing.T) {
	s, _, rec := newService(t, Config{})
	s.handleOrder(context.Background(), domain.Order{ID: "x", Pair: ethUSDT, Side: "hold", Status: domain.OrderStatusOpen})

	assert.Empty(t, s.OpenOrders())
	assert.Empty(t, rec.ofKind(domain.MessageOrdersUpdate))
}

func TestBalanceEvents(t *testing.T) {
	s, conn, rec := newService(t, Config{Follows: []string{"SOL"}})
	conn.On("FetchBalance", mock.Anything).Return(nil, nil)
	conn.On("FetchOpenOrders", mock.Anything).Return(nil, nil)
	conn.On("FetchClosedOrders", mock.Anything, mock.Anything).Return(nil, nil)
	conn.On("FetchTickers", mock.Anything, mock.Anything).Return(map[string]decimal.Decimal{
		"ETH": d("3000"), "SOL": d("150"),
	}, nil)
	require.NoError(t, s.Initialize(context.Background()))
	ctx := context.Background()

	t.Run("new asset", func(t *testing.T) {
		s.handleBalance(ctx, domain.AssetBalance{Asset: "eth", Free: d("2")})

		_, ok := s.Balance("ETH")
		require.True(t, ok)
		assert.NotEmpty(t, rec.ofKind(domain.MessageBalanceUpdate))
		assert.Contains(t, s.Tracked(), "ETH")
		conn.AssertCalled(t, "FetchClosedOrders", mock.Anything, ethUSDT)
	})

	t.Run("unfollowed asset removed", func(t *testing.T) {
		s.handleBalance(ctx, domain.AssetBalance{Asset: "ETH", Free: d("0")})

		_, ok := s.Balance("ETH")
		assert.False(t, ok)
		removed := rec.ofKind(domain.MessageRemoveHolding)
		require.Len(t, removed, 1)
		assert.Equal(t, "ETH", removed[0].(domain.RemoveHolding).Symbol)
		assert.NotContains(t, s.Tracked(), "ETH")
	})

	t.Run("followed asset zeroed and kept", func(t *testing.T) {
		s.handleBalance(ctx, domain.AssetBalance{Asset: "SOL", Free: d("3")})
		s.handleBalance(ctx, domain.AssetBalance{Asset: "SOL", Free: d("0")})

		sol, ok := s.Balance("SOL")
		require.True(t, ok)
		assert.True(t, sol.Total().IsZero())
		assert.Len(t, rec.ofKind(domain.MessageRemoveHolding), 1)
		assert.Contains(t, s.Tracked(), "SOL")
	})

	t.Run("mismatched payload dropped", func(t *testing.T) {
		before := len(rec.ofKind(domain.MessageBalanceUpdate))
		s.handleBalance(ctx, domain.AssetBalance{Asset: "BTC", Free: d("-1")})

		_, ok := s.Balance("BTC")
		assert.False(t, ok)
		assert.Len(t, rec.ofKind(domain.MessageBalanceUpdate), before)
	})
}

func TestReaccumulatedFollowKeepsCostBasis(t *testing.T) {
	solUSDT := domain.NewPair("SOL", "USDT")
	s, conn, _ := newService(t, Config{Follows: []string{"SOL"}})
	conn.On("FetchBalance", mock.Anything).Return(nil, nil)
	conn.On("FetchOpenOrders", mock.Anything).Return(nil, nil)
	conn.On("FetchClosedOrders", mock.Anything, solUSDT).Return(nil, nil)
	conn.On("FetchTickers", mock.Anything, mock.Anything).Return(map[string]decimal.Decimal{"SOL": d("150")}, nil)
	require.NoError(t, s.Initialize(context.Background()))
	ctx := context.Background()

	s.handleBalance(ctx, domain.AssetBalance{Asset: "SOL", Free: d("3")})
	conn.AssertNumberOfCalls(t, "FetchClosedOrders", 1)
	s.balances.SetCostBasis("SOL", decimal.NewNullDecimal(d("100")), decimal.NewNullDecimal(d("42")))

	s.handleBalance(ctx, domain.AssetBalance{Asset: "SOL", Free: d("0")})
	s.handleBalance(ctx, domain.AssetBalance{Asset: "SOL", Free: d("1")})

	sol, ok := s.Balance("SOL")
	require.True(t, ok)
	assert.True(t, sol.Total().Equal(d("1")))
	require.True(t, sol.AvgBuyPrice.Valid)
	require.True(t, sol.RealizedPnL.Valid)
	assert.True(t, sol.AvgBuyPrice.Decimal.Equal(d("100")))
	assert.True(t, sol.RealizedPnL.Decimal.Equal(d("42")))
	conn.AssertNumberOfCalls(t, "FetchClosedOrders", 1)
	assert.Contains(t, s.Tracked(), "SOL")
}

func TestFillCountedOnceAcrossStreams(t *testing.T) {
	setup := func(t *testing.T) *Service {
		s, conn, _ := newService(t, Config{})
		conn.On("FetchBalance", mock.Anything).Return([]domain.AssetBalance{{Asset: "BTC", Free: d("1")}}, nil)
		conn.On("FetchClosedOrders", mock.Anything, btcUSDT).Return([]domain.Order{
			filledOrder("h", btcUSDT, domain.SideBuy, "1", "100", t0),
		}, nil)
		conn.On("FetchOpenOrders", mock.Anything).Return(nil, nil)
		conn.On("FetchTickers", mock.Anything, mock.Anything).Return(map[string]decimal.Decimal{}, nil).Maybe()
		require.NoError(t, s.Initialize(context.Background()))
		return s
	}
	buy := filledOrder("b", btcUSDT, domain.SideBuy, "1", "200", t0.Add(time.Hour))

	tests := []struct {
		name  string
		apply func(s *Service)
	}{
		{
			name: "balance event first",
			apply: func(s *Service) {
				s.handleBalance(context.Background(), domain.AssetBalance{Asset: "BTC", Free: d("2")})
				s.handleOrder(context.Background(), buy)
			},
		},
		{
			name: "execution report first",
			apply: func(s *Service) {
				s.handleOrder(context.Background(), buy)
				s.handleBalance(context.Background(), domain.AssetBalance{Asset: "BTC", Free: d("2")})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setup(t)
			tt.apply(s)

			btc, _ := s.Balance("BTC")
			assert.True(t, btc.Total().Equal(d("2")), "total=%s", btc.Total())
			assert.True(t, btc.AvgBuyPrice.Decimal.Equal(d("150")), "avg=%s", btc.AvgBuyPrice.Decimal)
		})
	}
}

func TestCancelOrdersDoesNotTouchCache(t *testing.T) {
	s, conn, rec := newService(t, Config{})
	s.orders.InitializeFromSnapshot([]domain.Order{
		{ID: "1", Pair: btcUSDT, Side: domain.SideBuy, Price: d("1"), Amount: d("1"), Status: domain.OrderStatusOpen},
		{ID: "2", Pair: btcUSDT, Side: domain.SideSell, Price: d("2"), Amount: d("1"), Status: domain.OrderStatusOpen},
	})
	conn.On("CancelOrder", mock.Anything, "1", btcUSDT).Return(nil)
	conn.On("CancelOrder", mock.Anything, "2", btcUSDT).Return(errors.New("unknown order"))

	s.CancelOrders(context.Background(), []domain.OrderRef{
		{ID: "1", Symbol: "BTC/USDT"},
		{ID: "2", Symbol: "BTCUSDT"},
	})

	assert.Equal(t, []string{LogCancelling, LogCancelling, LogCancelFailed}, rec.statuses())
	assert.Equal(t, "unknown order", rec.logs[2].Reason)
	assert.Len(t, s.OpenOrders(), 2)
	conn.AssertExpectations(t)
}

func TestCancelAllOrders(t *testing.T) {
	t.Run("nothing open", func(t *testing.T) {
		s, _, rec := newService(t, Config{})
		s.CancelAllOrders(context.Background())

		require.Len(t, rec.logs, 1)
		assert.Equal(t, LogInfo, rec.logs[0].Status)
		assert.Equal(t, "No open orders to cancel.", rec.logs[0].Message)
	})

	t.Run("cancels every open order", func(t *testing.T) {
		s, conn, rec := newService(t, Config{})
		s.orders.InitializeFromSnapshot([]domain.Order{
			{ID: "1", Pair: btcUSDT, Side: domain.SideBuy, Price: d("1"), Amount: d("1"), Status: domain.OrderStatusOpen},
			{ID: "2", Pair: ethUSDT, Side: domain.SideBuy, Price: d("1"), Amount: d("1"), Status: domain.OrderStatusOpen},
		})
		conn.On("CancelOrder", mock.Anything, "1", btcUSDT).Return(nil)
		conn.On("CancelOrder", mock.Anything, "2", ethUSDT).Return(nil)

		s.CancelAllOrders(context.Background())

		assert.Equal(t, []string{LogInfo}, rec.statuses())
		assert.Equal(t, "Cancelling all 2 orders.", rec.logs[0].Message)
		assert.Len(t, s.OpenOrders(), 2)
		conn.AssertExpectations(t)
	})
}

func TestPlaceOrder(t *testing.T) {
	s, conn, rec := newService(t, Config{})
	req := domain.OrderRequest{Pair: btcUSDT, Side: domain.SideBuy, Price: d("100"), Amount: d("0.1")}
	conn.On("CreateOrder", mock.Anything, req).Return(domain.Order{ID: "77"}, nil).Once()

	o, err := s.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "77", o.ID)
	assert.Empty(t, s.OpenOrders())

	_, err = s.PlaceOrder(context.Background(), domain.OrderRequest{Pair: btcUSDT, Side: domain.SideBuy})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	conn.On("CreateOrder", mock.Anything, req).Return(domain.Order{}, errors.New("insufficient balance")).Once()
	_, err = s.PlaceOrder(context.Background(), req)
	assert.Error(t, err)
	assert.Equal(t, []string{LogOrderFailed}, rec.statuses())
}

func TestStreamStatusReportsBackoff(t *testing.T) {
	s, _, rec := newService(t, Config{})
	now := time.Now()

	s.onStreamState(StreamOrders, supervisor.StateConnecting, now)
	s.onStreamState(StreamOrders, supervisor.StateStreaming, now)
	assert.Empty(t, rec.ofKind(domain.MessageStreamStatus))

	s.onStreamState(StreamOrders, supervisor.StateBackoff, now)
	s.onStreamState(StreamOrders, supervisor.StateConnecting, now)
	require.Len(t, rec.ofKind(domain.MessageStreamStatus), 1)

	var stale bool
	for _, m := range s.Replay() {
		if st, ok := m.(domain.StreamStatus); ok && st.Stream == StreamOrders {
			stale = true
		}
	}
	assert.True(t, stale, "new observers learn about the stale stream")

	s.onStreamState(StreamOrders, supervisor.StateStreaming, now)
	statuses := rec.ofKind(domain.MessageStreamStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, "streaming", statuses[1].(domain.StreamStatus).State)
	assert.Equal(t, "streaming", s.Streams()[StreamOrders].State)
}

func TestReplayOrder(t *testing.T) {
	s, _, _ := newService(t, Config{Follows: []string{"ETH"}, ValueDecimalPlaces: 2})
	_, err := s.balances.Upsert("BTC", d("1"), d("1"), d("0"))
	require.NoError(t, err)
	s.balances.Follow("ETH")
	s.prices.Update("ETH", d("3000"))

	var kinds []domain.MessageType
	for _, m := range s.Replay() {
		kinds = append(kinds, m.Kind())
	}
	assert.Equal(t, []domain.MessageType{
		domain.MessageTrackedCoins,
		domain.MessageValueFormat,
		domain.MessageBalanceUpdate,
		domain.MessageBalanceUpdate,
		domain.MessagePriceUpdate,
		domain.MessageOrdersUpdate,
	}, kinds)

	prices := s.Prices()
	assert.True(t, prices["ETH"].Equal(d("3000")))
	assert.True(t, prices["USDT"].Equal(d("1")))
}

func TestRunStreamsUntilCancelled(t *testing.T) {
	s, conn, rec := newService(t, Config{})
	conn.On("FetchClosedOrders", mock.Anything, ethUSDT).Return(nil, nil)
	conn.On("FetchTickers", mock.Anything, mock.Anything).Return(map[string]decimal.Decimal{"ETH": d("3000")}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	conn.balances <- []domain.AssetBalance{{Asset: "ETH", Free: d("1")}}
	assert.Eventually(t, func() bool {
		for _, a := range s.Tracked() {
			if a == "ETH" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	conn.tickers <- map[string]decimal.Decimal{"ETH": d("3100")}
	assert.Eventually(t, func() bool {
		eth, _ := s.Balance("ETH")
		return eth.Price.Equal(d("3100"))
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, rec.ofKind(domain.MessageBalanceUpdate))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
