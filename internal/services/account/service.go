// Package account mirrors one exchange account. It loads a REST snapshot, keeps the
// balance, order and price caches current from the exchange streams and publishes
// every visible change to observers.
package account

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"github.com/vadiminshakov/accountmirror/internal/metrics"
	"github.com/vadiminshakov/accountmirror/internal/services/balances"
	"github.com/vadiminshakov/accountmirror/internal/services/costbasis"
	"github.com/vadiminshakov/accountmirror/internal/services/orders"
	"github.com/vadiminshakov/accountmirror/internal/services/prices"
	"github.com/vadiminshakov/accountmirror/internal/services/supervisor"
	"github.com/vadiminshakov/accountmirror/internal/services/tracker"
	"github.com/vadiminshakov/accountmirror/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stream names used in logs, metrics and stream_status messages.
const (
	StreamBalance = "balance"
	StreamOrders  = "orders"
	StreamTickers = "tickers"
)

const defaultBackfillWorkers = 4

// Config describes one mirrored account.
type Config struct {
	Name               string
	Quote              string
	Follows            []string
	ValueDecimalPlaces int
	// AllowList limits mirrored assets, used in testnet mode. Empty means everything.
	AllowList       []string
	Backoff         time.Duration
	BackfillWorkers int
}

// StreamInfo is the last known state of a supervised stream.
type StreamInfo struct {
	State string    `json:"state"`
	Since time.Time `json:"since"`
	stale bool
}

// Service is the account sync root for one exchange.
type Service struct {
	cfg     Config
	conn    Connector
	pub     Publisher
	refs    balances.ReferenceSource
	retrier *retrier.Retrier
	metrics *metrics.Metrics
	logger  *zap.Logger
	allow   map[string]struct{}

	balances *balances.Cache
	orders   *orders.Cache
	prices   *prices.Cache
	tracker  *tracker.Coordinator

	streamsMu sync.RWMutex
	streams   map[string]StreamInfo
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithReferences enables percent-change decoration of balance messages.
func WithReferences(refs balances.ReferenceSource) Option {
	return func(s *Service) { s.refs = refs }
}

// WithRetrier overrides the retry policy of REST backfills.
func WithRetrier(r *retrier.Retrier) Option {
	return func(s *Service) { s.retrier = r }
}

// New wires the caches of one account. Nothing touches the network until Initialize.
func New(cfg Config, conn Connector, pub Publisher, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Quote = strings.ToUpper(cfg.Quote)
	if cfg.BackfillWorkers <= 0 {
		cfg.BackfillWorkers = defaultBackfillWorkers
	}

	s := &Service{
		cfg:     cfg,
		conn:    conn,
		pub:     pub,
		retrier: retrier.New(),
		logger:  logger.With(zap.String("exchange", cfg.Name)),
		streams: make(map[string]StreamInfo),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(cfg.AllowList) > 0 {
		s.allow = make(map[string]struct{}, len(cfg.AllowList))
		for _, a := range cfg.AllowList {
			s.allow[strings.ToUpper(a)] = struct{}{}
		}
	}

	s.balances = balances.New(cfg.Name, cfg.Quote, s.refs, s.logger)
	s.orders = orders.New()
	s.prices = prices.New(cfg.Name, cfg.Quote, s.balances, conn, s.logger)

	trackerOpts := []tracker.Option{
		tracker.WithBackfill(s.backfillPrices),
		tracker.WithChangeHook(func(n int) { s.metrics.TrackedAssets(cfg.Name, n) }),
	}
	if len(cfg.AllowList) > 0 {
		trackerOpts = append(trackerOpts, tracker.WithAllowList(cfg.AllowList))
	}
	s.tracker = tracker.New(cfg.Quote, tracker.Sources{
		Held:        s.balances.Held,
		OrderAssets: s.orders.OrderAssets,
		Followed:    s.balances.Followed,
	}, s.startWatcher, s.logger, trackerOpts...)

	return s
}

// Name returns the exchange name.
func (s *Service) Name() string { return s.cfg.Name }

func (s *Service) allowed(asset string) bool {
	if s.allow == nil {
		return true
	}
	_, ok := s.allow[strings.ToUpper(asset)]
	return ok
}

// Initialize loads balances and open orders over REST, reconstructs cost basis of
// every held asset and creates records for followed assets.
func (s *Service) Initialize(ctx context.Context) error {
	snapshot, err := retrier.DoWithData(ctx, s.retrier, s.conn.FetchBalance)
	if err != nil {
		return errors.Wrap(err, "fetch balance snapshot")
	}

	var held []string
	for _, b := range snapshot {
		if !s.allowed(b.Asset) {
			continue
		}
		change, err := s.balances.Upsert(b.Asset, b.Total(), b.Free, b.Locked)
		if err != nil {
			s.logger.Warn("skipping invalid balance", zap.String("asset", b.Asset), zap.Error(err))
			continue
		}
		if change == balances.ChangeCreated {
			held = append(held, strings.ToUpper(b.Asset))
		}
	}
	s.balances.Settle()
	s.backfillCostBasis(ctx, held)

	for _, asset := range s.cfg.Follows {
		if s.allowed(asset) {
			s.balances.Follow(asset)
		}
	}

	open, err := retrier.DoWithData(ctx, s.retrier, s.conn.FetchOpenOrders)
	if err != nil {
		return errors.Wrap(err, "fetch open orders")
	}
	live := make([]domain.Order, 0, len(open))
	for _, o := range open {
		if s.allowed(o.Pair.From) {
			live = append(live, o)
		}
	}
	n := s.orders.InitializeFromSnapshot(live)

	s.logger.Info("account snapshot loaded",
		zap.Int("held", len(held)), zap.Int("followed", len(s.cfg.Follows)), zap.Int("open_orders", n))
	s.updateCacheMetrics()

	return nil
}

// backfillCostBasis reconstructs cost basis of assets in parallel.
func (s *Service) backfillCostBasis(ctx context.Context, assets []string) {
	targets := make([]string, 0, len(assets))
	for _, a := range assets {
		if a != s.cfg.Quote {
			targets = append(targets, a)
		}
	}
	if len(targets) == 0 {
		return
	}

	pool := pond.New(s.cfg.BackfillWorkers, len(targets),
		pond.PanicHandler(func(p interface{}) {
			s.logger.Error("cost basis backfill panicked", zap.Any("panic", p))
		}),
	)
	for _, asset := range targets {
		pool.Submit(func() { s.reconstructCostBasis(ctx, asset) })
	}
	pool.StopAndWait()
}

// reconstructCostBasis replays the closed-order history of asset against its current holding.
func (s *Service) reconstructCostBasis(ctx context.Context, asset string) {
	if asset == s.cfg.Quote {
		return
	}
	rec, ok := s.balances.Get(asset)
	if !ok || !rec.Held() {
		return
	}

	pair := domain.NewPair(asset, s.cfg.Quote)
	history, err := retrier.DoWithData(ctx, s.retrier, func(ctx context.Context) ([]domain.Order, error) {
		return s.conn.FetchClosedOrders(ctx, pair)
	})
	if err != nil {
		s.logger.Warn("failed to fetch order history", zap.String("symbol", pair.String()), zap.Error(err))
		return
	}

	res := costbasis.Reconstruct(rec.Total(), costbasis.FillsFromOrders(history))
	s.balances.SetCostBasis(asset, res.AvgBuyPrice, res.RealizedPnL)
	if !res.AvgBuyPrice.Valid {
		s.logger.Info("cost basis not reconstructable from history",
			zap.String("asset", asset), zap.Int("orders", len(history)))
	}
}

// Run streams until ctx is done. Initialize must have succeeded.
func (s *Service) Run(ctx context.Context) error {
	defer s.tracker.Stop()

	s.recompute(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.supervisor(StreamBalance).Run(ctx, s.balanceStep)
	})
	g.Go(func() error {
		return s.supervisor(StreamOrders).Run(ctx, s.ordersStep)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) supervisor(stream string) *supervisor.Supervisor {
	opts := []supervisor.Option{supervisor.WithStateHook(s.onStreamState)}
	if s.cfg.Backoff > 0 {
		opts = append(opts, supervisor.WithBackoff(s.cfg.Backoff))
	}
	return supervisor.New(stream, s.logger, opts...)
}

func (s *Service) recompute(ctx context.Context) {
	if _, err := s.tracker.Recompute(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("tracked set recompute failed", zap.Error(err))
	}
}

// startWatcher is the tracker's start function: one supervised ticker stream over assets.
func (s *Service) startWatcher(ctx context.Context, assets []string) tracker.Handle {
	pairs := s.prices.Pairs(assets)
	s.metrics.WatcherRestart(s.cfg.Name)
	s.logger.Info("starting price watcher", zap.Strings("assets", assets))

	return s.supervisor(StreamTickers).Go(ctx, func(ctx context.Context) error {
		batch, err := s.conn.WatchTickers(ctx, pairs)
		if err != nil {
			return errors.Wrap(err, "watch tickers")
		}
		s.handleTickers(batch)
		return nil
	})
}

// backfillPrices is the tracker's backfill function for newly tracked assets.
func (s *Service) backfillPrices(ctx context.Context, assets []string) {
	for _, msg := range s.prices.InitializeBatch(ctx, assets) {
		s.pub.Publish(msg)
	}
}

func (s *Service) balanceStep(ctx context.Context) error {
	batch, err := s.conn.WatchBalance(ctx)
	if err != nil {
		return errors.Wrap(err, "watch balance")
	}
	for _, b := range batch {
		s.handleBalance(ctx, b)
	}
	return nil
}

func (s *Service) ordersStep(ctx context.Context) error {
	batch, err := s.conn.WatchOrders(ctx)
	if err != nil {
		return errors.Wrap(err, "watch orders")
	}
	for _, o := range batch {
		s.handleOrder(ctx, o)
	}
	return nil
}

func (s *Service) handleBalance(ctx context.Context, b domain.AssetBalance) {
	asset := strings.ToUpper(b.Asset)
	if !s.allowed(asset) {
		return
	}

	change, err := s.balances.Upsert(asset, b.Total(), b.Free, b.Locked)
	if err != nil {
		s.logger.Warn("dropping balance event", zap.String("asset", asset), zap.Error(err))
		s.metrics.DroppedEvent(s.cfg.Name, "invalid")
		return
	}

	switch change {
	case balances.ChangeNone:
		return
	case balances.ChangeRemoved:
		s.pub.Publish(domain.NewRemoveHolding(s.cfg.Name, asset))
	case balances.ChangeCreated:
		s.reconstructCostBasis(ctx, asset)
		s.publishBalance(asset)
	case balances.ChangeReaccumulated:
		if rec, ok := s.balances.Get(asset); ok && !rec.AvgBuyPrice.Valid && !rec.RealizedPnL.Valid {
			s.reconstructCostBasis(ctx, asset)
		}
		s.publishBalance(asset)
	default:
		s.publishBalance(asset)
	}

	if change.MembershipChanged() {
		s.recompute(ctx)
	}
	s.updateCacheMetrics()
}

func (s *Service) handleOrder(ctx context.Context, o domain.Order) {
	if !s.allowed(o.Pair.From) {
		return
	}

	delta, err := s.orders.Apply(o)
	if err != nil {
		s.logger.Warn("dropping order event", zap.String("order_id", o.ID), zap.Error(err))
		s.metrics.DroppedEvent(s.cfg.Name, "invalid")
		return
	}

	if delta.HasFill() {
		s.applyFill(ctx, delta)
	}

	switch {
	case delta.Opened:
		price, amount := o.Price, o.Amount
		s.pub.Log(s.cfg.Name, domain.LogEntry{
			Status: string(o.Status), Symbol: o.Pair.String(), Side: o.Side, OrderID: o.ID,
			Price: &price, Amount: &amount,
		})
		if msg, err := s.prices.Refresh(ctx, o.Pair.From); err != nil {
			s.logger.Warn("failed to fetch price for new order", zap.String("symbol", o.Pair.String()), zap.Error(err))
		} else if msg != nil {
			s.pub.Publish(msg)
		}
	case delta.Closed && delta.Changed:
		entry := domain.LogEntry{Status: string(o.Status), Symbol: o.Pair.String(), Side: o.Side, OrderID: o.ID}
		if o.Status == domain.OrderStatusFilled {
			avg, filled := o.ExecutionPrice(), o.Filled
			entry.Price, entry.Amount = &avg, &filled
		}
		s.pub.Log(s.cfg.Name, entry)
	}

	if delta.Changed {
		s.pub.Publish(domain.NewOrdersUpdate(s.cfg.Name, s.cfg.Quote, s.orders.Snapshot()))
	}
	if delta.Opened || (delta.Closed && delta.Changed) {
		s.recompute(ctx)
	}
	s.updateCacheMetrics()
}

// applyFill moves the filled quantity into the balance cache. Fills against a
// foreign quote currency carry no usable price and are left to the balance stream.
func (s *Service) applyFill(ctx context.Context, delta orders.Delta) {
	o := delta.Order
	if o.Pair.To != s.cfg.Quote {
		s.logger.Debug("ignoring fill on foreign quote pair", zap.String("symbol", o.Pair.String()))
		return
	}

	asset := o.Pair.From
	var (
		change balances.Change
		err    error
	)
	switch o.Side {
	case domain.SideBuy:
		change, err = s.balances.ApplyBuyFill(asset, delta.Amount, delta.Price)
	case domain.SideSell:
		change, err = s.balances.ApplySellFill(asset, delta.Amount, delta.Price)
	}
	if err != nil {
		reason := "invalid"
		if errors.Is(err, balances.ErrNoCostBasis) {
			reason = "no_cost_basis"
		}
		s.logger.Warn("skipping fill", zap.String("order_id", o.ID), zap.String("side", string(o.Side)), zap.Error(err))
		s.metrics.DroppedEvent(s.cfg.Name, reason)
		return
	}
	if change == balances.ChangeNone {
		return
	}

	s.publishBalance(asset)
	if change.MembershipChanged() {
		s.recompute(ctx)
	}
}

func (s *Service) handleTickers(batch map[string]decimal.Decimal) {
	assets := make([]string, 0, len(batch))
	for asset := range batch {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		if msg := s.prices.Update(asset, batch[asset]); msg != nil {
			s.pub.Publish(msg)
		}
	}
}

func (s *Service) publishBalance(asset string) {
	if msg, ok := s.balances.Message(asset); ok {
		s.pub.Publish(msg)
	}
}

func (s *Service) updateCacheMetrics() {
	s.metrics.CacheSizes(s.cfg.Name, len(s.balances.Snapshot()), s.orders.Len())
}

// onStreamState records supervisor transitions and reports entering and
// leaving backoff to observers.
func (s *Service) onStreamState(stream string, state supervisor.State, since time.Time) {
	s.streamsMu.Lock()
	prev := s.streams[stream]
	info := StreamInfo{State: state.String(), Since: since, stale: prev.stale}
	notify := false
	switch state {
	case supervisor.StateBackoff:
		notify = !prev.stale
		info.stale = true
	case supervisor.StateStreaming:
		notify = prev.stale
		info.stale = false
	}
	s.streams[stream] = info
	s.streamsMu.Unlock()

	s.metrics.StreamState(s.cfg.Name, stream, int(state))
	if state == supervisor.StateBackoff {
		s.metrics.StreamReconnect(s.cfg.Name, stream)
	}
	if notify {
		s.pub.Publish(s.streamStatus(stream, info))
	}
}

func (s *Service) streamStatus(stream string, info StreamInfo) domain.StreamStatus {
	return domain.StreamStatus{
		Type:     domain.MessageStreamStatus,
		Exchange: s.cfg.Name,
		Stream:   stream,
		State:    info.State,
		Since:    info.Since,
	}
}

// Streams returns the state of every stream that has run.
func (s *Service) Streams() map[string]StreamInfo {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()

	out := make(map[string]StreamInfo, len(s.streams))
	for k, v := range s.streams {
		out[k] = v
	}
	return out
}
