package internal

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/accountmirror/config"
	"github.com/vadiminshakov/accountmirror/internal/events"
	"github.com/vadiminshakov/accountmirror/internal/metrics"
	"github.com/vadiminshakov/accountmirror/internal/services/account"
	"github.com/vadiminshakov/accountmirror/internal/storage/referencesnapshots"
	"github.com/vadiminshakov/accountmirror/internal/web"
)

// Dialer builds the connector of one configured exchange.
type Dialer func(ex config.Exchange, logger *zap.Logger) (account.Connector, error)

// Mirror is the running process: one account service per exchange, the
// observer hub and the HTTP server.
type Mirror struct {
	Config   config.File
	Hub      *events.Hub
	Metrics  *metrics.Metrics
	Accounts []*account.Service

	conns  []account.Connector
	store  *referencesnapshots.WALStore
	server *web.Server
	logger *zap.Logger
}

// NewMirror wires every configured exchange. Credentials are checked for all
// exchanges before anything starts.
func NewMirror(cfg config.File, dial Dialer, logger *zap.Logger) (*Mirror, error) {
	store, err := referencesnapshots.NewWALStore(cfg.ReferenceDir)
	if err != nil {
		return nil, errors.Wrap(err, "open reference snapshot store")
	}

	m := &Mirror{Config: cfg, Metrics: metrics.New(), store: store, logger: logger}
	m.Hub = events.NewHub(logger, events.WithStore(store), events.WithMetrics(m.Metrics))
	if err := m.Hub.Restore(); err != nil {
		logger.Warn("failed to restore reference snapshot", zap.Error(err))
	}

	webAccounts := make([]web.Account, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		conn, err := dial(ex, logger)
		if err != nil {
			m.Close()
			return nil, errors.Wrapf(err, "connect %s", ex.Name)
		}
		m.conns = append(m.conns, conn)

		svc := account.New(account.Config{
			Name:               ex.Name,
			Quote:              ex.QuoteCurrency,
			Follows:            ex.Follows,
			ValueDecimalPlaces: ex.DecimalPlaces(),
			AllowList:          ex.Testnet.Whitelist,
		}, conn, m.Hub, logger, account.WithReferences(m.Hub), account.WithMetrics(m.Metrics))

		m.Hub.Register(svc)
		m.Accounts = append(m.Accounts, svc)
		webAccounts = append(webAccounts, svc)
	}

	m.server = web.NewServer(cfg.Listen, m.Hub, webAccounts, logger, web.WithMetricsHandler(m.Metrics.Handler()))
	return m, nil
}

// Run loads every account snapshot, then streams until ctx is cancelled.
// A failed snapshot load is fatal for the whole process.
func (m *Mirror) Run(ctx context.Context) error {
	boot, bootCtx := errgroup.WithContext(ctx)
	for _, svc := range m.Accounts {
		boot.Go(func() error {
			if err := svc.Initialize(bootCtx); err != nil {
				return errors.Wrapf(err, "initialize %s", svc.Name())
			}
			m.logger.Info("account mirrored", zap.String("exchange", svc.Name()))
			return nil
		})
	}
	if err := boot.Wait(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range m.Accounts {
		g.Go(func() error { return svc.Run(gctx) })
	}
	g.Go(func() error { return m.server.Start(gctx) })

	return g.Wait()
}

// Close releases connectors and the snapshot store.
func (m *Mirror) Close() {
	for _, c := range m.conns {
		if err := c.Close(); err != nil {
			m.logger.Warn("failed to close connector", zap.Error(err))
		}
	}
	if err := m.store.Close(); err != nil {
		m.logger.Warn("failed to close reference store", zap.Error(err))
	}
}
