package internal

import (
	"fmt"

	binance "github.com/adshao/go-binance/v2"
	bybit "github.com/hirokisan/bybit/v2"
	"go.uber.org/zap"

	"github.com/vadiminshakov/accountmirror/config"
	"github.com/vadiminshakov/accountmirror/internal/clients"
	"github.com/vadiminshakov/accountmirror/internal/services/account"
	"github.com/vadiminshakov/accountmirror/internal/services/connector"
)

// NewClient builds the raw SDK client of an exchange.
func NewClient(ex config.Exchange, creds config.Credentials) (any, error) {
	switch ex.Name {
	case config.Binance:
		return clients.NewBinanceClient(creds.APIKey, creds.SecretKey, ex.Testnet.Use), nil
	case config.Bybit:
		return clients.NewBybitClient(creds.APIKey, creds.SecretKey, ex.Testnet.Use), nil
	case config.Hyperliquid:
		return clients.NewHyperliquidClient(creds.SecretKey, ex.Testnet.Use)
	default:
		return nil, fmt.Errorf("unsupported platform: %s", ex.Name)
	}
}

// NewConnector wraps a client built by NewClient.
// This is the single point of truth for dispatching to exchange-specific connectors.
func NewConnector(client any, ex config.Exchange, logger *zap.Logger) (account.Connector, error) {
	opts := connector.Options{Quote: ex.QuoteCurrency, PollInterval: ex.PollInterval}
	logger = logger.With(zap.String("exchange", ex.Name))

	switch c := client.(type) {
	case *binance.Client:
		return connector.NewBinance(c, opts, logger)
	case *bybit.Client:
		return connector.NewBybit(c, opts, logger)
	case *clients.HyperliquidClient:
		return connector.NewHyperliquid(c.Exchange(), c.AccountAddress(), opts, logger)
	default:
		return nil, fmt.Errorf("unsupported client type: %T", client)
	}
}

// DialExchange loads credentials and builds the connector of ex.
func DialExchange(ex config.Exchange, logger *zap.Logger) (account.Connector, error) {
	creds, err := config.LoadCredentials(ex)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(ex, creds)
	if err != nil {
		return nil, err
	}
	return NewConnector(client, ex, logger)
}
