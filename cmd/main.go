// Command accountmirror keeps a live mirror of exchange account state
// (balances, cost basis, open orders, prices) and streams it to observers.
//
// Usage:
//
//	accountmirror -config config.yaml
//	accountmirror -setup -config config.yaml
//
// Credentials are read from the environment per exchange:
//
//	EXCHANGE_<NAME>_API_KEY, EXCHANGE_<NAME>_SECRET_KEY
//	EXCHANGE_<NAME>_TESTNET_API_KEY, EXCHANGE_<NAME>_TESTNET_SECRET_KEY (testnet mode)
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/accountmirror/config"
	"github.com/vadiminshakov/accountmirror/internal"
	"github.com/vadiminshakov/accountmirror/internal/setup"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}

	if flags.Setup {
		return setup.RunTUI(flags.ConfigPath)
	}

	logger, err := newLogger(flags.Debug)
	if err != nil {
		return errors.Wrap(err, "failed to create logger")
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}

	mirror, err := internal.NewMirror(cfg, internal.DialExchange, logger)
	if err != nil {
		return err
	}
	defer mirror.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting account mirror",
		zap.Int("exchanges", len(cfg.Exchanges)), zap.String("listen", cfg.Listen))
	if err := mirror.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("account mirror stopped")
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
