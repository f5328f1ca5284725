// Package connector adapts exchange SDKs to the account service: REST snapshots,
// backfills, commands and blocking watch calls that return one batch per call.
package connector

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"github.com/vadiminshakov/accountmirror/internal/services/account"
)

var (
	_ account.Connector = (*Binance)(nil)
	_ account.Connector = (*Bybit)(nil)
	_ account.Connector = (*Hyperliquid)(nil)
)

// quote currencies tried when a concatenated symbol does not end in the account quote.
var knownQuotes = []string{"USDT", "USDC", "FDUSD", "TUSD", "BUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// splitSymbol turns BTCUSDT into BTC/USDT, preferring the account quote currency.
func splitSymbol(symbol, quote string) (domain.Pair, bool) {
	if p, ok := domain.SplitSymbol(symbol, quote); ok {
		return p, true
	}
	for _, q := range knownQuotes {
		if p, ok := domain.SplitSymbol(symbol, q); ok {
			return p, true
		}
	}
	return domain.Pair{}, false
}

// parseDecimal parses an exchange number; the empty string is zero.
func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(domain.ErrInvalidEvent, "number %q", s)
	}
	return d, nil
}

// anyDecimal parses SDK fields whose Go type differs between versions (string or float).
func anyDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case string:
		return parseDecimal(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	case nil:
		return decimal.Zero, nil
	}
	return parseDecimal(fmt.Sprint(v))
}

// decimals parses several fields at once and reports the first failure.
func decimals(fields ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		d, err := parseDecimal(f)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// binanceStatus maps Binance order statuses. A pending cancel is still live; filled
// decides whether it is open or partially filled.
func binanceStatus(s string, filled decimal.Decimal) (domain.OrderStatus, bool) {
	switch strings.ToUpper(s) {
	case "NEW", "PENDING_NEW":
		return domain.OrderStatusOpen, true
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled, true
	case "PENDING_CANCEL":
		return openStatus(filled), true
	case "FILLED":
		return domain.OrderStatusFilled, true
	case "CANCELED":
		return domain.OrderStatusCanceled, true
	case "REJECTED":
		return domain.OrderStatusRejected, true
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStatusExpired, true
	}
	return "", false
}

// bybitStatus maps Bybit V5 order statuses.
func bybitStatus(s string) (domain.OrderStatus, bool) {
	switch s {
	case "New", "Created", "Untriggered", "Active":
		return domain.OrderStatusOpen, true
	case "PartiallyFilled":
		return domain.OrderStatusPartiallyFilled, true
	case "Filled":
		return domain.OrderStatusFilled, true
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return domain.OrderStatusCanceled, true
	case "Rejected":
		return domain.OrderStatusRejected, true
	case "Triggered":
		return domain.OrderStatusOpen, true
	}
	return "", false
}

// openStatus picks open or partially filled from the filled amount.
func openStatus(filled decimal.Decimal) domain.OrderStatus {
	if filled.IsPositive() {
		return domain.OrderStatusPartiallyFilled
	}
	return domain.OrderStatusOpen
}
