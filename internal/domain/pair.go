// Package domain defines the account state records shared by caches, connectors and observers.
package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Pair is a spot market identified by base asset and quote currency.
type Pair struct {
	// From base asset symbol.
	From string
	// To quote currency symbol.
	To string
}

// NewPair builds a pair from an asset and quote currency, normalizing case.
func NewPair(asset, quote string) Pair {
	return Pair{From: strings.ToUpper(asset), To: strings.ToUpper(quote)}
}

// ParsePair accepts "BTC/USDT", "BTC_USDT" and "BTC-USDT".
func ParsePair(s string) (Pair, error) {
	for _, sep := range []string{"/", "_", "-"} {
		parts := strings.Split(s, sep)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return NewPair(parts[0], parts[1]), nil
		}
	}
	return Pair{}, errors.Wrapf(ErrInvalidEvent, "invalid pair %q", s)
}

// SplitSymbol recovers a pair from a concatenated exchange symbol such as BTCUSDT.
func SplitSymbol(symbol, quote string) (Pair, bool) {
	symbol = strings.ToUpper(symbol)
	quote = strings.ToUpper(quote)
	if quote == "" || !strings.HasSuffix(symbol, quote) || len(symbol) == len(quote) {
		return Pair{}, false
	}
	return Pair{From: strings.TrimSuffix(symbol, quote), To: quote}, true
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.From, p.To)
}

// Symbol returns the concatenated symbol representation.
func (p Pair) Symbol() string {
	return p.From + p.To
}
