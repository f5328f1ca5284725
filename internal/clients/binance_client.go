package clients

import (
	"github.com/adshao/go-binance/v2"
)

// NewBinanceClient builds a spot client. Testnet is a package-wide switch in the SDK.
func NewBinanceClient(apiKey, apiSecret string, testnet bool) *binance.Client {
	if testnet {
		binance.UseTestnet = true
	}
	return binance.NewClient(apiKey, apiSecret)
}
