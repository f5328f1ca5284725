package clients

import (
	"github.com/hirokisan/bybit/v2"
)

const bybitTestnetURL = "https://api-testnet.bybit.com"

func NewBybitClient(apiKey, apiSecret string, testnet bool) *bybit.Client {
	client := bybit.NewClient().WithAuth(apiKey, apiSecret)
	if testnet {
		client = client.WithBaseURL(bybitTestnetURL)
	}
	return client
}
