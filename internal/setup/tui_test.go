package setup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/accountmirror/config"
)

func TestParseAssetList(t *testing.T) {
	assert.Equal(t, []string{"ETH", "SOL", "BTC"}, parseAssetList(" eth, sol  btc,"))
	assert.Nil(t, parseAssetList(" , "))
}

func TestValidateDecimalPlaces(t *testing.T) {
	assert.NoError(t, validateDecimalPlaces("0"))
	assert.NoError(t, validateDecimalPlaces(" 3 "))
	assert.Error(t, validateDecimalPlaces("x"))
	assert.Error(t, validateDecimalPlaces("9"))
	assert.Error(t, validateDecimalPlaces("-1"))
}

func TestBuild(t *testing.T) {
	f, err := build(":8000", []exchangeAnswers{
		{name: config.Binance, quote: "usdt", follows: "eth", decimalPlaces: "2", pollInterval: "3s"},
		{name: config.Bybit, quote: "USDT", decimalPlaces: "3", pollInterval: "10s", testnet: true, whitelist: "btc,usdt"},
	})
	require.NoError(t, err)
	require.Len(t, f.Exchanges, 2)

	bn := f.Exchanges[0]
	assert.Equal(t, "USDT", bn.QuoteCurrency)
	assert.Equal(t, []string{"ETH"}, bn.Follows)
	assert.Equal(t, 2, bn.DecimalPlaces())
	assert.Zero(t, bn.PollInterval)

	bb := f.Exchanges[1]
	assert.Equal(t, 10*time.Second, bb.PollInterval)
	assert.Equal(t, []string{"BTC", "USDT"}, bb.Testnet.Whitelist)

	s := summary(f)
	assert.Contains(t, s, "EXCHANGE_BYBIT_TESTNET_SECRET_KEY")
	assert.Contains(t, s, "EXCHANGE_BINANCE_API_KEY")
}

func TestBuildRejectsTestnetWithoutWhitelist(t *testing.T) {
	_, err := build(":8000", []exchangeAnswers{
		{name: config.Bybit, quote: "USDT", decimalPlaces: "3", pollInterval: "3s", testnet: true},
	})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
