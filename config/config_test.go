package config

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
listen: ":9000"
exchanges:
  - name: Binance
    quote_currency: usdt
    follows: [eth, sol, ETH]
    value_decimal_places: 0
    testnet:
      use: true
      whitelist: [btc, eth, usdt]
  - name: bybit
    poll_interval: 5s
`

func TestParseAppliesDefaults(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, ":9000", f.Listen)
	assert.Equal(t, DefaultReferenceDir, f.ReferenceDir)
	require.Len(t, f.Exchanges, 2)

	bn := f.Exchanges[0]
	assert.Equal(t, Binance, bn.Name)
	assert.Equal(t, "USDT", bn.QuoteCurrency)
	assert.Equal(t, []string{"ETH", "SOL"}, bn.Follows)
	assert.Equal(t, 0, bn.DecimalPlaces())
	assert.Equal(t, DefaultPollInterval, bn.PollInterval)
	assert.Equal(t, []string{"BTC", "ETH", "USDT"}, bn.Testnet.Whitelist)

	bb := f.Exchanges[1]
	assert.Equal(t, DefaultQuoteCurrency, bb.QuoteCurrency)
	assert.Equal(t, DefaultValueDecimalPlaces, bb.DecimalPlaces())
	assert.Equal(t, 5*time.Second, bb.PollInterval)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no exchanges", "listen: ':1'\n"},
		{"unsupported", "exchanges:\n  - name: kraken\n"},
		{"duplicate", "exchanges:\n  - name: bybit\n  - name: BYBIT\n"},
		{"testnet without whitelist", "exchanges:\n  - name: binance\n    testnet:\n      use: true\n"},
		{"negative places", "exchanges:\n  - name: binance\n    value_decimal_places: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Parse([]byte("exchanges:\n  - name: binance\n    colour: red\n"))
	assert.Error(t, err)
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	places := 2
	in := File{
		Listen:       ":8001",
		ReferenceDir: "./ref",
		Exchanges: []Exchange{{
			Name: Hyperliquid, QuoteCurrency: "USDC", Follows: []string{"HYPE"},
			ValueDecimalPlaces: &places, PollInterval: time.Second,
		}},
	}
	require.NoError(t, Write(path, in))

	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadCredentials(t *testing.T) {
	ex := Exchange{Name: Binance}
	t.Run("missing", func(t *testing.T) {
		_, err := LoadCredentials(ex)
		assert.ErrorIs(t, err, ErrMissingCredentials)
	})

	t.Run("placeholder", func(t *testing.T) {
		t.Setenv("EXCHANGE_BINANCE_API_KEY", "YOUR_BINANCE_API_KEY")
		t.Setenv("EXCHANGE_BINANCE_SECRET_KEY", "secret")
		_, err := LoadCredentials(ex)
		assert.ErrorIs(t, err, ErrPlaceholderCredentials)
	})

	t.Run("testnet prefix", func(t *testing.T) {
		t.Setenv("EXCHANGE_BINANCE_TESTNET_API_KEY", "key")
		t.Setenv("EXCHANGE_BINANCE_TESTNET_SECRET_KEY", "secret")
		creds, err := LoadCredentials(Exchange{Name: Binance, Testnet: Testnet{Use: true}})
		require.NoError(t, err)
		assert.Equal(t, Credentials{APIKey: "key", SecretKey: "secret"}, creds)
	})

	t.Run("hyperliquid needs only the private key", func(t *testing.T) {
		t.Setenv("EXCHANGE_HYPERLIQUID_SECRET_KEY", "0xabc")
		creds, err := LoadCredentials(Exchange{Name: Hyperliquid})
		require.NoError(t, err)
		assert.Equal(t, "0xabc", creds.SecretKey)
	})
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, Flags{ConfigPath: "config.yaml"}, f)

	f, err = ParseFlags([]string{"-config", "x.yaml", "-setup", "-debug"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, Flags{ConfigPath: "x.yaml", Setup: true, Debug: true}, f)

	_, err = ParseFlags([]string{"-nope"}, io.Discard)
	assert.Error(t, err)
}
