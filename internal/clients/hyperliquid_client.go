package clients

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	hyperliquid "github.com/sonirico/go-hyperliquid"
)

const (
	hyperliquidMainnetURL = "https://api.hyperliquid.xyz"
	hyperliquidTestnetURL = "https://api.hyperliquid-testnet.xyz"
)

type HyperliquidClient struct {
	exchange    *hyperliquid.Exchange
	accountAddr string
}

// NewHyperliquidClient signs with the given hex private key; the account address is derived from it.
func NewHyperliquidClient(privateKeyHex string, testnet bool) (*HyperliquidClient, error) {
	privateKey, accountAddr, err := parseSigner(privateKeyHex)
	if err != nil {
		return nil, err
	}

	baseURL := hyperliquidMainnetURL
	if testnet {
		baseURL = hyperliquidTestnetURL
	}

	ex := hyperliquid.NewExchange(
		context.Background(),
		privateKey,
		baseURL,
		nil,
		"",
		accountAddr,
		nil,
	)

	return &HyperliquidClient{exchange: ex, accountAddr: accountAddr}, nil
}

func parseSigner(privateKeyHex string) (*ecdsa.PrivateKey, string, error) {
	key := strings.TrimPrefix(strings.TrimPrefix(privateKeyHex, "0x"), "0X")
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, "", errors.Wrap(err, "parse hyperliquid private key")
	}

	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, "", errors.New("error casting public key to ECDSA")
	}
	return privateKey, crypto.PubkeyToAddress(*pub).Hex(), nil
}

func (c *HyperliquidClient) Exchange() *hyperliquid.Exchange { return c.exchange }
func (c *HyperliquidClient) AccountAddress() string          { return c.accountAddr }
