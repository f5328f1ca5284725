package config

import (
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/pkg/errors"
)

var (
	ErrMissingCredentials     = errors.New("missing credentials")
	ErrPlaceholderCredentials = errors.New("placeholder credentials")
)

// Credentials of one exchange account. For hyperliquid SecretKey is the hex private key.
type Credentials struct {
	APIKey    string `env:"API_KEY"`
	SecretKey string `env:"SECRET_KEY"`
}

// EnvPrefix returns EXCHANGE_<NAME>_ or EXCHANGE_<NAME>_TESTNET_.
func (e Exchange) EnvPrefix() string {
	prefix := "EXCHANGE_" + strings.ToUpper(e.Name) + "_"
	if e.Testnet.Use {
		prefix += "TESTNET_"
	}
	return prefix
}

// LoadCredentials reads the exchange credentials from the environment.
func LoadCredentials(e Exchange) (Credentials, error) {
	var c Credentials
	prefix := e.EnvPrefix()
	if err := env.ParseWithOptions(&c, env.Options{Prefix: prefix}); err != nil {
		return Credentials{}, errors.Wrapf(err, "parse %s credentials", e.Name)
	}
	return c, c.check(e.Name, prefix)
}

func (c Credentials) check(name, prefix string) error {
	if c.SecretKey == "" {
		return errors.Wrapf(ErrMissingCredentials, "%s: set %sSECRET_KEY", name, prefix)
	}
	if name != Hyperliquid && c.APIKey == "" {
		return errors.Wrapf(ErrMissingCredentials, "%s: set %sAPI_KEY", name, prefix)
	}

	placeholder := "YOUR_" + strings.ToUpper(name)
	if strings.Contains(strings.ToUpper(c.APIKey), placeholder) || strings.Contains(strings.ToUpper(c.SecretKey), placeholder) {
		return errors.Wrapf(ErrPlaceholderCredentials, "%s: replace the example values in %s*", name, prefix)
	}
	return nil
}
