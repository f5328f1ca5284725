// Package config loads the YAML process configuration and per-exchange credentials.
package config

import (
	"bytes"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen             = ":8000"
	DefaultReferenceDir       = "./wal/reference"
	DefaultQuoteCurrency      = "USDT"
	DefaultValueDecimalPlaces = 3
	DefaultPollInterval       = 3 * time.Second
)

const (
	Binance     = "binance"
	Bybit       = "bybit"
	Hyperliquid = "hyperliquid"
)

// Supported lists the exchanges a config may name.
var Supported = []string{Binance, Bybit, Hyperliquid}

var ErrInvalidConfig = errors.New("invalid config")

type File struct {
	Listen       string     `yaml:"listen"`
	ReferenceDir string     `yaml:"reference_dir"`
	Exchanges    []Exchange `yaml:"exchanges"`
}

// Exchange is one mirrored exchange account.
type Exchange struct {
	Name          string   `yaml:"name"`
	QuoteCurrency string   `yaml:"quote_currency,omitempty"`
	Follows       []string `yaml:"follows,omitempty"`
	// ValueDecimalPlaces is nil when the file does not set it.
	ValueDecimalPlaces *int          `yaml:"value_decimal_places,omitempty"`
	PollInterval       time.Duration `yaml:"poll_interval,omitempty"`
	Testnet            Testnet       `yaml:"testnet,omitempty"`
}

type Testnet struct {
	Use       bool     `yaml:"use"`
	Whitelist []string `yaml:"whitelist,omitempty"`
}

// DecimalPlaces returns the configured value precision or the default.
func (e Exchange) DecimalPlaces() int {
	if e.ValueDecimalPlaces == nil {
		return DefaultValueDecimalPlaces
	}
	return *e.ValueDecimalPlaces
}

// Load reads, defaults and validates the config file at path.
func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(raw)
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(raw []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, errors.Wrap(err, "decode config")
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f *File) applyDefaults() {
	if f.Listen == "" {
		f.Listen = DefaultListen
	}
	if f.ReferenceDir == "" {
		f.ReferenceDir = DefaultReferenceDir
	}
	for i := range f.Exchanges {
		ex := &f.Exchanges[i]
		ex.Name = strings.ToLower(strings.TrimSpace(ex.Name))
		ex.QuoteCurrency = strings.ToUpper(strings.TrimSpace(ex.QuoteCurrency))
		if ex.QuoteCurrency == "" {
			ex.QuoteCurrency = DefaultQuoteCurrency
		}
		if ex.PollInterval <= 0 {
			ex.PollInterval = DefaultPollInterval
		}
		ex.Follows = upper(ex.Follows)
		ex.Testnet.Whitelist = upper(ex.Testnet.Whitelist)
	}
}

func upper(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports the first configuration problem.
func (f File) Validate() error {
	if len(f.Exchanges) == 0 {
		return errors.Wrap(ErrInvalidConfig, "no exchanges configured")
	}
	seen := make(map[string]struct{}, len(f.Exchanges))
	for _, ex := range f.Exchanges {
		if !slices.Contains(Supported, ex.Name) {
			return errors.Wrapf(ErrInvalidConfig, "unsupported exchange %q", ex.Name)
		}
		if _, dup := seen[ex.Name]; dup {
			return errors.Wrapf(ErrInvalidConfig, "exchange %q configured twice", ex.Name)
		}
		seen[ex.Name] = struct{}{}

		if ex.DecimalPlaces() < 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s: value_decimal_places must not be negative", ex.Name)
		}
		if ex.Testnet.Use && len(ex.Testnet.Whitelist) == 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s: testnet mode needs a whitelist", ex.Name)
		}
	}
	return nil
}

// Write stores f as YAML at path.
func Write(path string, f File) error {
	raw, err := yaml.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return errors.Wrapf(os.WriteFile(path, raw, 0o600), "write config %s", path)
}
