package setup

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/accountmirror/config"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

var ErrCancelled = errors.New("setup cancelled by user")

// exchangeAnswers holds raw form input for one exchange.
type exchangeAnswers struct {
	name          string
	quote         string
	follows       string
	decimalPlaces string
	pollInterval  string
	testnet       bool
	whitelist     string
}

func screen(step string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("ACCOUNT MIRROR CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI asks for the mirrored exchanges and writes the YAML config to path.
// Credentials are never written; the summary lists the variables to export.
func RunTUI(path string) error {
	var (
		exchanges []string
		listen    = config.DefaultListen
		confirm   bool
	)

	screen("STEP 1: EXCHANGES")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Pick the accounts to mirror.\n"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Exchanges").
				Options(
					huh.NewOption("Binance", config.Binance),
					huh.NewOption("Bybit", config.Bybit),
					huh.NewOption("Hyperliquid", config.Hyperliquid),
				).
				Validate(func(s []string) error {
					if len(s) == 0 {
						return fmt.Errorf("select at least one exchange")
					}
					return nil
				}).
				Value(&exchanges),
			huh.NewInput().
				Title("Listen address").
				Description("Observer stream and health endpoints").
				Value(&listen),
		),
	).Run()
	if err != nil {
		return err
	}

	answers := make([]exchangeAnswers, 0, len(exchanges))
	for i, name := range exchanges {
		a := exchangeAnswers{
			name:          name,
			quote:         config.DefaultQuoteCurrency,
			decimalPlaces: strconv.Itoa(config.DefaultValueDecimalPlaces),
			pollInterval:  config.DefaultPollInterval.String(),
		}
		if name == config.Hyperliquid {
			a.quote = "USDC"
		}

		screen(fmt.Sprintf("STEP %d: %s", i+2, strings.ToUpper(name)))
		fields := []huh.Field{
			huh.NewInput().Title("Quote currency").Value(&a.quote).Validate(notEmpty),
			huh.NewInput().
				Title("Followed assets").
				Description("Comma separated, shown even when not held (e.g. ETH, SOL)").
				Value(&a.follows),
			huh.NewInput().Title("Value decimal places").Value(&a.decimalPlaces).Validate(validateDecimalPlaces),
		}
		if name != config.Binance {
			fields = append(fields, huh.NewInput().
				Title("Poll interval").
				Description("Duration string (e.g. 3s, 10s)").
				Value(&a.pollInterval).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}))
		}
		fields = append(fields, huh.NewConfirm().Title("Use testnet?").Value(&a.testnet))

		if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
			return err
		}

		if a.testnet {
			err := huh.NewForm(huh.NewGroup(
				huh.NewInput().
					Title("Testnet whitelist").
					Description("Comma separated assets to mirror (e.g. BTC, ETH, USDT)").
					Value(&a.whitelist).
					Validate(func(s string) error {
						if len(parseAssetList(s)) == 0 {
							return fmt.Errorf("testnet mode needs at least one asset")
						}
						return nil
					}),
			)).Run()
			if err != nil {
				return err
			}
		}
		answers = append(answers, a)
	}

	f, err := build(listen, answers)
	if err != nil {
		return err
	}

	screen("FINAL CONFIRMATION")
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary(f)))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return ErrCancelled
	}

	if err := config.Write(path, f); err != nil {
		return err
	}
	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", path)))
	return nil
}

// build turns form answers into a validated config.
func build(listen string, answers []exchangeAnswers) (config.File, error) {
	f := config.File{Listen: strings.TrimSpace(listen), ReferenceDir: config.DefaultReferenceDir}
	for _, a := range answers {
		places, err := strconv.Atoi(strings.TrimSpace(a.decimalPlaces))
		if err != nil {
			return config.File{}, errors.Wrapf(err, "%s: decimal places", a.name)
		}
		poll, err := time.ParseDuration(strings.TrimSpace(a.pollInterval))
		if err != nil {
			return config.File{}, errors.Wrapf(err, "%s: poll interval", a.name)
		}

		ex := config.Exchange{
			Name:               a.name,
			QuoteCurrency:      strings.ToUpper(strings.TrimSpace(a.quote)),
			Follows:            parseAssetList(a.follows),
			ValueDecimalPlaces: &places,
			Testnet:            config.Testnet{Use: a.testnet},
		}
		if a.name != config.Binance {
			ex.PollInterval = poll
		}
		if a.testnet {
			ex.Testnet.Whitelist = parseAssetList(a.whitelist)
		}
		f.Exchanges = append(f.Exchanges, ex)
	}
	if err := f.Validate(); err != nil {
		return config.File{}, err
	}
	return f, nil
}

func summary(f config.File) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Listen: %s\n", f.Listen)
	for _, ex := range f.Exchanges {
		fmt.Fprintf(&b, "\n%s (quote %s)\n", ex.Name, ex.QuoteCurrency)
		if len(ex.Follows) > 0 {
			fmt.Fprintf(&b, "  follows: %s\n", strings.Join(ex.Follows, ", "))
		}
		if ex.Testnet.Use {
			fmt.Fprintf(&b, "  testnet, whitelist: %s\n", strings.Join(ex.Testnet.Whitelist, ", "))
		}
		if ex.Name != config.Hyperliquid {
			fmt.Fprintf(&b, "  export %sAPI_KEY=...\n", ex.EnvPrefix())
		}
		fmt.Fprintf(&b, "  export %sSECRET_KEY=...\n", ex.EnvPrefix())
	}
	return b.String()
}

func parseAssetList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		out = append(out, strings.ToUpper(part))
	}
	return out
}

func notEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("cannot be empty")
	}
	return nil
}

func validateDecimalPlaces(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a whole number")
	}
	if n < 0 || n > 8 {
		return fmt.Errorf("must be between 0 and 8")
	}
	return nil
}
