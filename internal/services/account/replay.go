package account

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
)

// Replay renders the current account view for a new observer: followed assets,
// value format, balances, prices of unheld assets, open orders and any stale stream.
func (s *Service) Replay() []domain.Message {
	out := []domain.Message{
		domain.TrackedCoins{
			Type:     domain.MessageTrackedCoins,
			Exchange: s.cfg.Name,
			Follows:  s.balances.Followed(),
		},
		domain.ValueFormat{
			Type:               domain.MessageValueFormat,
			Exchange:           s.cfg.Name,
			ValueDecimalPlaces: s.cfg.ValueDecimalPlaces,
			QuoteCurrency:      s.cfg.Quote,
		},
	}
	out = append(out, s.balances.Messages()...)
	out = append(out, s.prices.UnheldMessages()...)
	out = append(out, domain.NewOrdersUpdate(s.cfg.Name, s.cfg.Quote, s.orders.Snapshot()))

	streams := s.Streams()
	names := make([]string, 0, len(streams))
	for name, info := range streams {
		if info.stale {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, s.streamStatus(name, streams[name]))
	}

	return out
}

// Prices returns the latest price of every known asset.
func (s *Service) Prices() map[string]decimal.Decimal {
	out := s.balances.Prices()
	for asset, p := range s.prices.Prices() {
		out[asset] = p
	}
	return out
}

// Balance returns the cached balance of asset.
func (s *Service) Balance(asset string) (domain.Balance, bool) {
	return s.balances.Get(asset)
}

// OpenOrders returns cached open orders.
func (s *Service) OpenOrders() []domain.Order {
	return s.orders.Snapshot()
}

// Tracked returns the current tracked asset set.
func (s *Service) Tracked() []string {
	return s.tracker.Tracked()
}
