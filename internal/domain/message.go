package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MessageType discriminates observer messages on the wire.
type MessageType string

const (
	MessageBalanceUpdate      MessageType = "balance_update"
	MessagePriceUpdate        MessageType = "price_update"
	MessageRemoveHolding      MessageType = "remove_holding"
	MessageOrdersUpdate       MessageType = "orders_update"
	MessageLog                MessageType = "log"
	MessageExchangesList      MessageType = "exchanges_list"
	MessageReferencePriceInfo MessageType = "reference_price_info"
	MessageTrackedCoins       MessageType = "tracked_coins"
	MessageValueFormat        MessageType = "value_format"
	MessageStreamStatus       MessageType = "stream_status"
)

// Message is anything delivered to observers.
type Message interface {
	Kind() MessageType
}

// BalanceUpdate is the full holdings view of one asset.
type BalanceUpdate struct {
	Type               MessageType         `json:"type"`
	Exchange           string              `json:"exchange"`
	Symbol             string              `json:"symbol"`
	Price              decimal.Decimal     `json:"price"`
	Free               decimal.Decimal     `json:"free"`
	Locked             decimal.Decimal     `json:"locked"`
	Value              decimal.Decimal     `json:"value"`
	AvgBuyPrice        decimal.NullDecimal `json:"avg_buy_price"`
	RealizedPnL        decimal.NullDecimal `json:"realized_pnl"`
	UnrealizedPnL      decimal.NullDecimal `json:"unrealized_pnl"`
	QuoteCurrency      string              `json:"quote_currency"`
	PriceChangePercent *decimal.Decimal    `json:"price_change_percent,omitempty"`
	ReferenceTime      *time.Time          `json:"reference_time,omitempty"`
}

func (m BalanceUpdate) Kind() MessageType { return MessageBalanceUpdate }

// NewBalanceUpdate renders a cached balance for observers.
func NewBalanceUpdate(exchange, quote string, b Balance) BalanceUpdate {
	return BalanceUpdate{
		Type:          MessageBalanceUpdate,
		Exchange:      exchange,
		Symbol:        b.Asset,
		Price:         b.Price,
		Free:          b.Free,
		Locked:        b.Locked,
		Value:         b.Value(),
		AvgBuyPrice:   b.AvgBuyPrice,
		RealizedPnL:   b.RealizedPnL,
		UnrealizedPnL: b.UnrealizedPnL(),
		QuoteCurrency: quote,
	}
}

// WithReference attaches the percent move against a reference price.
func (m BalanceUpdate) WithReference(refPrice decimal.Decimal, refTime time.Time) BalanceUpdate {
	if !refPrice.IsPositive() {
		return m
	}
	pct := m.Price.Sub(refPrice).Div(refPrice).Mul(decimal.NewFromInt(100))
	m.PriceChangePercent = &pct
	m.ReferenceTime = &refTime
	return m
}

// PriceUpdate carries a price for a tracked asset the account does not hold.
type PriceUpdate struct {
	Type     MessageType     `json:"type"`
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
}

func (m PriceUpdate) Kind() MessageType { return MessagePriceUpdate }

// NewPriceUpdate builds a price-only message.
func NewPriceUpdate(exchange, asset string, price decimal.Decimal) PriceUpdate {
	return PriceUpdate{Type: MessagePriceUpdate, Exchange: exchange, Symbol: asset, Price: price}
}

// RemoveHolding tells observers an asset row is gone.
type RemoveHolding struct {
	Type     MessageType `json:"type"`
	Exchange string      `json:"exchange"`
	Symbol   string      `json:"symbol"`
}

func (m RemoveHolding) Kind() MessageType { return MessageRemoveHolding }

// NewRemoveHolding builds a remove_holding message.
func NewRemoveHolding(exchange, asset string) RemoveHolding {
	return RemoveHolding{Type: MessageRemoveHolding, Exchange: exchange, Symbol: asset}
}

// OrderView is the observer representation of an open order.
type OrderView struct {
	ID            string          `json:"id"`
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
	Value         decimal.Decimal `json:"value"`
	QuoteCurrency string          `json:"quote_currency"`
	Status        OrderStatus     `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OrdersUpdate is the full open-order snapshot of one exchange.
type OrdersUpdate struct {
	Type     MessageType `json:"type"`
	Exchange string      `json:"exchange"`
	Data     []OrderView `json:"data"`
}

func (m OrdersUpdate) Kind() MessageType { return MessageOrdersUpdate }

// NewOrdersUpdate renders cached orders for observers.
func NewOrdersUpdate(exchange, quote string, orders []Order) OrdersUpdate {
	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, OrderView{
			ID:            o.ID,
			Exchange:      exchange,
			Symbol:        o.Pair.String(),
			Side:          o.Side,
			Price:         o.Price,
			Amount:        o.Amount,
			Filled:        o.Filled,
			Value:         o.Value(),
			QuoteCurrency: quote,
			Status:        o.Status,
			Timestamp:     o.Time,
		})
	}
	return OrdersUpdate{Type: MessageOrdersUpdate, Exchange: exchange, Data: views}
}

// LogEntry is the payload of an audit-trail message.
type LogEntry struct {
	Status  string           `json:"status"`
	Symbol  string           `json:"symbol,omitempty"`
	Side    Side             `json:"side,omitempty"`
	OrderID string           `json:"order_id,omitempty"`
	Price   *decimal.Decimal `json:"price,omitempty"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Message string           `json:"message,omitempty"`
}

// LogMessage is an operational/audit message shown to observers.
type LogMessage struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Exchange  string      `json:"exchange"`
	Message   LogEntry    `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

func (m LogMessage) Kind() MessageType { return MessageLog }

// ExchangesList names the exchanges an observer will receive updates for.
type ExchangesList struct {
	Type MessageType `json:"type"`
	Data []string    `json:"data"`
}

func (m ExchangesList) Kind() MessageType { return MessageExchangesList }

// ReferencePriceInfo replays the reference snapshot to a new observer.
type ReferencePriceInfo struct {
	Type   MessageType                           `json:"type"`
	Time   time.Time                             `json:"time"`
	Prices map[string]map[string]decimal.Decimal `json:"prices"`
}

func (m ReferencePriceInfo) Kind() MessageType { return MessageReferencePriceInfo }

// TrackedCoins lists the followed assets of an exchange.
type TrackedCoins struct {
	Type     MessageType `json:"type"`
	Exchange string      `json:"exchange"`
	Follows  []string    `json:"follows"`
}

func (m TrackedCoins) Kind() MessageType { return MessageTrackedCoins }

// ValueFormat tells observers how to render values of an exchange.
type ValueFormat struct {
	Type               MessageType `json:"type"`
	Exchange           string      `json:"exchange"`
	ValueDecimalPlaces int         `json:"value_decimal_places"`
	QuoteCurrency      string      `json:"quote_currency"`
}

func (m ValueFormat) Kind() MessageType { return MessageValueFormat }

// StreamStatus reports that a streaming loop entered or left backoff.
// Observers use it to mark views of that exchange as stale.
type StreamStatus struct {
	Type     MessageType `json:"type"`
	Exchange string      `json:"exchange"`
	Stream   string      `json:"stream"`
	State    string      `json:"state"`
	Since    time.Time   `json:"since"`
}

func (m StreamStatus) Kind() MessageType { return MessageStreamStatus }
