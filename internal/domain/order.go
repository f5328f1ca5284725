package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide maps exchange spellings (BUY, Buy, B, bid...) to a Side.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b", "bid":
		return SideBuy, true
	case "sell", "s", "a", "ask":
		return SideSell, true
	}
	return "", false
}

// OrderStatus lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusOpen, OrderStatusPartiallyFilled:
		return true
	}
	return s.Terminal()
}

// Order is an exchange order as last observed.
type Order struct {
	ID     string
	Pair   Pair
	Side   Side
	Price  decimal.Decimal
	Amount decimal.Decimal
	// Filled is the cumulative executed base quantity.
	Filled decimal.Decimal
	// FilledQuote is the cumulative executed quote quantity, zero when the source does not report it.
	FilledQuote decimal.Decimal
	// AvgPrice is the average execution price, zero when unknown.
	AvgPrice decimal.Decimal
	Status   OrderStatus
	Time     time.Time
}

// Value returns limit price times original amount.
func (o Order) Value() decimal.Decimal {
	return o.Price.Mul(o.Amount)
}

// Validate checks the fields every cache operation relies on.
func (o Order) Validate() error {
	switch {
	case o.ID == "":
		return ErrInvalidEvent
	case o.Pair.From == "" || o.Pair.To == "":
		return ErrInvalidEvent
	case o.Side != SideBuy && o.Side != SideSell:
		return ErrInvalidEvent
	case !o.Status.Valid():
		return ErrInvalidEvent
	case o.Filled.IsNegative() || o.Amount.IsNegative():
		return ErrInvalidEvent
	}
	return nil
}

// ExecutionPrice returns the best known average execution price.
func (o Order) ExecutionPrice() decimal.Decimal {
	if o.AvgPrice.IsPositive() {
		return o.AvgPrice
	}
	if o.FilledQuote.IsPositive() && o.Filled.IsPositive() {
		return o.FilledQuote.Div(o.Filled)
	}
	return o.Price
}

// OrderRef identifies an order to cancel.
type OrderRef struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
}

// OrderRequest describes a new limit order.
type OrderRequest struct {
	Pair   Pair
	Side   Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Fill is one executed trade used for cost-basis reconstruction.
type Fill struct {
	Side   Side
	Amount decimal.Decimal
	Price  decimal.Decimal
	Time   time.Time
}

// Validate checks that the request can be sent to an exchange.
func (r OrderRequest) Validate() error {
	switch {
	case r.Pair.From == "" || r.Pair.To == "":
		return ErrInvalidEvent
	case r.Side != SideBuy && r.Side != SideSell:
		return ErrInvalidEvent
	case !r.Price.IsPositive() || !r.Amount.IsPositive():
		return ErrInvalidEvent
	}
	return nil
}
