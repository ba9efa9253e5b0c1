package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderRejected = errors.New("order rejected")
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrOrderNotFound = errors.New("order not found")
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// Filters are the venue's lot constraints for a symbol.
type Filters struct {
	MinQty      decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
}

type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

type EntryOrder struct {
	Symbol        string
	ClientOrderID string
	Qty           decimal.Decimal
	Type          OrderType
	LimitPrice    decimal.Decimal
	RefPrice      decimal.Decimal
	At            time.Time
}

// BracketOrder is the resting one-cancels-other exit for a long position.
type BracketOrder struct {
	Symbol         string
	ClientOrderID  string
	Qty            decimal.Decimal
	StopPrice      decimal.Decimal
	StopLimitPrice decimal.Decimal
	TakePrice      decimal.Decimal
	At             time.Time
}

type ExitOrder struct {
	Symbol        string
	ClientOrderID string
	Qty           decimal.Decimal
	RefPrice      decimal.Decimal
	At            time.Time
}

type Fill struct {
	OrderID       string
	ClientOrderID string
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Time          time.Time
}

type OrderRef struct {
	ID            string
	ClientOrderID string
	Status        string
}

type OrderState string

const (
	OrderOpen     OrderState = "open"
	OrderFilled   OrderState = "filled"
	OrderCanceled OrderState = "canceled"
	OrderRejected OrderState = "rejected"
	OrderNotFound OrderState = "not_found"
)

// Bracket legs reported in OrderStatus.Leg.
const (
	LegStop = "stop"
	LegTake = "take"
)

type OrderStatus struct {
	ClientOrderID string
	OrderID       string
	State         OrderState
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	FilledAt      time.Time
	Leg           string
}

func (s OrderStatus) Filled() bool {
	return s.State == OrderFilled
}

// Terminal reports whether the order can no longer fill.
func (s OrderStatus) Terminal() bool {
	switch s.State {
	case OrderFilled, OrderCanceled, OrderRejected, OrderNotFound:
		return true
	}
	return false
}

// Venue is the execution contract the trading engine drives.
type Venue interface {
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	ExchangeFilters(ctx context.Context, symbol string) (Filters, error)
	BookTicker(ctx context.Context, symbol string) (Quote, error)
	PlaceEntryOrder(ctx context.Context, order EntryOrder) (Fill, error)
	PlaceBracketExit(ctx context.Context, order BracketOrder) (OrderRef, error)
	CancelBracketExit(ctx context.Context, symbol, clientOrderID string) error
	PlaceMarketExit(ctx context.Context, order ExitOrder) (Fill, error)
	OrderStatus(ctx context.Context, clientOrderID string) (OrderStatus, error)
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
