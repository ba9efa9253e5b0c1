package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	Hold Action = "HOLD"
	Buy  Action = "BUY"
)

// Features is everything the lifecycle engine needs to know about the
// candle it is deciding on. Undefined indicator values have Valid unset and
// must be read as "do not trade", never as zero.
type Features struct {
	Time         time.Time
	Close        decimal.Decimal
	Volume       decimal.Decimal
	VWAP         decimal.NullDecimal
	ATR          decimal.NullDecimal
	BreakoutHigh decimal.NullDecimal
	VolumeAvg    decimal.NullDecimal
}

type TradeIntent struct {
	Action Action
	Reason string
	Entry  decimal.Decimal
	Stop   decimal.Decimal
	Take   decimal.Decimal
}
