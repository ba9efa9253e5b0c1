package md

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV period. Final is false while the period is still open;
// the engine only ever sees final candles.
type Candle struct {
	Symbol    string
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Final     bool
}

type CandleHandler func(Candle)

// Feed delivers candles for one symbol until ctx is done or the
// connection fails.
type Feed interface {
	Run(ctx context.Context, handler CandleHandler) error
}
