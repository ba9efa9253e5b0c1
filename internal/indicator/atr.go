package indicator

import (
	"github.com/shopspring/decimal"

	"breakoutbot/internal/md"
)

// ATR is the Wilder-smoothed average true range. The first candle only
// seeds the previous close. The first value is the simple mean of period
// true ranges; after that atr = (atr*(period-1) + tr) / period.
type ATR struct {
	period    int
	periodDec decimal.Decimal
	prevClose decimal.Decimal
	seeded    bool
	samples   int
	sum       decimal.Decimal
	value     decimal.Decimal
	valid     bool
}

func NewATR(period int) *ATR {
	if period < 1 {
		period = 1
	}
	return &ATR{period: period, periodDec: decimal.NewFromInt(int64(period))}
}

func (a *ATR) Update(c md.Candle) (decimal.Decimal, bool) {
	if !a.seeded {
		a.prevClose = c.Close
		a.seeded = true
		return a.value, a.valid
	}

	tr := TrueRange(c.High, c.Low, a.prevClose)
	a.prevClose = c.Close

	if a.samples < a.period {
		a.samples++
		a.sum = a.sum.Add(tr)
		if a.samples == a.period {
			a.value = a.sum.Div(a.periodDec)
			a.valid = true
		}
		return a.value, a.valid
	}

	a.value = a.value.Mul(decimal.NewFromInt(int64(a.period - 1))).Add(tr).Div(a.periodDec)
	return a.value, true
}

func (a *ATR) Value() (decimal.Decimal, bool) {
	return a.value, a.valid
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(high, low, prevClose decimal.Decimal) decimal.Decimal {
	return decimal.Max(
		high.Sub(low),
		high.Sub(prevClose).Abs(),
		low.Sub(prevClose).Abs(),
	)
}
