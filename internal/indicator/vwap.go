// Package indicator holds the incremental indicators the breakout rule
// reads. Each update is O(1) and never revisits history.
package indicator

import (
	"time"

	"github.com/shopspring/decimal"

	"breakoutbot/internal/md"
	"breakoutbot/internal/session"
)

var three = decimal.NewFromInt(3)

// VWAP is the session volume-weighted average price. The session is the
// calendar day of the candle close time in the configured zone.
type VWAP struct {
	loc    *time.Location
	key    string
	cumTPV decimal.Decimal
	cumVol decimal.Decimal
	value  decimal.Decimal
	valid  bool
}

func NewVWAP(loc *time.Location) *VWAP {
	return &VWAP{loc: loc}
}

func (v *VWAP) Update(c md.Candle) (decimal.Decimal, bool) {
	key := session.DateKey(c.CloseTime, v.loc)
	if key != v.key {
		v.key = key
		v.cumTPV = decimal.Zero
		v.cumVol = decimal.Zero
	}

	typical := c.High.Add(c.Low).Add(c.Close).Div(three)
	v.cumTPV = v.cumTPV.Add(typical.Mul(c.Volume))
	v.cumVol = v.cumVol.Add(c.Volume)

	if v.cumVol.IsZero() {
		v.value, v.valid = decimal.Zero, false
		return v.value, false
	}
	v.value, v.valid = v.cumTPV.Div(v.cumVol), true
	return v.value, true
}

func (v *VWAP) Value() (decimal.Decimal, bool) {
	return v.value, v.valid
}
