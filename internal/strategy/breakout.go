package strategy

import (
	"github.com/shopspring/decimal"

	"breakoutbot/internal/md"
)

type Params struct {
	NBreakout int
	VolM      int
	MinATR    decimal.Decimal
	KATR      decimal.Decimal
	RMult     decimal.Decimal
}

// Breakout is the VWAP breakout rule with an ATR/volume volatility gate.
// It keeps just enough candle history for the breakout high and the
// volume average.
type Breakout struct {
	params  Params
	history *md.RingBuffer[md.Candle]
}

func NewBreakout(params Params) *Breakout {
	if params.NBreakout < 1 {
		params.NBreakout = 1
	}
	if params.VolM < 1 {
		params.VolM = 1
	}
	return &Breakout{
		params:  params,
		history: md.NewRingBuffer[md.Candle](max(params.NBreakout, params.VolM) + 1),
	}
}

func (b *Breakout) Update(c md.Candle) {
	b.history.Add(c)
}

// BreakoutHigh is the highest high of the NBreakout candles before the
// most recent one. The current candle is excluded so a candle never breaks
// out of a range that includes itself.
func (b *Breakout) BreakoutHigh() (decimal.Decimal, bool) {
	window := b.history.Last(b.params.NBreakout + 1)
	if window == nil {
		return decimal.Zero, false
	}
	high := window[0].High
	for _, c := range window[1 : len(window)-1] {
		high = decimal.Max(high, c.High)
	}
	return high, true
}

// VolumeAverage is the mean volume of the last VolM candles, current included.
func (b *Breakout) VolumeAverage() (decimal.Decimal, bool) {
	window := b.history.Last(b.params.VolM)
	if window == nil {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, c := range window {
		sum = sum.Add(c.Volume)
	}
	return sum.Div(decimal.NewFromInt(int64(len(window)))), true
}

func (b *Breakout) Decide(f Features) TradeIntent {
	if !f.VWAP.Valid || !f.ATR.Valid || !f.BreakoutHigh.Valid {
		return TradeIntent{Action: Hold, Reason: "insufficient_data"}
	}

	if !f.Close.GreaterThan(f.VWAP.Decimal) || !f.Close.GreaterThan(f.BreakoutHigh.Decimal) {
		return TradeIntent{Action: Hold, Reason: "no_breakout"}
	}

	atrOK := f.ATR.Decimal.GreaterThanOrEqual(b.params.MinATR)
	volumeOK := f.VolumeAvg.Valid && f.Volume.GreaterThanOrEqual(f.VolumeAvg.Decimal)
	if !atrOK && !volumeOK {
		return TradeIntent{Action: Hold, Reason: "low_volatility"}
	}

	stop := f.Close.Sub(b.params.KATR.Mul(f.ATR.Decimal))
	take := f.Close.Add(b.params.RMult.Mul(f.Close.Sub(stop)))
	return TradeIntent{
		Action: Buy,
		Reason: "vwap_breakout",
		Entry:  f.Close,
		Stop:   stop,
		Take:   take,
	}
}
