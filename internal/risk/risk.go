package risk

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"breakoutbot/internal/strategy"
)

const (
	ReasonKillSwitch    = "kill_switch_enabled"
	ReasonInvalidQuote  = "invalid_quote"
	ReasonSpreadTooWide = "spread_too_wide"
)

// Rejection is returned by Gate.Evaluate when an entry must not be placed.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return r.Reason
}

func reject(reason string) error {
	return &Rejection{Reason: reason}
}

// EntryCheck is the top of book a pre-trade check is made against.
type EntryCheck struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// ApprovedIntent carries the spread the entry was approved at.
type ApprovedIntent struct {
	Intent strategy.TradeIntent
	Spread decimal.Decimal
}

type Gate struct {
	KillSwitch   bool
	MaxSpreadPct decimal.Decimal
	Log          *zap.Logger
}

func NewGate(killSwitch bool, maxSpreadPct decimal.Decimal, logger *zap.Logger) Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Gate{KillSwitch: killSwitch, MaxSpreadPct: maxSpreadPct, Log: logger}
}

// Spread is (ask-bid)/ask.
func Spread(bid, ask decimal.Decimal) (decimal.Decimal, bool) {
	if !ask.IsPositive() || bid.IsNegative() || bid.GreaterThan(ask) {
		return decimal.Zero, false
	}
	return ask.Sub(bid).Div(ask), true
}

func (g Gate) Evaluate(intent strategy.TradeIntent, check EntryCheck) (ApprovedIntent, error) {
	log := g.Log
	if log == nil {
		log = zap.NewNop()
	}

	if intent.Action != strategy.Buy {
		return ApprovedIntent{Intent: intent}, nil
	}

	if g.KillSwitch {
		log.Info("risk rejected", zap.String("reason", ReasonKillSwitch))
		return ApprovedIntent{}, reject(ReasonKillSwitch)
	}

	spread, ok := Spread(check.Bid, check.Ask)
	if !ok {
		log.Info("risk rejected", zap.String("reason", ReasonInvalidQuote),
			zap.String("bid", check.Bid.String()), zap.String("ask", check.Ask.String()))
		return ApprovedIntent{}, reject(ReasonInvalidQuote)
	}
	if spread.GreaterThan(g.MaxSpreadPct) {
		log.Info("risk rejected", zap.String("reason", ReasonSpreadTooWide),
			zap.String("spread", spread.String()), zap.String("max", g.MaxSpreadPct.String()))
		return ApprovedIntent{}, reject(ReasonSpreadTooWide)
	}

	log.Debug("risk approved", zap.String("entry", intent.Entry.String()), zap.String("spread", spread.String()))
	return ApprovedIntent{Intent: intent, Spread: spread}, nil
}
