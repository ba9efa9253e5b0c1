package risk

import "github.com/shopspring/decimal"

const (
	ReasonOK                  = "ok"
	ReasonInvalidStopDistance = "invalid_stop_distance"
	ReasonMinQty              = "min_qty"
	ReasonMinNotional         = "min_notional"
)

type SizeInput struct {
	Equity      decimal.Decimal
	RiskPct     decimal.Decimal
	Entry       decimal.Decimal
	Stop        decimal.Decimal
	LotStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Sizing is the outcome of Size. Qty is zero unless Reason is ReasonOK.
type Sizing struct {
	Qty          decimal.Decimal
	Reason       string
	RiskAmount   decimal.Decimal
	StopDistance decimal.Decimal
	RawQty       decimal.Decimal
}

func (s Sizing) OK() bool {
	return s.Reason == ReasonOK && s.Qty.IsPositive()
}

// Size turns a fixed fraction of equity into a long quantity whose loss at
// the stop equals that fraction. The result is floored to the lot step.
func Size(in SizeInput) Sizing {
	distance := in.Entry.Sub(in.Stop)
	if !distance.IsPositive() {
		return Sizing{Qty: decimal.Zero, Reason: ReasonInvalidStopDistance}
	}

	riskAmount := in.Equity.Mul(in.RiskPct)
	raw := riskAmount.Div(distance)
	qty := FloorToStep(raw, in.LotStep)

	out := Sizing{
		Qty:          decimal.Zero,
		RiskAmount:   riskAmount,
		StopDistance: distance,
		RawQty:       raw,
	}
	if qty.LessThan(in.MinQty) {
		out.Reason = ReasonMinQty
		return out
	}
	if qty.Mul(in.Entry).LessThan(in.MinNotional) {
		out.Reason = ReasonMinNotional
		return out
	}
	out.Qty = qty
	out.Reason = ReasonOK
	return out
}

// FloorToStep rounds value down to a whole number of steps and normalises
// the result to the step's own precision. A non-positive step leaves value
// unchanged.
func FloorToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	places := int32(0)
	if exp := step.Exponent(); exp < 0 {
		places = -exp
	}
	return value.Div(step).Floor().Mul(step).Truncate(places)
}
