package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"breakoutbot/internal/broker"
	"breakoutbot/internal/ledger"
	"breakoutbot/internal/md"
	"breakoutbot/internal/risk"
	"breakoutbot/internal/state"
	"breakoutbot/internal/strategy"
)

var bpsDivisor = decimal.NewFromInt(10000)

func (e *Engine) tryEntry(ctx context.Context, c md.Candle, f strategy.Features, d *Decision) error {
	intent := e.signal.Decide(f)
	d.Intent = intent.Action
	d.Reason = intent.Reason
	if intent.Action != strategy.Buy {
		d.Result = "hold"
		return nil
	}

	quote, err := e.venue.BookTicker(ctx, e.params.Symbol)
	if err != nil {
		e.log.Warn("book ticker failed, skipping entry", zap.Error(err))
		d.Result = "quote_failed"
		return nil
	}
	approved, err := e.gate.Evaluate(intent, risk.EntryCheck{Bid: quote.Bid, Ask: quote.Ask})
	if err != nil {
		var rejection *risk.Rejection
		if errors.As(err, &rejection) {
			e.metrics.Rejection(rejection.Reason)
		}
		d.Result = "rejected"
		d.RejectReason = err.Error()
		return nil
	}
	d.Spread = decimal.NewNullDecimal(approved.Spread)
	intent = approved.Intent

	equity, err := e.venue.Balance(ctx, e.params.QuoteAsset)
	if err != nil {
		e.log.Warn("balance query failed, skipping entry", zap.Error(err))
		d.Result = "balance_failed"
		return nil
	}

	sizing := risk.Size(risk.SizeInput{
		Equity:      equity,
		RiskPct:     e.params.RiskPct,
		Entry:       intent.Entry,
		Stop:        intent.Stop,
		LotStep:     e.params.Filters.StepSize,
		MinQty:      e.params.Filters.MinQty,
		MinNotional: e.params.Filters.MinNotional,
	})
	if !sizing.OK() {
		e.metrics.Rejection(sizing.Reason)
		e.log.Info("entry not sized", zap.String("reason", sizing.Reason), zap.String("equity", equity.String()),
			zap.String("raw_qty", sizing.RawQty.String()))
		d.Result = "not_sized"
		d.RejectReason = sizing.Reason
		return nil
	}
	d.Qty = decimal.NewNullDecimal(sizing.Qty)

	intended := state.Position{
		Symbol:     e.params.Symbol,
		EntryPrice: intent.Entry,
		StopPrice:  intent.Stop,
		TakePrice:  intent.Take,
		Quantity:   sizing.Qty,
		RiskAmount: sizing.RiskAmount,
		EntryTime:  c.CloseTime,
		TradeID:    uuid.NewString(),
		Reason:     intent.Reason,
	}
	return e.enter(ctx, c, intended, d)
}

// enter persists ENTERING, places the entry and, once filled, the bracket.
func (e *Engine) enter(ctx context.Context, c md.Candle, intended state.Position, d *Decision) error {
	clientID := e.nextClientOrderID()
	d.ClientOrderID = clientID
	before := e.lc.Clone()
	if err := e.lc.BeginEntry(intended, clientID, c.CloseTime); err != nil {
		e.log.Error("begin entry rejected", zap.Error(err))
		d.Result = "entry_failed"
		return nil
	}
	if err := e.save(); err != nil {
		e.lc = before
		return err
	}

	fill, err := e.venue.PlaceEntryOrder(ctx, broker.EntryOrder{
		Symbol:        e.params.Symbol,
		ClientOrderID: clientID,
		Qty:           intended.Quantity,
		Type:          e.params.OrderType,
		LimitPrice:    intended.EntryPrice,
		RefPrice:      c.Close,
		At:            c.CloseTime,
	})
	if err != nil {
		e.log.Warn("entry order failed, confirming with venue", zap.String("client_order_id", clientID), zap.Error(err))
		var outcome entryOutcome
		fill, outcome = e.confirmEntry(ctx, clientID)
		switch outcome {
		case entryUnknown:
			d.Result = "entry_unresolved"
			return nil
		case entryNotFilled:
			if err := e.lc.AbortEntry(); err != nil {
				return err
			}
			d.Result = "entry_failed"
			return e.save()
		}
	}

	if err := e.openPosition(ctx, intended, fill); err != nil {
		return err
	}
	d.Result = "entered"
	return nil
}

type entryOutcome int

const (
	entryFilled entryOutcome = iota
	entryNotFilled
	entryUnknown
)

// confirmEntry asks the venue what became of an entry whose placement call
// failed. A resting unfilled order is canceled.
func (e *Engine) confirmEntry(ctx context.Context, clientID string) (broker.Fill, entryOutcome) {
	status, err := e.venue.OrderStatus(ctx, clientID)
	if err != nil {
		e.log.Error("entry outcome unknown", zap.String("client_order_id", clientID), zap.Error(err))
		return broker.Fill{}, entryUnknown
	}
	if status.State == broker.OrderOpen {
		if err := e.venue.CancelBracketExit(ctx, e.params.Symbol, clientID); err != nil {
			e.log.Error("cancel stale entry failed", zap.String("client_order_id", clientID), zap.Error(err))
			return broker.Fill{}, entryUnknown
		}
		if status, err = e.venue.OrderStatus(ctx, clientID); err != nil {
			return broker.Fill{}, entryUnknown
		}
	}
	if status.Filled() {
		e.log.Info("entry filled despite placement error", zap.String("client_order_id", clientID))
		return broker.Fill{
			OrderID:       status.OrderID,
			ClientOrderID: clientID,
			Qty:           status.FilledQty,
			Price:         status.AvgPrice,
			Time:          status.FilledAt,
		}, entryFilled
	}
	if !status.Terminal() {
		return broker.Fill{}, entryUnknown
	}
	return broker.Fill{}, entryNotFilled
}

// openPosition moves ENTERING to IN_POSITION with the venue's fill and
// protects it with a bracket exit.
func (e *Engine) openPosition(ctx context.Context, intended state.Position, fill broker.Fill) error {
	pos := intended
	if fill.Price.IsPositive() {
		pos.EntryPrice = fill.Price
	}
	if fill.Qty.IsPositive() {
		pos.Quantity = fill.Qty
	}
	if !fill.Time.IsZero() {
		pos.EntryTime = fill.Time
	}
	pos.EntryOrderID = fill.OrderID
	if err := e.lc.Open(pos); err != nil {
		return err
	}
	e.stats.Entries++
	e.metrics.Entry()
	e.log.Info("position opened",
		zap.String("trade_id", pos.TradeID),
		zap.String("entry", pos.EntryPrice.String()),
		zap.String("stop", pos.StopPrice.String()),
		zap.String("take", pos.TakePrice.String()),
		zap.String("qty", pos.Quantity.String()),
		zap.String("risk", pos.RiskAmount.String()),
		zap.Time("entry_time", pos.EntryTime))
	if err := e.save(); err != nil {
		return err
	}
	return e.placeBracket(ctx, pos)
}

// placeBracket records the bracket id before placing it so a crash cannot
// orphan the order. When placement fails and the venue confirms no order
// rests, the position stays open and the per-candle stop and take checks
// remain its only protection.
func (e *Engine) placeBracket(ctx context.Context, pos state.Position) error {
	clientID := e.nextClientOrderID()
	if err := e.lc.SetBracket(clientID); err != nil {
		return err
	}
	if err := e.save(); err != nil {
		return err
	}
	one := decimal.NewFromInt(1)
	_, err := e.venue.PlaceBracketExit(ctx, broker.BracketOrder{
		Symbol:         pos.Symbol,
		ClientOrderID:  clientID,
		Qty:            pos.Quantity,
		StopPrice:      pos.StopPrice,
		StopLimitPrice: pos.StopPrice.Mul(one.Sub(e.params.StopLimitOffset)),
		TakePrice:      pos.TakePrice,
		At:             pos.EntryTime,
	})
	if err == nil {
		return nil
	}
	log := e.log.With(zap.String("trade_id", pos.TradeID), zap.String("client_order_id", clientID))
	log.Warn("bracket placement failed, confirming with venue", zap.Error(err))
	// The id is only dropped once the venue says the order cannot rest.
	status, serr := e.venue.OrderStatus(ctx, clientID)
	if serr != nil {
		log.Error("bracket outcome unknown, keeping order id", zap.Error(serr))
		return nil
	}
	if !status.Terminal() || status.Filled() {
		log.Info("bracket reached venue despite placement error", zap.String("state", string(status.State)))
		return nil
	}
	log.Error("bracket not placed, managing exits per candle", zap.String("state", string(status.State)))
	if err := e.lc.SetBracket(""); err != nil {
		return err
	}
	return e.save()
}

// exit persists EXITING, takes the position off the venue and books it.
// Any venue failure restores the open position for the next candle.
func (e *Engine) exit(ctx context.Context, c md.Candle, pos state.Position, reason string, price decimal.Decimal, d *Decision) error {
	clientID := e.nextClientOrderID()
	d.ExitReason = reason
	d.ClientOrderID = clientID
	before := e.lc.Clone()
	if err := e.lc.BeginExit(reason, price, clientID, c.CloseTime); err != nil {
		e.log.Error("begin exit rejected", zap.Error(err))
		d.Result = "exit_failed"
		return nil
	}
	if err := e.save(); err != nil {
		e.lc = before
		return err
	}

	abort := func(cause error) error {
		e.log.Warn("exit abandoned, position kept", zap.String("reason", reason), zap.Error(cause))
		d.Result = "exit_failed"
		if err := e.lc.AbortExit(); err != nil {
			return err
		}
		return e.save()
	}

	if pos.BracketOrderID != "" {
		status, err := e.venue.OrderStatus(ctx, pos.BracketOrderID)
		if err != nil {
			return abort(err)
		}
		if status.Filled() {
			return e.finalize(ctx, bracketReason(status.Leg, reason), fillPrice(status, price), fillTime(status.FilledAt, c.CloseTime), d)
		}
		if status.State == broker.OrderOpen {
			if err := e.venue.CancelBracketExit(ctx, e.params.Symbol, pos.BracketOrderID); err != nil {
				return abort(err)
			}
		}
		if err := e.lc.SetBracket(""); err != nil {
			return err
		}
	}

	fill, err := e.venue.PlaceMarketExit(ctx, broker.ExitOrder{
		Symbol:        e.params.Symbol,
		ClientOrderID: clientID,
		Qty:           pos.Quantity,
		RefPrice:      price,
		At:            c.CloseTime,
	})
	if err != nil {
		status, serr := e.venue.OrderStatus(ctx, clientID)
		if serr != nil || !status.Filled() {
			return abort(err)
		}
		fill = broker.Fill{OrderID: status.OrderID, ClientOrderID: clientID, Qty: status.FilledQty, Price: status.AvgPrice, Time: status.FilledAt}
	}
	exitPrice := price
	if fill.Price.IsPositive() {
		exitPrice = fill.Price
	}
	return e.finalize(ctx, reason, exitPrice, fillTime(fill.Time, c.CloseTime), d)
}

func fillTime(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func bracketReason(leg, fallback string) string {
	switch leg {
	case broker.LegStop:
		return ExitStopLoss
	case broker.LegTake:
		return ExitTakeProfit
	default:
		return fallback
	}
}

// finalize books the exiting position: realised PnL and R, the day totals,
// one ledger record. It must run exactly once per position.
func (e *Engine) finalize(ctx context.Context, reason string, exitPrice decimal.Decimal, at time.Time, d *Decision) error {
	pos, ok := e.lc.Position()
	if !ok {
		return nil
	}
	if e.params.ExitSlippageBps.IsPositive() {
		exitPrice = exitPrice.Mul(decimal.NewFromInt(1).Sub(e.params.ExitSlippageBps.Div(bpsDivisor)))
	}
	pnl := exitPrice.Sub(pos.EntryPrice).Mul(pos.Quantity)
	pnlR := pnl.Div(pos.RiskAmount)

	if _, err := e.lc.Close(pnlR); err != nil {
		return err
	}
	e.stats.Trades++
	e.stats.PnLR = e.stats.PnLR.Add(pnlR)
	e.metrics.Exit(reason)
	if d != nil {
		d.Result = "exited"
		d.ExitReason = reason
		d.PnLR = decimal.NewNullDecimal(pnlR)
	}
	e.log.Info("position closed",
		zap.String("trade_id", pos.TradeID),
		zap.String("reason", reason),
		zap.String("exit", exitPrice.String()),
		zap.String("pnl", pnl.StringFixed(2)),
		zap.String("pnl_r", pnlR.StringFixed(4)),
		zap.String("day_pnl_r", e.lc.Day.PnLR.StringFixed(4)))
	if err := e.save(); err != nil {
		return err
	}

	rec := ledger.Record{
		Time:       at,
		TradeID:    pos.TradeID,
		Symbol:     pos.Symbol,
		Side:       "LONG",
		Entry:      pos.EntryPrice,
		Stop:       pos.StopPrice,
		Take:       pos.TakePrice,
		Exit:       exitPrice,
		Qty:        pos.Quantity,
		Fees:       decimal.Zero,
		PnL:        pnl,
		PnLR:       pnlR,
		ExitReason: reason,
	}
	if err := e.ledger.Append(ctx, rec); err != nil {
		e.log.Error("ledger append failed", zap.String("trade_id", pos.TradeID), zap.Error(err))
	}
	return nil
}
