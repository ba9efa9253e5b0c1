package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"breakoutbot/internal/broker"
	"breakoutbot/internal/state"
)

// Restore loads the persisted aggregate and settles any order that was in
// flight when the process stopped. An unreachable venue is returned as an
// error; startup must not continue on a guess.
func (e *Engine) Restore(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	lc, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	e.lc = lc
	e.log.Info("state restored",
		zap.String("phase", string(lc.Phase())),
		zap.String("day", lc.Day.ResetKey),
		zap.String("day_pnl_r", lc.Day.PnLR.String()),
		zap.Int("trades_today", lc.Day.TradesClosed),
		zap.Time("last_candle", lc.LastCandle))

	if err := e.resolvePending(ctx); err != nil {
		return fmt.Errorf("reconcile in-flight order: %w", err)
	}
	if err := e.reconcileBracket(ctx); err != nil {
		return fmt.Errorf("reconcile bracket: %w", err)
	}
	return e.save()
}

// Reconcile checks the venue between candles for an in-flight order or a
// bracket leg that filled on its own.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.resolvePending(ctx); err != nil {
		return err
	}
	return e.reconcileBracket(ctx)
}

func (e *Engine) resolvePending(ctx context.Context) error {
	pending, ok := e.lc.Pending()
	if !ok {
		return nil
	}
	log := e.log.With(zap.String("client_order_id", pending.ClientOrderID), zap.String("kind", string(pending.Kind)))

	switch pending.Kind {
	case state.PendingEntry:
		fill, outcome := e.confirmEntry(ctx, pending.ClientOrderID)
		switch outcome {
		case entryUnknown:
			return fmt.Errorf("entry %s outcome unknown", pending.ClientOrderID)
		case entryNotFilled:
			log.Info("in-flight entry did not fill")
			if err := e.lc.AbortEntry(); err != nil {
				return err
			}
			return e.save()
		}
		log.Info("in-flight entry filled")
		return e.openPosition(ctx, *pending.Position, fill)

	case state.PendingExit:
		pos, _ := e.lc.Position()
		status, err := e.venue.OrderStatus(ctx, pending.ClientOrderID)
		if err != nil {
			return err
		}
		if status.Filled() {
			log.Info("in-flight exit filled")
			return e.finalize(ctx, pending.ExitReason, fillPrice(status, pending.ExitPrice), fillTime(status.FilledAt, pending.Since), nil)
		}
		if pos.BracketOrderID != "" {
			bracket, err := e.venue.OrderStatus(ctx, pos.BracketOrderID)
			if err != nil {
				return err
			}
			if bracket.Filled() {
				log.Info("bracket filled while exiting")
				reason := bracketReason(bracket.Leg, pending.ExitReason)
				return e.finalize(ctx, reason, fillPrice(bracket, pending.ExitPrice), fillTime(bracket.FilledAt, pending.Since), nil)
			}
		}
		if !status.Terminal() {
			return fmt.Errorf("exit %s still %s", pending.ClientOrderID, status.State)
		}
		log.Info("in-flight exit did not fill, position kept")
		if err := e.lc.AbortExit(); err != nil {
			return err
		}
		return e.save()
	}
	return fmt.Errorf("unknown pending order kind %q", pending.Kind)
}

func (e *Engine) reconcileBracket(ctx context.Context) error {
	pos, ok := e.lc.Position()
	if !ok || pos.BracketOrderID == "" {
		return nil
	}
	status, err := e.venue.OrderStatus(ctx, pos.BracketOrderID)
	if err != nil {
		return err
	}
	switch {
	case status.Filled():
		reason := bracketReason(status.Leg, ExitStopLoss)
		if status.Leg == "" && status.AvgPrice.GreaterThanOrEqual(pos.TakePrice) {
			reason = ExitTakeProfit
		}
		price := fillPrice(status, pos.StopPrice)
		at := fillTime(status.FilledAt, e.clock())
		e.log.Info("bracket filled at venue", zap.String("reason", reason), zap.String("price", price.String()))
		if err := e.lc.BeginExit(reason, price, pos.BracketOrderID, at); err != nil {
			return err
		}
		if err := e.save(); err != nil {
			return err
		}
		return e.finalize(ctx, reason, price, at, nil)
	case status.Terminal():
		e.log.Warn("bracket no longer resting, managing exits per candle", zap.String("state", string(status.State)))
		if err := e.lc.SetBracket(""); err != nil {
			return err
		}
		return e.save()
	}
	return nil
}

func fillPrice(status broker.OrderStatus, fallback decimal.Decimal) decimal.Decimal {
	if status.AvgPrice.IsPositive() {
		return status.AvgPrice
	}
	return fallback
}
