package driver

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"breakoutbot/internal/md"
)

// Summary totals one backtest run.
type Summary struct {
	Candles    int
	Duplicates int
	Entries    int
	Trades     int
	PnLR       decimal.Decimal
}

// Backtest replays candles through eng in order. A state write failure
// stops the run.
func Backtest(ctx context.Context, eng Engine, candles []md.Candle, logger *zap.Logger) (Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for i, c := range candles {
		if err := ctx.Err(); err != nil {
			return summarize(eng), err
		}
		if err := eng.OnCandle(ctx, c); err != nil {
			return summarize(eng), fmt.Errorf("candle %d at %s: %w", i, c.CloseTime.Format("2006-01-02 15:04"), err)
		}
	}
	s := summarize(eng)
	logger.Info("backtest complete",
		zap.Int("candles", s.Candles),
		zap.Int("duplicates", s.Duplicates),
		zap.Int("entries", s.Entries),
		zap.Int("trades", s.Trades),
		zap.String("pnl_r", s.PnLR.StringFixed(4)))
	return s, nil
}

func summarize(eng Engine) Summary {
	st := eng.Stats()
	return Summary{
		Candles:    st.Candles,
		Duplicates: st.Duplicates,
		Entries:    st.Entries,
		Trades:     st.Trades,
		PnLR:       st.PnLR,
	}
}
