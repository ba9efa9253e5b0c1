package main

import (
	"context"
	"fmt"
	"log"
	"os"

	_ "time/tzdata"

	"go.uber.org/zap"

	"breakoutbot/internal/app"
	"breakoutbot/internal/broker"
	"breakoutbot/internal/config"
	"breakoutbot/internal/driver"
	"breakoutbot/internal/logx"
	"breakoutbot/internal/md"
	"breakoutbot/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.Mode != config.ModeBacktest {
		log.Fatalf("cmd/backtest only runs --mode backtest, got %s", cfg.Mode)
	}

	logger, err := logx.New(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	summary, err := run(cfg, logger)
	if err != nil {
		logger.Error("backtest failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
	fmt.Printf("candles=%d entries=%d trades=%d pnl_r=%s\n",
		summary.Candles, summary.Entries, summary.Trades, summary.PnLR.StringFixed(4))
}

func run(cfg config.Config, logger *zap.Logger) (driver.Summary, error) {
	ctx := context.Background()

	candles, err := md.LoadCSV(cfg.BacktestFile, cfg.Symbol, cfg.IntervalDuration())
	if err != nil {
		return driver.Summary{}, fmt.Errorf("load candles: %w", err)
	}
	logger.Info("candles loaded", zap.String("file", cfg.BacktestFile), zap.Int("count", len(candles)))

	// A replay starts from a clean lifecycle and never touches live state.
	cfg.StatusAddr = ""
	paper := broker.NewPaper(cfg.QuoteAsset, cfg.PaperEquity,
		broker.Filters{StepSize: cfg.StepSize, MinQty: cfg.MinQty, MinNotional: cfg.MinNotional}, logger)
	a, err := app.Open(ctx, cfg, app.Options{Venue: paper, Store: state.NewMemoryStore()}, logger)
	if err != nil {
		return driver.Summary{}, err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close sinks", zap.Error(err))
		}
	}()

	return driver.Backtest(ctx, a.Engine, candles, logger)
}
