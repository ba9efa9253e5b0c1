package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"go.uber.org/zap"

	"breakoutbot/internal/app"
	"breakoutbot/internal/broker"
	"breakoutbot/internal/config"
	"breakoutbot/internal/driver"
	"breakoutbot/internal/logx"
	"breakoutbot/internal/md"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.Mode == config.ModeBacktest {
		log.Fatalf("mode backtest is served by cmd/backtest")
	}

	logger, err := logx.New(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("bot stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, app.Options{Venue: venueFor(cfg, logger)}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close sinks", zap.Error(err))
		}
	}()

	if a.Status != nil {
		go func() {
			if err := a.Status.Run(ctx); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("starting bot",
		zap.String("mode", string(cfg.Mode)),
		zap.String("symbol", cfg.Symbol),
		zap.String("feed", cfg.Feed),
		zap.String("interval", cfg.Interval))
	err = driver.Live(ctx, a.Engine, feedFor(cfg, logger), cfg.ReconcileInterval, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("live driver: %w", err)
	}
	logger.Info("bot shutdown complete", zap.String("phase", string(a.Engine.Status().Phase)))
	return nil
}

func venueFor(cfg config.Config, logger *zap.Logger) broker.Venue {
	filters := broker.Filters{StepSize: cfg.StepSize, MinQty: cfg.MinQty, MinNotional: cfg.MinNotional}
	if cfg.Mode == config.ModeLive {
		return broker.New(cfg.APIKey, cfg.APISecret, cfg.AlpacaBaseURL, cfg.Feed, filters, logger)
	}
	opts := []broker.PaperOption{broker.WithClock(time.Now)}
	if cfg.Feed != "binance" && cfg.APIKey != "" {
		quotes := broker.New(cfg.APIKey, cfg.APISecret, cfg.AlpacaBaseURL, cfg.Feed, filters, logger)
		opts = append(opts, broker.WithQuoter(quotes.BookTicker))
	}
	return broker.NewPaper(cfg.QuoteAsset, cfg.PaperEquity, filters, logger, opts...)
}

func feedFor(cfg config.Config, logger *zap.Logger) md.Feed {
	if cfg.Feed == "binance" {
		return md.BinanceFeed{Symbol: cfg.Symbol, Interval: cfg.Interval, Log: logger}
	}
	return md.AlpacaFeed{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		Feed:      cfg.Feed,
		Symbol:    cfg.Symbol,
		Log:       logger,
	}
}
