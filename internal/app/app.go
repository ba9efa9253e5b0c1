package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"breakoutbot/internal/broker"
	"breakoutbot/internal/config"
	"breakoutbot/internal/engine"
	"breakoutbot/internal/ledger"
	"breakoutbot/internal/metrics"
	"breakoutbot/internal/risk"
	"breakoutbot/internal/state"
	"breakoutbot/internal/status"
	"breakoutbot/internal/strategy"
)

// App is one fully wired engine with its sinks. Close releases the sinks.
type App struct {
	Engine   *engine.Engine
	Status   *status.Server
	Registry *prometheus.Registry
	Filters  broker.Filters

	closers []func() error
	log     *zap.Logger
}

// Options select the per-mode collaborators.
type Options struct {
	Venue broker.Venue
	// Store defaults to a file store at cfg.StatePath.
	Store state.Store
}

// Open builds the engine for cfg, queries the venue's symbol filters and
// restores persisted state. Any failure is a fatal startup error.
func Open(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (*App, error) {
	a := &App{log: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(a.Registry)

	venue := broker.NewGuard(opts.Venue, cfg.OrderTimeout, cfg.OrderRetries, cfg.RetryBackoff, rec, logger)
	filters, err := venue.ExchangeFilters(ctx, cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("exchange filters for %s: %w", cfg.Symbol, err)
	}
	a.Filters = overrideFilters(filters, cfg)

	journal, err := engine.NewDecisionLogger(cfg.DecisionsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("decision journal: %w", err)
	}
	a.closers = append(a.closers, journal.Close)

	trades, err := a.openLedger(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store = state.NewFileStore(cfg.StatePath)
	}

	a.Engine = engine.New(engine.Params{
		Symbol:     cfg.Symbol,
		QuoteAsset: cfg.QuoteAsset,
		Location:   cfg.Location,
		Window:     cfg.Window,
		Strategy: strategy.Params{
			NBreakout: cfg.NBreakout,
			VolM:      cfg.VolM,
			MinATR:    cfg.MinATR,
			KATR:      cfg.KATR,
			RMult:     cfg.RMult,
		},
		ATRPeriod:       cfg.ATRPeriod,
		RiskPct:         cfg.RiskPct,
		Filters:         a.Filters,
		TimeStop:        cfg.TimeStop,
		DailyMaxLossR:   cfg.DailyMaxLossR,
		DailyTargetR:    cfg.DailyTargetR,
		OrderType:       broker.OrderType(cfg.OrderType),
		VWAPFlipExit:    cfg.VWAPFlipExit,
		StopLimitOffset: cfg.StopLimitOffset,
		ExitSlippageBps: cfg.ExitSlippageBps,
	}, engine.Deps{
		Venue:   venue,
		Store:   store,
		Ledger:  trades,
		Gate:    risk.NewGate(cfg.KillSwitch, cfg.MaxSpreadPct, logger),
		Journal: journal,
		Metrics: rec,
		Log:     logger,
		RunID:   uuid.NewString(),
	})

	if err := a.Engine.Restore(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("restore state: %w", err)
	}

	if cfg.StatusAddr != "" {
		a.Status = status.New(cfg.StatusAddr, a.Engine, a.Registry, logger)
	}
	logger.Info("engine ready",
		zap.String("run_id", a.Engine.RunID()),
		zap.String("mode", string(cfg.Mode)),
		zap.String("symbol", cfg.Symbol),
		zap.String("phase", string(a.Engine.Status().Phase)),
		zap.String("step", a.Filters.StepSize.String()),
		zap.String("min_qty", a.Filters.MinQty.String()),
		zap.String("min_notional", a.Filters.MinNotional.String()))
	return a, nil
}

func (a *App) openLedger(ctx context.Context, cfg config.Config) (ledger.Ledger, error) {
	var sinks ledger.Multi
	if cfg.LedgerPath != "" {
		csvLedger, err := ledger.OpenCSV(cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("trade ledger: %w", err)
		}
		a.closers = append(a.closers, csvLedger.Close)
		sinks = append(sinks, csvLedger)
	}
	if cfg.LedgerDSN != "" {
		ch, err := ledger.OpenClickHouse(ctx, cfg.LedgerDSN, cfg.LedgerTable)
		if err != nil {
			return nil, fmt.Errorf("clickhouse ledger: %w", err)
		}
		a.closers = append(a.closers, ch.Close)
		sinks = append(sinks, ch)
	}
	if len(sinks) == 0 {
		return ledger.NewMemory(), nil
	}
	return sinks, nil
}

// overrideFilters lets configured lot rules tighten what the venue reports.
func overrideFilters(f broker.Filters, cfg config.Config) broker.Filters {
	if cfg.StepSize.IsPositive() && cfg.StepSize.GreaterThan(f.StepSize) {
		f.StepSize = cfg.StepSize
	}
	if cfg.MinQty.GreaterThan(f.MinQty) {
		f.MinQty = cfg.MinQty
	}
	if cfg.MinNotional.GreaterThan(f.MinNotional) {
		f.MinNotional = cfg.MinNotional
	}
	return f
}

// Close flushes and closes every sink, joining their errors.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
