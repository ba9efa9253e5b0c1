package driver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"breakoutbot/internal/md"
)

const candleBuffer = 64

// Live feeds candles from feed into eng on a single goroutine and runs
// Reconcile every reconcileEvery between them. It returns when ctx is done,
// the feed stops, or a state write fails.
func Live(ctx context.Context, eng Engine, feed md.Feed, reconcileEvery time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	candles := make(chan md.Candle, candleBuffer)
	feedErr := make(chan error, 1)
	go func() {
		feedErr <- feed.Run(ctx, func(c md.Candle) {
			if !c.Final {
				return
			}
			select {
			case candles <- c:
			case <-ctx.Done():
			}
		})
	}()

	var tick <-chan time.Time
	if reconcileEvery > 0 {
		ticker := time.NewTicker(reconcileEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-feedErr:
			if derr := drain(ctx, eng, candles); derr != nil {
				return derr
			}
			if err == nil || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("market data feed: %w", err)
		case c := <-candles:
			if err := eng.OnCandle(ctx, c); err != nil {
				return err
			}
		case <-tick:
			if err := eng.Reconcile(ctx); err != nil {
				logger.Warn("reconcile failed", zap.Error(err))
			}
		}
	}
}

// drain evaluates candles the feed queued before it stopped.
func drain(ctx context.Context, eng Engine, candles <-chan md.Candle) error {
	for {
		select {
		case c := <-candles:
			if err := eng.OnCandle(ctx, c); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
