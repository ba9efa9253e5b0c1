package md

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AlpacaFeed streams minute bars from Alpaca. Alpaca only publishes a bar
// after its minute has closed, so every delivered candle is final.
type AlpacaFeed struct {
	APIKey    string
	APISecret string
	Feed      string
	Symbol    string
	Log       *zap.Logger
}

func (f AlpacaFeed) Run(ctx context.Context, handler CandleHandler) error {
	logger := f.Log
	if logger == nil {
		logger = zap.NewNop()
	}
	client := stream.NewStocksClient(
		parseFeed(f.Feed),
		stream.WithCredentials(f.APIKey, f.APISecret),
	)

	// Connect must be called before subscribing in this SDK version.
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect market data stream: %w", err)
	}
	logger.Info("market data stream connected", zap.String("symbol", f.Symbol), zap.String("feed", f.Feed))

	if err := client.SubscribeToBars(func(bar stream.Bar) {
		logger.Debug("bar received", zap.String("symbol", bar.Symbol), zap.Time("timestamp", bar.Timestamp), zap.Float64("close", bar.Close))
		handler(candleFromBar(bar))
	}, f.Symbol); err != nil {
		return fmt.Errorf("subscribe to bars: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-client.Terminated():
		return fmt.Errorf("market data stream terminated: %w", err)
	}
}

func candleFromBar(bar stream.Bar) Candle {
	return Candle{
		Symbol:    bar.Symbol,
		OpenTime:  bar.Timestamp.UTC(),
		CloseTime: bar.Timestamp.UTC().Add(time.Minute),
		Open:      decimal.NewFromFloat(bar.Open),
		High:      decimal.NewFromFloat(bar.High),
		Low:       decimal.NewFromFloat(bar.Low),
		Close:     decimal.NewFromFloat(bar.Close),
		Volume:    decimal.NewFromFloat(float64(bar.Volume)),
		Final:     true,
	}
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "iex":
		return marketdata.IEX
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}
