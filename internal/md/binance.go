package md

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const binanceStreamURL = "wss://stream.binance.com:9443/ws"

// BinanceFeed reads the public kline stream. Binance pushes the in-progress
// candle several times per interval; only messages with the closed flag set
// become final candles.
type BinanceFeed struct {
	Symbol   string
	Interval string
	URL      string
	Log      *zap.Logger
}

type binanceKlineEvent struct {
	Event  string       `json:"e"`
	Symbol string       `json:"s"`
	Kline  binanceKline `json:"k"`
}

type binanceKline struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"`
}

func (f BinanceFeed) Run(ctx context.Context, handler CandleHandler) error {
	logger := f.Log
	if logger == nil {
		logger = zap.NewNop()
	}
	base := f.URL
	if base == "" {
		base = binanceStreamURL
	}
	url := fmt.Sprintf("%s/%s@kline_%s", base, strings.ToLower(f.Symbol), f.Interval)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial kline stream: %w", err)
	}
	defer conn.Close()
	logger.Info("kline stream connected", zap.String("symbol", f.Symbol), zap.String("interval", f.Interval))

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read kline stream: %w", err)
		}
		candle, err := ParseBinanceKline(payload)
		if err != nil {
			logger.Warn("kline message skipped", zap.Error(err))
			continue
		}
		handler(candle)
	}
}

// ParseBinanceKline converts one kline stream message. Non-final candles are
// returned with Final unset; callers decide whether to drop them.
func ParseBinanceKline(payload []byte) (Candle, error) {
	var event binanceKlineEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return Candle{}, fmt.Errorf("decode kline: %w", err)
	}
	if event.Event != "kline" {
		return Candle{}, fmt.Errorf("unexpected event %q", event.Event)
	}
	k := event.Kline
	fields := []string{k.Open, k.High, k.Low, k.Close, k.Volume}
	values := make([]decimal.Decimal, len(fields))
	for i, field := range fields {
		v, err := decimal.NewFromString(field)
		if err != nil {
			return Candle{}, fmt.Errorf("%w: %q", ErrMalformedRow, field)
		}
		values[i] = v
	}
	return Candle{
		Symbol:    event.Symbol,
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Final:     k.Closed,
	}, nil
}
