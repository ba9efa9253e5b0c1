package engine

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"breakoutbot/internal/strategy"
)

// Decision is one journal line: what the engine saw on a candle and what it
// did about it.
type Decision struct {
	RunID         string              `json:"run_id"`
	Timestamp     time.Time           `json:"timestamp"`
	CandleTime    time.Time           `json:"candle_time"`
	Symbol        string              `json:"symbol"`
	Close         decimal.Decimal     `json:"close"`
	VWAP          decimal.NullDecimal `json:"vwap"`
	ATR           decimal.NullDecimal `json:"atr"`
	BreakoutHigh  decimal.NullDecimal `json:"breakout_high"`
	VolumeAvg     decimal.NullDecimal `json:"volume_avg"`
	Spread        decimal.NullDecimal `json:"spread"`
	Phase         string              `json:"phase"`
	Intent        strategy.Action     `json:"intent,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	Result        string              `json:"result"`
	RejectReason  string              `json:"reject_reason,omitempty"`
	ClientOrderID string              `json:"client_order_id,omitempty"`
	Qty           decimal.NullDecimal `json:"qty"`
	ExitReason    string              `json:"exit_reason,omitempty"`
	PnLR          decimal.NullDecimal `json:"pnl_r"`
	DayPnLR       decimal.Decimal     `json:"day_pnl_r"`
}

// Journal receives one Decision per evaluated candle.
type Journal interface {
	Append(Decision)
}

// DecisionLogger writes decisions as NDJSON, flushing after every line.
type DecisionLogger struct {
	file   *os.File
	writer *bufio.Writer
	log    *zap.Logger
	mu     sync.Mutex
}

func NewDecisionLogger(path string, logger *zap.Logger) (*DecisionLogger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &DecisionLogger{
		file:   file,
		writer: bufio.NewWriter(file),
		log:    logger,
	}, nil
}

func (d *DecisionLogger) Append(decision Decision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload, err := json.Marshal(decision)
	if err != nil {
		d.log.Error("failed to marshal decision", zap.Error(err))
		return
	}
	if _, err := d.writer.Write(append(payload, '\n')); err != nil {
		d.log.Error("failed to write decision", zap.Error(err))
		return
	}
	if err := d.writer.Flush(); err != nil {
		d.log.Error("failed to flush decision log", zap.Error(err))
	}
}

func (d *DecisionLogger) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writer.Flush(); err != nil {
		_ = d.file.Close()
		return err
	}
	return d.file.Close()
}
