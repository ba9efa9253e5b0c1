package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"breakoutbot/internal/broker"
	"breakoutbot/internal/indicator"
	"breakoutbot/internal/ledger"
	"breakoutbot/internal/md"
	"breakoutbot/internal/metrics"
	"breakoutbot/internal/risk"
	"breakoutbot/internal/session"
	"breakoutbot/internal/state"
	"breakoutbot/internal/strategy"
)

// Executor is the part of the venue the engine drives after startup.
type Executor interface {
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	BookTicker(ctx context.Context, symbol string) (broker.Quote, error)
	PlaceEntryOrder(ctx context.Context, order broker.EntryOrder) (broker.Fill, error)
	PlaceBracketExit(ctx context.Context, order broker.BracketOrder) (broker.OrderRef, error)
	CancelBracketExit(ctx context.Context, symbol, clientOrderID string) error
	PlaceMarketExit(ctx context.Context, order broker.ExitOrder) (broker.Fill, error)
	OrderStatus(ctx context.Context, clientOrderID string) (broker.OrderStatus, error)
}

// Exit reasons.
const (
	ExitVWAPFlip   = "vwap_flip"
	ExitTimeStop   = "time_stop"
	ExitStopLoss   = "stop_loss"
	ExitTakeProfit = "take_profit"
)

var timeStopMaxR = decimal.RequireFromString("0.3")

type Params struct {
	Symbol          string
	QuoteAsset      string
	Location        *time.Location
	Window          session.Window
	Strategy        strategy.Params
	ATRPeriod       int
	RiskPct         decimal.Decimal
	Filters         broker.Filters
	TimeStop        time.Duration
	DailyMaxLossR   decimal.Decimal
	DailyTargetR    decimal.Decimal
	OrderType       broker.OrderType
	VWAPFlipExit    bool
	StopLimitOffset decimal.Decimal
	ExitSlippageBps decimal.Decimal
}

type Deps struct {
	Venue   Executor
	Store   state.Store
	Ledger  ledger.Ledger
	Gate    risk.Gate
	Journal Journal
	Metrics *metrics.Recorder
	Log     *zap.Logger
	RunID   string
	Clock   func() time.Time
}

// Stats are lifetime counters for this process.
type Stats struct {
	Candles    int             `json:"candles"`
	Duplicates int             `json:"duplicates"`
	Entries    int             `json:"entries"`
	Trades     int             `json:"trades"`
	PnLR       decimal.Decimal `json:"pnlR"`
}

// Status is the immutable view published after every evaluation.
type Status struct {
	Symbol      string          `json:"symbol"`
	Phase       state.Phase     `json:"phase"`
	PauseReason string          `json:"pauseReason,omitempty"`
	Position    *state.Position `json:"position,omitempty"`
	Day         state.Day       `json:"day"`
	LastCandle  time.Time       `json:"lastCandleCloseTime"`
	Stats       Stats           `json:"stats"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Engine is the per-symbol lifecycle state machine. OnCandle and Reconcile
// are serialised; the aggregate has a single writer.
type Engine struct {
	params  Params
	venue   Executor
	store   state.Store
	ledger  ledger.Ledger
	gate    risk.Gate
	journal Journal
	metrics *metrics.Recorder
	log     *zap.Logger
	runID   string
	clock   func() time.Time

	vwap   *indicator.VWAP
	atr    *indicator.ATR
	signal *strategy.Breakout

	mu          sync.Mutex
	lc          state.Lifecycle
	stats       Stats
	orderSeqNum uint64
	published   atomic.Pointer[Status]
}

func New(params Params, deps Deps) *Engine {
	if params.Location == nil {
		params.Location = time.UTC
	}
	if params.Window == (session.Window{}) {
		params.Window = session.AllDay()
	}
	if params.OrderType == "" {
		params.OrderType = broker.Market
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.RunID == "" {
		deps.RunID = uuid.NewString()
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewMemory()
	}
	if deps.Store == nil {
		deps.Store = state.NewMemoryStore()
	}
	e := &Engine{
		params:  params,
		venue:   deps.Venue,
		store:   deps.Store,
		ledger:  deps.Ledger,
		gate:    deps.Gate,
		journal: deps.Journal,
		metrics: deps.Metrics,
		log:     deps.Log.With(zap.String("symbol", params.Symbol)),
		runID:   deps.RunID,
		clock:   deps.Clock,
		vwap:    indicator.NewVWAP(params.Location),
		atr:     indicator.NewATR(params.ATRPeriod),
		signal:  strategy.NewBreakout(params.Strategy),
		lc:      state.New(),
		stats:   Stats{PnLR: decimal.Zero},
	}
	e.publish()
	return e
}

func (e *Engine) RunID() string {
	return e.runID
}

// Status returns the last published view. Safe from any goroutine.
func (e *Engine) Status() Status {
	return *e.published.Load()
}

// Lifecycle returns a copy of the current aggregate.
func (e *Engine) Lifecycle() state.Lifecycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lc.Clone()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// OnCandle evaluates one final candle. Collaborator failures are logged and
// abandon the decision; the returned error is a failed state write, which
// callers must treat as fatal.
func (e *Engine) OnCandle(ctx context.Context, c md.Candle) error {
	if !c.Final {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lc.SeenCandle(c.CloseTime) {
		e.stats.Duplicates++
		e.metrics.Duplicate()
		e.log.Debug("duplicate candle ignored", zap.Time("close_time", c.CloseTime))
		return nil
	}
	e.stats.Candles++
	e.metrics.Candle()

	if e.lc.ResetDay(session.DateKey(c.CloseTime, e.params.Location)) {
		e.log.Info("trading day reset", zap.String("key", e.lc.Day.ResetKey), zap.String("phase", string(e.lc.Phase())))
	}

	f := e.features(c)
	d := Decision{
		RunID:        e.runID,
		Timestamp:    e.clock().UTC(),
		CandleTime:   c.CloseTime,
		Symbol:       e.params.Symbol,
		Close:        c.Close,
		VWAP:         f.VWAP,
		ATR:          f.ATR,
		BreakoutHigh: f.BreakoutHigh,
		VolumeAvg:    f.VolumeAvg,
	}

	if err := e.evaluate(ctx, c, f, &d); err != nil {
		return err
	}

	e.applyBreaker()

	d.Phase = string(e.lc.Phase())
	d.DayPnLR = e.lc.Day.PnLR
	if e.journal != nil {
		e.journal.Append(d)
	}
	return e.save()
}

func (e *Engine) features(c md.Candle) strategy.Features {
	e.signal.Update(c)
	f := strategy.Features{Time: c.CloseTime, Close: c.Close, Volume: c.Volume}
	if v, ok := e.vwap.Update(c); ok {
		f.VWAP = decimal.NewNullDecimal(v)
	}
	if v, ok := e.atr.Update(c); ok {
		f.ATR = decimal.NewNullDecimal(v)
	}
	if v, ok := e.signal.BreakoutHigh(); ok {
		f.BreakoutHigh = decimal.NewNullDecimal(v)
	}
	if v, ok := e.signal.VolumeAverage(); ok {
		f.VolumeAvg = decimal.NewNullDecimal(v)
	}
	return f
}

func (e *Engine) evaluate(ctx context.Context, c md.Candle, f strategy.Features, d *Decision) error {
	if phase := e.lc.Phase(); phase == state.Entering || phase == state.Exiting {
		if err := e.resolvePending(ctx); err != nil {
			e.log.Warn("in-flight order still unresolved", zap.Error(err))
			d.Result = "order_unresolved"
			return nil
		}
	}

	if pos, ok := e.lc.Position(); ok {
		reason, price, exit := e.exitSignal(c, f, pos)
		if !exit {
			d.Result = "holding"
			return nil
		}
		return e.exit(ctx, c, pos, reason, price, d)
	}

	if e.lc.Phase() == state.Paused {
		d.Result = "paused"
		d.Reason = e.lc.PauseReason()
		return nil
	}
	if !e.params.Window.Contains(c.CloseTime, e.params.Location) {
		d.Result = "outside_hours"
		return nil
	}
	return e.tryEntry(ctx, c, f, d)
}

// exitSignal applies the exit rules in priority order.
func (e *Engine) exitSignal(c md.Candle, f strategy.Features, pos state.Position) (string, decimal.Decimal, bool) {
	if e.params.VWAPFlipExit && f.VWAP.Valid && c.Close.LessThan(f.VWAP.Decimal) {
		return ExitVWAPFlip, c.Close, true
	}
	if e.params.TimeStop > 0 && c.CloseTime.Sub(pos.EntryTime) >= e.params.TimeStop &&
		pos.UnrealizedR(c.Close).LessThan(timeStopMaxR) {
		return ExitTimeStop, c.Close, true
	}
	if c.Close.LessThanOrEqual(pos.StopPrice) {
		return ExitStopLoss, pos.StopPrice, true
	}
	if c.Close.GreaterThanOrEqual(pos.TakePrice) {
		return ExitTakeProfit, pos.TakePrice, true
	}
	return "", decimal.Zero, false
}

// applyBreaker pauses new entries once the day's realised R crosses a limit.
func (e *Engine) applyBreaker() {
	pnl := e.lc.Day.PnLR
	switch {
	case e.params.DailyMaxLossR.IsPositive() && pnl.LessThanOrEqual(e.params.DailyMaxLossR.Neg()):
		if e.lc.Pause(state.PauseDailyLoss) {
			e.log.Warn("daily loss limit reached, pausing", zap.String("pnl_r", pnl.String()))
		}
	case e.params.DailyTargetR.IsPositive() && pnl.GreaterThanOrEqual(e.params.DailyTargetR):
		if e.lc.Pause(state.PauseDailyTarget) {
			e.log.Info("daily target reached, pausing", zap.String("pnl_r", pnl.String()))
		}
	}
}

func (e *Engine) nextClientOrderID() string {
	seq := atomic.AddUint64(&e.orderSeqNum, 1)
	return fmt.Sprintf("%s-%d", e.runID, seq)
}

// save persists the aggregate and publishes a fresh Status.
func (e *Engine) save() error {
	err := e.store.Save(e.lc)
	e.publish()
	if err != nil {
		e.log.Error("state write failed", zap.Error(err))
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (e *Engine) publish() {
	s := &Status{
		Symbol:      e.params.Symbol,
		Phase:       e.lc.Phase(),
		PauseReason: e.lc.PauseReason(),
		Day:         e.lc.Day,
		LastCandle:  e.lc.LastCandle,
		Stats:       e.stats,
		UpdatedAt:   e.clock().UTC(),
	}
	if pos, ok := e.lc.Position(); ok {
		s.Position = &pos
	}
	e.published.Store(s)
	pnl, _ := e.lc.Day.PnLR.Float64()
	e.metrics.Lifecycle(string(s.Phase), pnl, e.lc.Day.TradesClosed)
}
