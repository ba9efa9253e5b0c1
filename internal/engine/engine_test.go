package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"breakoutbot/internal/broker"
	"breakoutbot/internal/ledger"
	"breakoutbot/internal/md"
	"breakoutbot/internal/risk"
	"breakoutbot/internal/session"
	"breakoutbot/internal/state"
	"breakoutbot/internal/strategy"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

var base = time.Date(2024, 3, 4, 14, 31, 0, 0, time.UTC)

func candleAt(at time.Time, close string) md.Candle {
	c := d(close)
	return md.Candle{
		Symbol:    "TEST",
		OpenTime:  at.Add(-time.Minute),
		CloseTime: at,
		Open:      c,
		High:      c.Add(d("0.5")),
		Low:       c.Sub(d("0.5")),
		Close:     c,
		Volume:    d("1"),
		Final:     true,
	}
}

func candle(i int, close string) md.Candle {
	return candleAt(base.Add(time.Duration(i)*time.Minute), close)
}

func testParams() Params {
	return Params{
		Symbol:     "TEST",
		QuoteAsset: "USD",
		Location:   time.UTC,
		Window:     session.AllDay(),
		Strategy: strategy.Params{
			NBreakout: 3,
			VolM:      3,
			MinATR:    decimal.Zero,
			KATR:      d("1"),
			RMult:     d("2"),
		},
		ATRPeriod:       3,
		RiskPct:         d("0.005"),
		Filters:         broker.Filters{StepSize: d("0.01")},
		TimeStop:        20 * time.Minute,
		DailyMaxLossR:   d("2"),
		OrderType:       broker.Market,
		StopLimitOffset: d("0.0005"),
	}
}

// scriptedVenue is a paper venue with injectable failures.
type scriptedVenue struct {
	*broker.Paper
	entryErr     error
	fillOnError  bool
	bracketErr   error
	bracketLost  error
	statusErr    error
	exitErr      error
	bracketState map[string]broker.OrderStatus
}

func newScriptedVenue(t *testing.T) *scriptedVenue {
	return &scriptedVenue{
		Paper:        broker.NewPaper("USD", d("10000"), broker.Filters{StepSize: d("0.01")}, zaptest.NewLogger(t)),
		bracketState: map[string]broker.OrderStatus{},
	}
}

func (v *scriptedVenue) PlaceEntryOrder(ctx context.Context, order broker.EntryOrder) (broker.Fill, error) {
	if v.entryErr != nil {
		if v.fillOnError {
			_, _ = v.Paper.PlaceEntryOrder(ctx, order)
		}
		return broker.Fill{}, v.entryErr
	}
	return v.Paper.PlaceEntryOrder(ctx, order)
}

func (v *scriptedVenue) PlaceBracketExit(ctx context.Context, order broker.BracketOrder) (broker.OrderRef, error) {
	if v.bracketErr != nil {
		return broker.OrderRef{}, v.bracketErr
	}
	ref, err := v.Paper.PlaceBracketExit(ctx, order)
	if err == nil && v.bracketLost != nil {
		return broker.OrderRef{}, v.bracketLost
	}
	return ref, err
}

func (v *scriptedVenue) PlaceMarketExit(ctx context.Context, order broker.ExitOrder) (broker.Fill, error) {
	if v.exitErr != nil {
		return broker.Fill{}, v.exitErr
	}
	return v.Paper.PlaceMarketExit(ctx, order)
}

func (v *scriptedVenue) OrderStatus(ctx context.Context, clientOrderID string) (broker.OrderStatus, error) {
	if v.statusErr != nil {
		return broker.OrderStatus{}, v.statusErr
	}
	if status, ok := v.bracketState[clientOrderID]; ok {
		return status, nil
	}
	return v.Paper.OrderStatus(ctx, clientOrderID)
}

type harness struct {
	engine *Engine
	venue  *scriptedVenue
	store  *state.MemoryStore
	ledger *ledger.Memory
}

func newHarness(t *testing.T, params Params) *harness {
	t.Helper()
	h := &harness{
		venue:  newScriptedVenue(t),
		store:  state.NewMemoryStore(),
		ledger: ledger.NewMemory(),
	}
	h.engine = New(params, Deps{
		Venue:  h.venue,
		Store:  h.store,
		Ledger: h.ledger,
		Gate:   risk.NewGate(false, d("0.0005"), nil),
		Log:    zaptest.NewLogger(t),
		RunID:  "run",
		Clock:  func() time.Time { return base },
	})
	return h
}

func (h *harness) feed(t *testing.T, candles ...md.Candle) {
	t.Helper()
	for _, c := range candles {
		require.NoError(t, h.engine.OnCandle(context.Background(), c))
	}
}

// breakout feeds closes 10, 12, 9, 15; the fourth candle breaks out.
func (h *harness) breakout(t *testing.T) state.Position {
	t.Helper()
	h.feed(t, candle(0, "10"), candle(1, "12"), candle(2, "9"))
	require.Equal(t, state.Idle, h.engine.Lifecycle().Phase(), "no entry before the window is full")
	h.feed(t, candle(3, "15"))
	pos, ok := h.engine.Lifecycle().Position()
	require.True(t, ok, "entry expected on the fourth candle")
	return pos
}

func TestEntryTriggersOnBreakoutCandleOnly(t *testing.T) {
	h := newHarness(t, testParams())
	pos := h.breakout(t)

	lc := h.engine.Lifecycle()
	assert.Equal(t, state.InPosition, lc.Phase())
	assert.True(t, d("15").Equal(pos.EntryPrice))
	assert.True(t, pos.Quantity.IsPositive())
	assert.True(t, d("50").Equal(pos.RiskAmount))
	assert.True(t, pos.StopPrice.LessThan(pos.EntryPrice))
	assert.True(t, base.Add(3*time.Minute).Equal(pos.EntryTime), "simulated fills confirm at candle close")
	assert.NotEmpty(t, pos.BracketOrderID)

	saved, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.InPosition, saved.Phase())
	assert.Equal(t, 1, h.engine.Stats().Entries)
}

func TestStopExitClosesAtStopPrice(t *testing.T) {
	h := newHarness(t, testParams())
	pos := h.breakout(t)

	h.feed(t, candle(4, "10"))

	lc := h.engine.Lifecycle()
	assert.Equal(t, state.Idle, lc.Phase())
	records := h.ledger.Records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, ExitStopLoss, rec.ExitReason)
	assert.True(t, pos.StopPrice.Equal(rec.Exit), "exit %s stop %s", rec.Exit, pos.StopPrice)

	expected := pos.StopPrice.Sub(pos.EntryPrice).Mul(pos.Quantity).Div(pos.RiskAmount)
	assert.True(t, expected.Equal(rec.PnLR), "pnlR %s expected %s", rec.PnLR, expected)
	assert.True(t, expected.Equal(lc.Day.PnLR))
	assert.Equal(t, "LONG", rec.Side)
	assert.Equal(t, pos.TradeID, rec.TradeID)

	bracket, err := h.venue.Paper.OrderStatus(context.Background(), pos.BracketOrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.OrderCanceled, bracket.State)
}

func TestTakeProfitClosesAtTakePrice(t *testing.T) {
	h := newHarness(t, testParams())
	pos := h.breakout(t)

	h.feed(t, candle(4, "30"))

	records := h.ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, ExitTakeProfit, records[0].ExitReason)
	assert.True(t, pos.TakePrice.Equal(records[0].Exit))
	assert.True(t, records[0].PnLR.GreaterThan(d("1.9")))
}

func TestTimeStopClosesStalledTrade(t *testing.T) {
	h := newHarness(t, testParams())
	pos := h.breakout(t)

	h.feed(t, candle(10, "15.1"))
	assert.Equal(t, state.InPosition, h.engine.Lifecycle().Phase(), "too early for the time stop")

	h.feed(t, candleAt(pos.EntryTime.Add(20*time.Minute), "15.1"))
	records := h.ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, ExitTimeStop, records[0].ExitReason)
	assert.True(t, d("15.1").Equal(records[0].Exit))
}

func TestVWAPFlipHasPriority(t *testing.T) {
	params := testParams()
	params.VWAPFlipExit = true
	h := newHarness(t, params)
	h.breakout(t)

	h.feed(t, candle(4, "10"))

	records := h.ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, ExitVWAPFlip, records[0].ExitReason)
	assert.True(t, d("10").Equal(records[0].Exit), "flip exits at the close")
}

func TestRoundTripIsBookedExactlyOnce(t *testing.T) {
	h := newHarness(t, testParams())
	h.breakout(t)
	h.feed(t, candle(4, "10"), candle(5, "10"), candle(6, "10.2"))
	h.feed(t, candle(6, "10.2"))

	lc := h.engine.Lifecycle()
	assert.Equal(t, 1, lc.Day.TradesClosed)
	assert.Len(t, h.ledger.Records(), 1)
	assert.Equal(t, 1, h.engine.Stats().Trades)
	assert.Equal(t, 1, h.engine.Stats().Duplicates)
	assert.Equal(t, 7, h.engine.Stats().Candles)
}

func TestDailyLossPausesUntilNextDay(t *testing.T) {
	params := testParams()
	h := newHarness(t, params)

	seed := state.New()
	seed.ResetDay("2024-03-04")
	seed.Day.PnLR = d("-1.1")
	require.NoError(t, h.store.Save(seed))
	require.NoError(t, h.engine.Restore(context.Background()))

	h.breakout(t)
	h.feed(t, candle(4, "10"))

	lc := h.engine.Lifecycle()
	require.Equal(t, state.Paused, lc.Phase())
	assert.Equal(t, state.PauseDailyLoss, lc.PauseReason())
	assert.True(t, lc.Day.PnLR.LessThanOrEqual(d("-2")))

	// A fresh breakout the same day is ignored.
	h.feed(t, candle(5, "11"), candle(6, "13"), candle(7, "30"))
	assert.Equal(t, 1, h.engine.Stats().Entries)
	assert.Equal(t, state.Paused, h.engine.Lifecycle().Phase())

	h.feed(t, candleAt(base.Add(24*time.Hour), "30"))
	lc = h.engine.Lifecycle()
	assert.Equal(t, state.Idle, lc.Phase())
	assert.Equal(t, "2024-03-05", lc.Day.ResetKey)
	assert.True(t, lc.Day.PnLR.IsZero())
	assert.Equal(t, 0, lc.Day.TradesClosed)
}

func TestZeroDailyMaxLossDisablesBreaker(t *testing.T) {
	params := testParams()
	params.DailyMaxLossR = decimal.Zero
	h := newHarness(t, params)

	h.breakout(t)
	h.feed(t, candle(4, "10"))

	lc := h.engine.Lifecycle()
	require.True(t, lc.Day.PnLR.IsNegative(), "expected a losing trade, got %s", lc.Day.PnLR)
	assert.Equal(t, state.Idle, lc.Phase())
}

func TestDailyTargetPauses(t *testing.T) {
	params := testParams()
	params.DailyTargetR = d("1.5")
	h := newHarness(t, params)
	h.breakout(t)

	h.feed(t, candle(4, "30"))
	lc := h.engine.Lifecycle()
	assert.Equal(t, state.Paused, lc.Phase())
	assert.Equal(t, state.PauseDailyTarget, lc.PauseReason())
}

func TestSameDayCandlesDoNotResetDay(t *testing.T) {
	h := newHarness(t, testParams())
	h.breakout(t)
	h.feed(t, candle(4, "10"))
	require.Equal(t, 1, h.engine.Lifecycle().Day.TradesClosed)

	h.feed(t, candle(5, "10"), candle(6, "10"))
	assert.Equal(t, 1, h.engine.Lifecycle().Day.TradesClosed)
}

func TestNoEntryOutsideTradingHours(t *testing.T) {
	params := testParams()
	params.Window = session.Window{Start: 9 * 60, End: 10 * 60}
	h := newHarness(t, params)

	h.feed(t, candle(0, "10"), candle(1, "12"), candle(2, "9"), candle(3, "15"))
	assert.Equal(t, state.Idle, h.engine.Lifecycle().Phase())
	assert.Equal(t, 0, h.engine.Stats().Entries)
}

func TestKillSwitchBlocksEntries(t *testing.T) {
	h := newHarness(t, testParams())
	h.engine.gate = risk.NewGate(true, d("0.0005"), nil)

	h.feed(t, candle(0, "10"), candle(1, "12"), candle(2, "9"), candle(3, "15"))
	assert.Equal(t, state.Idle, h.engine.Lifecycle().Phase())
}

func TestFailedEntryRevertsToIdle(t *testing.T) {
	h := newHarness(t, testParams())
	h.venue.entryErr = errors.New("venue down")

	h.feed(t, candle(0, "10"), candle(1, "12"), candle(2, "9"), candle(3, "15"))

	lc := h.engine.Lifecycle()
	assert.Equal(t, state.Idle, lc.Phase())
	_, ok := lc.Position()
	assert.False(t, ok)
	saved, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.Idle, saved.Phase())
	assert.Equal(t, 0, h.engine.Stats().Entries)
}

func TestEntryThatReachedVenueIsKept(t *testing.T) {
	h := newHarness(t, testParams())
	h.venue.entryErr = errors.New("timeout after send")
	h.venue.fillOnError = true

	h.feed(t, candle(0, "10"), candle(1, "12"), candle(2, "9"), candle(3, "15"))

	assert.Equal(t, state.InPosition, h.engine.Lifecycle().Phase())
}

func TestBracketFailureKeepsPosition(t *testing.T) {
	h := newHarness(t, testParams())
	h.venue.bracketErr = errors.New("oco rejected")

	pos := h.breakout(t)
	assert.Empty(t, pos.BracketOrderID)
	assert.Equal(t, state.InPosition, h.engine.Lifecycle().Phase())

	h.venue.bracketErr = nil
	h.feed(t, candle(4, "10"))
	require.Len(t, h.ledger.Records(), 1)
}

func TestBracketThatReachedVenueIsKept(t *testing.T) {
	h := newHarness(t, testParams())
	h.venue.bracketLost = context.DeadlineExceeded

	pos := h.breakout(t)
	require.NotEmpty(t, pos.BracketOrderID, "a resting bracket must stay recorded")

	h.venue.bracketLost = nil
	h.feed(t, candle(4, "10"))

	require.Len(t, h.ledger.Records(), 1)
	assert.Equal(t, state.Idle, h.engine.Lifecycle().Phase())
	bracket, err := h.venue.Paper.OrderStatus(context.Background(), pos.BracketOrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.OrderCanceled, bracket.State, "bracket must not outlive the position")
}

func TestBracketOutcomeUnknownKeepsOrderID(t *testing.T) {
	h := newHarness(t, testParams())
	h.venue.bracketErr = context.DeadlineExceeded
	h.venue.statusErr = errors.New("venue unreachable")

	pos := h.breakout(t)
	require.NotEmpty(t, pos.BracketOrderID)
	saved, err := h.store.Load()
	require.NoError(t, err)
	savedPos, ok := saved.Position()
	require.True(t, ok)
	assert.Equal(t, pos.BracketOrderID, savedPos.BracketOrderID)

	// Once the venue answers, the unknown bracket resolves to not found and
	// the position exits at market.
	h.venue.bracketErr = nil
	h.venue.statusErr = nil
	h.feed(t, candle(4, "10"))
	require.Len(t, h.ledger.Records(), 1)
	assert.Equal(t, state.Idle, h.engine.Lifecycle().Phase())
}

func TestFailedExitRestoresPosition(t *testing.T) {
	h := newHarness(t, testParams())
	h.breakout(t)
	h.venue.exitErr = errors.New("rejected")

	h.feed(t, candle(4, "10"))
	lc := h.engine.Lifecycle()
	assert.Equal(t, state.InPosition, lc.Phase())
	assert.Empty(t, h.ledger.Records())
	assert.Equal(t, 0, lc.Day.TradesClosed)

	h.venue.exitErr = nil
	h.feed(t, candle(5, "10"))
	assert.Len(t, h.ledger.Records(), 1)
	assert.Equal(t, state.Idle, h.engine.Lifecycle().Phase())
}

func TestNonFinalCandleIgnored(t *testing.T) {
	h := newHarness(t, testParams())
	c := candle(0, "10")
	c.Final = false

	h.feed(t, c)
	assert.Equal(t, 0, h.engine.Stats().Candles)
	assert.True(t, h.engine.Lifecycle().LastCandle.IsZero())
}

func TestStatusIsPublished(t *testing.T) {
	h := newHarness(t, testParams())
	h.breakout(t)

	status := h.engine.Status()
	assert.Equal(t, state.InPosition, status.Phase)
	require.NotNil(t, status.Position)
	assert.Equal(t, "TEST", status.Symbol)
	assert.Equal(t, 4, status.Stats.Candles)
}

type recordingJournal struct{ decisions []Decision }

func (j *recordingJournal) Append(d Decision) { j.decisions = append(j.decisions, d) }

func TestJournalGetsOneDecisionPerCandle(t *testing.T) {
	h := newHarness(t, testParams())
	j := &recordingJournal{}
	h.engine.journal = j

	h.breakout(t)
	require.Len(t, j.decisions, 4)
	assert.Equal(t, "hold", j.decisions[0].Result)
	assert.Equal(t, "insufficient_data", j.decisions[0].Reason)
	assert.Equal(t, "entered", j.decisions[3].Result)
	assert.Equal(t, strategy.Buy, j.decisions[3].Intent)
	assert.Equal(t, string(state.InPosition), j.decisions[3].Phase)
}

func TestJournalRecordsApprovedSpread(t *testing.T) {
	h := newHarness(t, testParams())
	j := &recordingJournal{}
	h.engine.journal = j

	h.breakout(t)
	require.Len(t, j.decisions, 4)
	assert.False(t, j.decisions[0].Spread.Valid)
	entry := j.decisions[3]
	require.True(t, entry.Spread.Valid, "entry decision should carry the approved spread")
	if !entry.Spread.Decimal.IsZero() {
		t.Fatalf("expected zero spread from the unit quote, got %s", entry.Spread.Decimal)
	}
}

func TestExitSlippageReducesExitPrice(t *testing.T) {
	params := testParams()
	params.ExitSlippageBps = d("10")
	h := newHarness(t, params)
	pos := h.breakout(t)

	h.feed(t, candle(4, "30"))
	records := h.ledger.Records()
	require.Len(t, records, 1)
	expected := pos.TakePrice.Mul(d("0.999"))
	assert.True(t, expected.Equal(records[0].Exit), "exit %s", records[0].Exit)
}

func seededPosition() state.Position {
	return state.Position{
		Symbol:     "TEST",
		EntryPrice: d("15"),
		StopPrice:  d("12"),
		TakePrice:  d("21"),
		Quantity:   d("2"),
		RiskAmount: d("6"),
		EntryTime:  base,
		TradeID:    "trade-1",
	}
}

func TestRestoreAbortsEntryThatNeverReachedVenue(t *testing.T) {
	h := newHarness(t, testParams())
	seed := state.New()
	seed.ResetDay("2024-03-04")
	require.NoError(t, seed.BeginEntry(seededPosition(), "old-1", base))
	require.NoError(t, h.store.Save(seed))

	require.NoError(t, h.engine.Restore(context.Background()))

	assert.Equal(t, state.Idle, h.engine.Lifecycle().Phase())
	saved, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.Idle, saved.Phase())
}

func TestRestoreOpensEntryThatFilled(t *testing.T) {
	h := newHarness(t, testParams())
	seed := state.New()
	require.NoError(t, seed.BeginEntry(seededPosition(), "old-1", base))
	require.NoError(t, h.store.Save(seed))
	_, err := h.venue.Paper.PlaceEntryOrder(context.Background(), broker.EntryOrder{
		Symbol: "TEST", ClientOrderID: "old-1", Qty: d("2"), Type: broker.Market, RefPrice: d("15.2"), At: base,
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.Restore(context.Background()))

	lc := h.engine.Lifecycle()
	require.Equal(t, state.InPosition, lc.Phase())
	pos, _ := lc.Position()
	assert.True(t, d("15.2").Equal(pos.EntryPrice))
	assert.NotEmpty(t, pos.BracketOrderID)
}

func TestRestoreBooksExitThatFilled(t *testing.T) {
	h := newHarness(t, testParams())
	seed := state.New()
	seed.ResetDay("2024-03-04")
	require.NoError(t, seed.BeginEntry(seededPosition(), "old-1", base))
	require.NoError(t, seed.Open(seededPosition()))
	require.NoError(t, seed.BeginExit(ExitStopLoss, d("12"), "old-2", base.Add(5*time.Minute)))
	require.NoError(t, h.store.Save(seed))
	_, err := h.venue.Paper.PlaceMarketExit(context.Background(), broker.ExitOrder{
		Symbol: "TEST", ClientOrderID: "old-2", Qty: d("2"), RefPrice: d("12"), At: base.Add(5 * time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.Restore(context.Background()))

	lc := h.engine.Lifecycle()
	assert.Equal(t, state.Idle, lc.Phase())
	assert.Equal(t, 1, lc.Day.TradesClosed)
	assert.True(t, d("-1").Equal(lc.Day.PnLR))
	records := h.ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, ExitStopLoss, records[0].ExitReason)
	assert.Equal(t, "trade-1", records[0].TradeID)
}

func TestRestoreKeepsPositionWhenExitNeverReachedVenue(t *testing.T) {
	h := newHarness(t, testParams())
	seed := state.New()
	require.NoError(t, seed.BeginEntry(seededPosition(), "old-1", base))
	require.NoError(t, seed.Open(seededPosition()))
	require.NoError(t, seed.BeginExit(ExitStopLoss, d("12"), "old-2", base))
	require.NoError(t, h.store.Save(seed))

	require.NoError(t, h.engine.Restore(context.Background()))

	assert.Equal(t, state.InPosition, h.engine.Lifecycle().Phase())
	assert.Empty(t, h.ledger.Records())
}

func TestRestoreFailsWhenVenueUnreachable(t *testing.T) {
	h := newHarness(t, testParams())
	seed := state.New()
	require.NoError(t, seed.BeginEntry(seededPosition(), "old-1", base))
	require.NoError(t, h.store.Save(seed))
	h.venue.statusErr = errors.New("connection refused")

	err := h.engine.Restore(context.Background())
	require.Error(t, err)
	assert.Equal(t, state.Entering, h.engine.Lifecycle().Phase())
}

func TestReconcileBooksFilledBracket(t *testing.T) {
	h := newHarness(t, testParams())
	pos := h.breakout(t)
	h.venue.bracketState[pos.BracketOrderID] = broker.OrderStatus{
		ClientOrderID: pos.BracketOrderID,
		State:         broker.OrderFilled,
		FilledQty:     pos.Quantity,
		AvgPrice:      pos.TakePrice,
		FilledAt:      base.Add(6 * time.Minute),
		Leg:           broker.LegTake,
	}

	require.NoError(t, h.engine.Reconcile(context.Background()))

	assert.Equal(t, state.Idle, h.engine.Lifecycle().Phase())
	records := h.ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, ExitTakeProfit, records[0].ExitReason)
	assert.True(t, pos.TakePrice.Equal(records[0].Exit))

	// A second pass finds nothing left to book.
	require.NoError(t, h.engine.Reconcile(context.Background()))
	assert.Len(t, h.ledger.Records(), 1)
}

func TestReconcileDropsCanceledBracket(t *testing.T) {
	h := newHarness(t, testParams())
	pos := h.breakout(t)
	require.NoError(t, h.venue.Paper.CancelBracketExit(context.Background(), "TEST", pos.BracketOrderID))

	require.NoError(t, h.engine.Reconcile(context.Background()))

	lc := h.engine.Lifecycle()
	assert.Equal(t, state.InPosition, lc.Phase())
	got, _ := lc.Position()
	assert.Empty(t, got.BracketOrderID)
}
