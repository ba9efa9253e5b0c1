package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Phase string

const (
	Idle       Phase = "IDLE"
	Entering   Phase = "ENTERING"
	InPosition Phase = "IN_POSITION"
	Exiting    Phase = "EXITING"
	Paused     Phase = "PAUSED"
)

const (
	PauseDailyLoss   = "daily_loss"
	PauseDailyTarget = "daily_target"
)

type PendingKind string

const (
	PendingEntry PendingKind = "entry"
	PendingExit  PendingKind = "exit"
)

var (
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrInvalidSnapshot   = errors.New("invalid lifecycle snapshot")
)

type Position struct {
	Symbol         string          `json:"symbol"`
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	StopPrice      decimal.Decimal `json:"stopPrice"`
	TakePrice      decimal.Decimal `json:"takePrice"`
	Quantity       decimal.Decimal `json:"quantity"`
	RiskAmount     decimal.Decimal `json:"riskAmount"`
	EntryTime      time.Time       `json:"entryTime"`
	EntryOrderID   string          `json:"entryOrderId,omitempty"`
	BracketOrderID string          `json:"bracketOrderId,omitempty"`
	TradeID        string          `json:"tradeId"`
	Reason         string          `json:"reason,omitempty"`
}

func (p Position) validate() error {
	if !p.RiskAmount.IsPositive() {
		return fmt.Errorf("risk amount must be positive, got %s", p.RiskAmount)
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", p.Quantity)
	}
	if !p.EntryPrice.IsPositive() {
		return fmt.Errorf("entry price must be positive, got %s", p.EntryPrice)
	}
	return nil
}

// UnrealizedR is the open R multiple at price.
func (p Position) UnrealizedR(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(p.Quantity).Div(p.RiskAmount)
}

// Pending is the order whose outcome is unknown while the lifecycle is
// ENTERING or EXITING.
type Pending struct {
	Kind          PendingKind     `json:"kind"`
	ClientOrderID string          `json:"clientOrderId"`
	Position      *Position       `json:"position,omitempty"`
	ExitReason    string          `json:"exitReason,omitempty"`
	ExitPrice     decimal.Decimal `json:"exitPrice"`
	Since         time.Time       `json:"since"`
}

type Day struct {
	PnLR         decimal.Decimal `json:"pnlR"`
	TradesClosed int             `json:"tradesClosed"`
	ResetKey     string          `json:"resetKey"`
}

// Lifecycle is the persisted trading aggregate. Phase, position and the
// in-flight order only change through the transition methods.
type Lifecycle struct {
	phase    Phase
	position *Position
	pending  *Pending
	pause    string

	Day        Day
	LastCandle time.Time
}

func New() Lifecycle {
	return Lifecycle{phase: Idle, Day: Day{PnLR: decimal.Zero}}
}

func (l Lifecycle) Phase() Phase {
	if l.phase == "" {
		return Idle
	}
	return l.phase
}

func (l Lifecycle) Position() (Position, bool) {
	if l.position == nil {
		return Position{}, false
	}
	return *l.position, true
}

func (l Lifecycle) Pending() (Pending, bool) {
	if l.pending == nil {
		return Pending{}, false
	}
	p := *l.pending
	if p.Position != nil {
		pos := *p.Position
		p.Position = &pos
	}
	return p, true
}

func (l Lifecycle) PauseReason() string {
	return l.pause
}

// Clone returns a copy that shares no pointers with l.
func (l Lifecycle) Clone() Lifecycle {
	out := l
	if l.position != nil {
		pos := *l.position
		out.position = &pos
	}
	if l.pending != nil {
		p, _ := l.Pending()
		out.pending = &p
	}
	return out
}

// SeenCandle reports whether a candle closing at closeTime was already
// processed, and records it otherwise.
func (l *Lifecycle) SeenCandle(closeTime time.Time) bool {
	if !l.LastCandle.IsZero() && !closeTime.After(l.LastCandle) {
		return true
	}
	l.LastCandle = closeTime
	return false
}

// ResetDay starts a new trading day when key differs from the stored one.
// A pause caused by a daily limit is lifted.
func (l *Lifecycle) ResetDay(key string) bool {
	if key == l.Day.ResetKey {
		return false
	}
	l.Day = Day{PnLR: decimal.Zero, ResetKey: key}
	if l.pause == PauseDailyLoss || l.pause == PauseDailyTarget {
		l.pause = ""
		if l.phase == Paused {
			l.phase = l.restingPhase()
		}
	}
	return true
}

// Pause blocks new entries. An open position is kept and can still exit.
// Pausing while an order is in flight takes effect when it resolves.
func (l *Lifecycle) Pause(reason string) bool {
	if l.pause != "" {
		return false
	}
	l.pause = reason
	if l.phase == Idle || l.phase == InPosition || l.phase == "" {
		l.phase = Paused
	}
	return true
}

func (l *Lifecycle) BeginEntry(intended Position, clientOrderID string, at time.Time) error {
	if l.Phase() != Idle {
		return fmt.Errorf("%w: begin entry from %s", ErrInvalidTransition, l.Phase())
	}
	if err := intended.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	l.phase = Entering
	l.pending = &Pending{Kind: PendingEntry, ClientOrderID: clientOrderID, Position: &intended, Since: at}
	return nil
}

// Open confirms the in-flight entry with the filled position.
func (l *Lifecycle) Open(filled Position) error {
	if l.Phase() != Entering {
		return fmt.Errorf("%w: open from %s", ErrInvalidTransition, l.Phase())
	}
	if err := filled.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	l.position = &filled
	l.pending = nil
	l.phase = InPosition
	if l.pause != "" {
		l.phase = Paused
	}
	return nil
}

func (l *Lifecycle) AbortEntry() error {
	if l.Phase() != Entering {
		return fmt.Errorf("%w: abort entry from %s", ErrInvalidTransition, l.Phase())
	}
	l.pending = nil
	l.phase = l.restingPhase()
	return nil
}

func (l *Lifecycle) SetBracket(orderID string) error {
	if l.position == nil {
		return fmt.Errorf("%w: no position for bracket", ErrInvalidTransition)
	}
	l.position.BracketOrderID = orderID
	return nil
}

func (l *Lifecycle) BeginExit(reason string, price decimal.Decimal, clientOrderID string, at time.Time) error {
	if l.position == nil || (l.phase != InPosition && l.phase != Paused) {
		return fmt.Errorf("%w: begin exit from %s", ErrInvalidTransition, l.Phase())
	}
	l.phase = Exiting
	l.pending = &Pending{Kind: PendingExit, ClientOrderID: clientOrderID, ExitReason: reason, ExitPrice: price, Since: at}
	return nil
}

func (l *Lifecycle) AbortExit() error {
	if l.Phase() != Exiting {
		return fmt.Errorf("%w: abort exit from %s", ErrInvalidTransition, l.Phase())
	}
	l.pending = nil
	l.phase = l.restingPhase()
	return nil
}

// Close books the realised R of the exiting position. It is the only place
// the daily PnL and trade count change.
func (l *Lifecycle) Close(pnlR decimal.Decimal) (Position, error) {
	if l.Phase() != Exiting || l.position == nil {
		return Position{}, fmt.Errorf("%w: close from %s", ErrInvalidTransition, l.Phase())
	}
	closed := *l.position
	l.Day.PnLR = l.Day.PnLR.Add(pnlR)
	l.Day.TradesClosed++
	l.position = nil
	l.pending = nil
	l.phase = l.restingPhase()
	return closed, nil
}

func (l Lifecycle) restingPhase() Phase {
	switch {
	case l.pause != "":
		return Paused
	case l.position != nil:
		return InPosition
	default:
		return Idle
	}
}

func (l Lifecycle) validate() error {
	switch l.phase {
	case Idle:
		if l.position != nil || l.pending != nil {
			return errors.New("IDLE carries a position or pending order")
		}
		if l.pause != "" {
			return errors.New("IDLE carries a pause reason")
		}
	case Entering:
		if l.position != nil {
			return errors.New("ENTERING carries a position")
		}
		if l.pending == nil || l.pending.Kind != PendingEntry || l.pending.Position == nil {
			return errors.New("ENTERING without a pending entry")
		}
		if err := l.pending.Position.validate(); err != nil {
			return err
		}
	case InPosition:
		if l.position == nil || l.pending != nil {
			return errors.New("IN_POSITION needs exactly one position and no pending order")
		}
		if l.pause != "" {
			return errors.New("IN_POSITION carries a pause reason")
		}
	case Exiting:
		if l.position == nil {
			return errors.New("EXITING without a position")
		}
		if l.pending == nil || l.pending.Kind != PendingExit {
			return errors.New("EXITING without a pending exit")
		}
	case Paused:
		if l.pause == "" {
			return errors.New("PAUSED without a reason")
		}
		if l.pending != nil {
			return errors.New("PAUSED carries a pending order")
		}
	default:
		return fmt.Errorf("unknown phase %q", l.phase)
	}
	if l.position != nil {
		if err := l.position.validate(); err != nil {
			return err
		}
	}
	return nil
}
