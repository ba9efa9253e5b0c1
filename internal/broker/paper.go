package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Quoter supplies top-of-book prices to the paper venue.
type Quoter func(ctx context.Context, symbol string) (Quote, error)

// Paper is a simulated venue. Entry and market exit orders fill at once at
// the requested price; bracket orders rest until canceled. Buying power is
// not limited, so cash may go negative while a position is open.
type Paper struct {
	mu         sync.Mutex
	quoteAsset string
	cash       decimal.Decimal
	filters    Filters
	quoter     Quoter
	clock      func() time.Time
	orders     map[string]OrderStatus
	seq        int
	log        *zap.Logger
}

type PaperOption func(*Paper)

// WithQuoter makes BookTicker ask q instead of returning a zero spread.
func WithQuoter(q Quoter) PaperOption {
	return func(p *Paper) { p.quoter = q }
}

// WithClock stamps fills with clock() instead of the request time.
func WithClock(clock func() time.Time) PaperOption {
	return func(p *Paper) { p.clock = clock }
}

func NewPaper(quoteAsset string, cash decimal.Decimal, filters Filters, logger *zap.Logger, opts ...PaperOption) *Paper {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Paper{
		quoteAsset: quoteAsset,
		cash:       cash,
		filters:    filters,
		orders:     map[string]OrderStatus{},
		log:        logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Paper) now(at time.Time) time.Time {
	if p.clock != nil {
		return p.clock()
	}
	return at
}

func (p *Paper) nextID() string {
	p.seq++
	return fmt.Sprintf("paper-%d", p.seq)
}

func (p *Paper) Balance(_ context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !strings.EqualFold(asset, p.quoteAsset) {
		return decimal.Zero, nil
	}
	return p.cash, nil
}

func (p *Paper) ExchangeFilters(_ context.Context, symbol string) (Filters, error) {
	if strings.TrimSpace(symbol) == "" {
		return Filters{}, fmt.Errorf("%w: empty symbol", ErrUnknownSymbol)
	}
	return p.filters, nil
}

// BookTicker asks the configured Quoter. Without one it returns a unit
// quote with zero spread; callers only use the bid/ask ratio.
func (p *Paper) BookTicker(ctx context.Context, symbol string) (Quote, error) {
	if p.quoter != nil {
		return p.quoter(ctx, symbol)
	}
	return Quote{Bid: decimal.NewFromInt(1), Ask: decimal.NewFromInt(1)}, nil
}

func (p *Paper) PlaceEntryOrder(_ context.Context, order EntryOrder) (Fill, error) {
	if !order.Qty.IsPositive() {
		return Fill{}, fmt.Errorf("%w: quantity %s", ErrOrderRejected, order.Qty)
	}
	price := order.RefPrice
	if order.Type == Limit {
		price = order.LimitPrice
	}
	if !price.IsPositive() {
		return Fill{}, fmt.Errorf("%w: price %s", ErrOrderRejected, price)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.orders[order.ClientOrderID]; dup {
		return Fill{}, fmt.Errorf("%w: duplicate client order id %s", ErrOrderRejected, order.ClientOrderID)
	}
	fill := p.fill(order.ClientOrderID, order.Qty, price, order.At)
	p.cash = p.cash.Sub(price.Mul(order.Qty))
	p.log.Debug("paper entry filled", zap.String("symbol", order.Symbol), zap.String("qty", order.Qty.String()),
		zap.String("price", price.String()), zap.String("cash", p.cash.String()))
	return fill, nil
}

func (p *Paper) PlaceMarketExit(_ context.Context, order ExitOrder) (Fill, error) {
	if !order.Qty.IsPositive() || !order.RefPrice.IsPositive() {
		return Fill{}, fmt.Errorf("%w: exit qty %s at %s", ErrOrderRejected, order.Qty, order.RefPrice)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fill := p.fill(order.ClientOrderID, order.Qty, order.RefPrice, order.At)
	p.cash = p.cash.Add(order.RefPrice.Mul(order.Qty))
	p.log.Debug("paper exit filled", zap.String("symbol", order.Symbol), zap.String("qty", order.Qty.String()),
		zap.String("price", order.RefPrice.String()), zap.String("cash", p.cash.String()))
	return fill, nil
}

func (p *Paper) fill(clientOrderID string, qty, price decimal.Decimal, at time.Time) Fill {
	id := p.nextID()
	when := p.now(at)
	p.orders[clientOrderID] = OrderStatus{
		ClientOrderID: clientOrderID,
		OrderID:       id,
		State:         OrderFilled,
		FilledQty:     qty,
		AvgPrice:      price,
		FilledAt:      when,
	}
	return Fill{OrderID: id, ClientOrderID: clientOrderID, Qty: qty, Price: price, Time: when}
}

func (p *Paper) PlaceBracketExit(_ context.Context, order BracketOrder) (OrderRef, error) {
	if !order.StopPrice.LessThan(order.TakePrice) {
		return OrderRef{}, fmt.Errorf("%w: stop %s not below take %s", ErrOrderRejected, order.StopPrice, order.TakePrice)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID()
	p.orders[order.ClientOrderID] = OrderStatus{
		ClientOrderID: order.ClientOrderID,
		OrderID:       id,
		State:         OrderOpen,
		FilledQty:     decimal.Zero,
	}
	return OrderRef{ID: id, ClientOrderID: order.ClientOrderID, Status: string(OrderOpen)}, nil
}

func (p *Paper) CancelBracketExit(_ context.Context, _ string, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
	}
	if status.State != OrderOpen {
		return fmt.Errorf("cannot cancel %s order %s", status.State, clientOrderID)
	}
	status.State = OrderCanceled
	p.orders[clientOrderID] = status
	return nil
}

func (p *Paper) OrderStatus(_ context.Context, clientOrderID string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.orders[clientOrderID]
	if !ok {
		return OrderStatus{ClientOrderID: clientOrderID, State: OrderNotFound}, nil
	}
	return status, nil
}
