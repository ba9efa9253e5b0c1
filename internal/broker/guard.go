package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CallRecorder interface {
	VenueCall(op string)
	VenueFailure(op string)
}

type nopRecorder struct{}

func (nopRecorder) VenueCall(string)    {}
func (nopRecorder) VenueFailure(string) {}

// Guard bounds every venue call with a timeout. Reads are retried with a
// linear backoff; order placements and cancels are attempted once, since
// the caller confirms them by client order id.
type Guard struct {
	inner   Venue
	timeout time.Duration
	retries int
	backoff time.Duration
	rec     CallRecorder
	log     *zap.Logger
}

func NewGuard(inner Venue, timeout time.Duration, retries int, backoff time.Duration, rec CallRecorder, logger *zap.Logger) *Guard {
	if rec == nil {
		rec = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retries < 0 {
		retries = 0
	}
	return &Guard{inner: inner, timeout: timeout, retries: retries, backoff: backoff, rec: rec, log: logger}
}

func (g *Guard) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func guarded[T any](ctx context.Context, g *Guard, op string, attempts int, fn func(context.Context) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if werr := WaitForContext(ctx, time.Duration(i)*g.backoff); werr != nil {
				break
			}
		}
		g.rec.VenueCall(op)
		callCtx, cancel := g.withTimeout(ctx)
		out, err = fn(callCtx)
		cancel()
		if err == nil {
			return out, nil
		}
		if !retryable(err) {
			break
		}
		g.log.Warn("venue call failed", zap.String("op", op), zap.Int("attempt", i+1), zap.Error(err))
	}
	g.rec.VenueFailure(op)
	g.log.Error("venue call gave up", zap.String("op", op), zap.Error(err))
	return out, err
}

func retryable(err error) bool {
	return !errors.Is(err, ErrUnknownSymbol) && !errors.Is(err, ErrOrderRejected) && !errors.Is(err, context.Canceled)
}

func (g *Guard) reads() int { return g.retries + 1 }

func (g *Guard) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return guarded(ctx, g, "balance", g.reads(), func(ctx context.Context) (decimal.Decimal, error) {
		return g.inner.Balance(ctx, asset)
	})
}

func (g *Guard) ExchangeFilters(ctx context.Context, symbol string) (Filters, error) {
	return guarded(ctx, g, "exchange_filters", g.reads(), func(ctx context.Context) (Filters, error) {
		return g.inner.ExchangeFilters(ctx, symbol)
	})
}

func (g *Guard) BookTicker(ctx context.Context, symbol string) (Quote, error) {
	return guarded(ctx, g, "book_ticker", g.reads(), func(ctx context.Context) (Quote, error) {
		return g.inner.BookTicker(ctx, symbol)
	})
}

func (g *Guard) OrderStatus(ctx context.Context, clientOrderID string) (OrderStatus, error) {
	return guarded(ctx, g, "order_status", g.reads(), func(ctx context.Context) (OrderStatus, error) {
		return g.inner.OrderStatus(ctx, clientOrderID)
	})
}

func (g *Guard) PlaceEntryOrder(ctx context.Context, order EntryOrder) (Fill, error) {
	return guarded(ctx, g, "place_entry", 1, func(ctx context.Context) (Fill, error) {
		return g.inner.PlaceEntryOrder(ctx, order)
	})
}

func (g *Guard) PlaceBracketExit(ctx context.Context, order BracketOrder) (OrderRef, error) {
	return guarded(ctx, g, "place_bracket", 1, func(ctx context.Context) (OrderRef, error) {
		return g.inner.PlaceBracketExit(ctx, order)
	})
}

func (g *Guard) CancelBracketExit(ctx context.Context, symbol, clientOrderID string) error {
	_, err := guarded(ctx, g, "cancel_bracket", 1, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CancelBracketExit(ctx, symbol, clientOrderID)
	})
	return err
}

func (g *Guard) PlaceMarketExit(ctx context.Context, order ExitOrder) (Fill, error) {
	return guarded(ctx, g, "place_exit", 1, func(ctx context.Context) (Fill, error) {
		return g.inner.PlaceMarketExit(ctx, order)
	})
}
