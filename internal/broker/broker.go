package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client is the Alpaca venue. Lot filters come from configuration and are
// tightened to whole shares for assets that are not fractionable.
type Client struct {
	client    *alpaca.Client
	data      *marketdata.Client
	feed      string
	filters   Filters
	pollEvery time.Duration
	log       *zap.Logger
}

func New(apiKey, apiSecret, baseURL, feed string, filters Filters, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}
	return &Client{
		client: alpaca.NewClient(opts),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		feed:      feed,
		filters:   filters,
		pollEvery: 500 * time.Millisecond,
		log:       logger,
	}
}

// call runs a blocking SDK request and gives up when ctx is done. The SDK
// does not take a context, so an abandoned request finishes in background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}

func (c *Client) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if !strings.EqualFold(asset, "USD") {
		return decimal.Zero, fmt.Errorf("alpaca accounts hold USD, not %s", asset)
	}
	acct, err := call(ctx, c.client.GetAccount)
	if err != nil {
		c.log.Error("fetch account failed", zap.Error(err))
		return decimal.Zero, err
	}
	c.log.Debug("account fetched", zap.String("cash", acct.Cash.String()), zap.String("equity", acct.Equity.String()))
	return acct.Cash, nil
}

func (c *Client) ExchangeFilters(ctx context.Context, symbol string) (Filters, error) {
	asset, err := call(ctx, func() (*alpaca.Asset, error) { return c.client.GetAsset(symbol) })
	if err != nil {
		if isNotFound(err) {
			return Filters{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
		}
		return Filters{}, err
	}
	if !asset.Tradable {
		return Filters{}, fmt.Errorf("%w: %s is not tradable", ErrUnknownSymbol, symbol)
	}
	filters := c.filters
	if !asset.Fractionable {
		filters.StepSize = decimal.NewFromInt(1)
		filters.MinQty = decimal.Max(filters.MinQty, decimal.NewFromInt(1))
	}
	c.log.Info("asset filters", zap.String("symbol", symbol), zap.Bool("fractionable", asset.Fractionable),
		zap.String("step", filters.StepSize.String()), zap.String("min_qty", filters.MinQty.String()))
	return filters, nil
}

func (c *Client) BookTicker(ctx context.Context, symbol string) (Quote, error) {
	q, err := call(ctx, func() (*marketdata.Quote, error) {
		return c.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{Feed: marketdata.Feed(c.feed)})
	})
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Bid: decimal.NewFromFloat(q.BidPrice),
		Ask: decimal.NewFromFloat(q.AskPrice),
	}, nil
}

func (c *Client) PlaceEntryOrder(ctx context.Context, order EntryOrder) (Fill, error) {
	qty := order.Qty
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ClientOrderID,
	}
	if order.Type == Limit {
		limit := order.LimitPrice
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}
	return c.placeAndWait(ctx, req)
}

func (c *Client) PlaceMarketExit(ctx context.Context, order ExitOrder) (Fill, error) {
	qty := order.Qty
	return c.placeAndWait(ctx, alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Sell,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ClientOrderID,
	})
}

func (c *Client) placeAndWait(ctx context.Context, req alpaca.PlaceOrderRequest) (Fill, error) {
	placed, err := call(ctx, func() (*alpaca.Order, error) { return c.client.PlaceOrder(req) })
	if err != nil {
		c.log.Error("place order failed", zap.String("side", string(req.Side)), zap.String("symbol", req.Symbol),
			zap.String("qty", req.Qty.String()), zap.String("client_order_id", req.ClientOrderID), zap.Error(err))
		return Fill{}, err
	}
	c.log.Info("place order success", zap.String("order_id", placed.ID), zap.String("side", string(req.Side)),
		zap.String("symbol", req.Symbol), zap.String("qty", req.Qty.String()), zap.String("status", string(placed.Status)))

	order := placed
	for {
		status := statusOf(order)
		switch {
		case status.Filled():
			return Fill{
				OrderID:       status.OrderID,
				ClientOrderID: status.ClientOrderID,
				Qty:           status.FilledQty,
				Price:         status.AvgPrice,
				Time:          status.FilledAt,
			}, nil
		case status.Terminal():
			return Fill{}, fmt.Errorf("%w: %s is %s", ErrOrderRejected, req.ClientOrderID, order.Status)
		}
		if err := WaitForContext(ctx, c.pollEvery); err != nil {
			return Fill{}, err
		}
		id := placed.ID
		order, err = call(ctx, func() (*alpaca.Order, error) { return c.client.GetOrder(id) })
		if err != nil {
			return Fill{}, err
		}
	}
}

func (c *Client) PlaceBracketExit(ctx context.Context, order BracketOrder) (OrderRef, error) {
	qty := order.Qty
	take := order.TakePrice
	stop := order.StopPrice
	stopLimit := order.StopLimitPrice
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Sell,
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.Day,
		OrderClass:    alpaca.OCO,
		ClientOrderID: order.ClientOrderID,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &take},
		StopLoss:      &alpaca.StopLoss{StopPrice: &stop, LimitPrice: &stopLimit},
	}
	placed, err := call(ctx, func() (*alpaca.Order, error) { return c.client.PlaceOrder(req) })
	if err != nil {
		c.log.Error("place bracket failed", zap.String("symbol", order.Symbol), zap.Error(err))
		return OrderRef{}, err
	}
	return OrderRef{ID: placed.ID, ClientOrderID: placed.ClientOrderID, Status: string(placed.Status)}, nil
}

func (c *Client) CancelBracketExit(ctx context.Context, symbol, clientOrderID string) error {
	order, err := c.orderByClientID(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if _, err := call(ctx, func() (struct{}, error) { return struct{}{}, c.client.CancelOrder(order.ID) }); err != nil {
		c.log.Error("cancel order failed", zap.String("symbol", symbol), zap.String("order_id", order.ID), zap.Error(err))
		return err
	}
	return nil
}

func (c *Client) OrderStatus(ctx context.Context, clientOrderID string) (OrderStatus, error) {
	order, err := c.orderByClientID(ctx, clientOrderID)
	if errors.Is(err, ErrOrderNotFound) {
		return OrderStatus{ClientOrderID: clientOrderID, State: OrderNotFound}, nil
	}
	if err != nil {
		return OrderStatus{}, err
	}
	return statusOf(order), nil
}

func (c *Client) orderByClientID(ctx context.Context, clientOrderID string) (*alpaca.Order, error) {
	order, err := call(ctx, func() (*alpaca.Order, error) { return c.client.GetOrderByClientOrderID(clientOrderID) })
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
		}
		return nil, err
	}
	return order, nil
}

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// statusOf maps an Alpaca order, including OCO legs, to an OrderStatus.
// The parent of an OCO exit is the take-profit limit; its leg is the stop.
func statusOf(order *alpaca.Order) OrderStatus {
	status := OrderStatus{
		ClientOrderID: order.ClientOrderID,
		OrderID:       order.ID,
		State:         stateOf(string(order.Status)),
		FilledQty:     order.FilledQty,
	}
	if status.Filled() {
		fillDetails(&status, order)
		if len(order.Legs) > 0 {
			status.Leg = LegTake
		}
		return status
	}
	for i := range order.Legs {
		leg := &order.Legs[i]
		if stateOf(string(leg.Status)) == OrderFilled {
			status.State = OrderFilled
			status.FilledQty = leg.FilledQty
			fillDetails(&status, leg)
			status.Leg = LegStop
			return status
		}
	}
	return status
}

func fillDetails(status *OrderStatus, order *alpaca.Order) {
	if order.FilledAvgPrice != nil {
		status.AvgPrice = *order.FilledAvgPrice
	}
	if order.FilledAt != nil {
		status.FilledAt = *order.FilledAt
	}
}

func stateOf(status string) OrderState {
	switch status {
	case "filled":
		return OrderFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return OrderCanceled
	case "rejected", "suspended", "stopped":
		return OrderRejected
	default:
		return OrderOpen
	}
}
