// client.go is the downstream venue REST client used by the bridge to
// place and cancel limit orders. Requests are retried on 5xx, and a
// dry-run mode returns fake successes without touching the venue.
//
// Order placement is REST-polled for confirmation with a 500ms latency
// budget; when the venue has not confirmed within the budget, a
// synthetic pending order is returned and the market-data feed is left
// to report the eventual fill or cancellation.
package orderbook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"deluthium-bridge/pkg/types"
)

// confirmBudget bounds how long a placement waits for venue confirmation.
const confirmBudget = 500 * time.Millisecond

// VenueClient talks to the downstream order-book exchange.
type VenueClient struct {
	http   *resty.Client
	dryRun bool
	logger *slog.Logger
}

// NewVenueClient creates the venue REST client.
func NewVenueClient(baseURL string, dryRun bool, logger *slog.Logger) *VenueClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &VenueClient{
		http:   httpClient,
		dryRun: dryRun,
		logger: logger.With("component", "venue_client"),
	}
}

type orderStatusDTO struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// PlaceOrder submits a limit order and polls briefly for confirmation.
func (c *VenueClient) PlaceOrder(ctx context.Context, ticker string, side types.Side, price, size decimal.Decimal) (*types.DownstreamOrder, error) {
	clientID := uuid.NewString()

	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"ticker", ticker, "side", side, "price", price, "size", size)
		return &types.DownstreamOrder{
			OrderID: "dry-run-" + clientID,
			Ticker:  ticker,
			Side:    side,
			Price:   price,
			Size:    size,
			Status:  "OPEN",
		}, nil
	}

	body := map[string]any{
		"client_id": clientID,
		"ticker":    ticker,
		"side":      string(side),
		"type":      "LIMIT",
		"price":     price.String(),
		"size":      size.String(),
		"post_only": true,
	}

	var placed orderStatusDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&placed).
		Post("/v4/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}

	order := &types.DownstreamOrder{
		OrderID: placed.OrderID,
		Ticker:  ticker,
		Side:    side,
		Price:   price,
		Size:    size,
		Status:  placed.Status,
	}
	if order.OrderID == "" {
		order.OrderID = clientID
	}

	// Poll for confirmation within the latency budget; past it, hand
	// back the order as pending and let the feed catch up.
	deadline := time.Now().Add(confirmBudget)
	for order.Status == "" || order.Status == "PENDING" {
		if time.Now().After(deadline) {
			order.Status = "PENDING"
			c.logger.Debug("order unconfirmed within budget, returning pending",
				"order_id", order.OrderID)
			break
		}
		status, serr := c.OrderStatus(ctx, order.OrderID)
		if serr == nil && status != "" {
			order.Status = status
			break
		}
		select {
		case <-ctx.Done():
			return order, nil
		case <-time.After(100 * time.Millisecond):
		}
	}

	return order, nil
}

// OrderStatus fetches the venue-side status of an order.
func (c *VenueClient) OrderStatus(ctx context.Context, orderID string) (string, error) {
	if c.dryRun {
		return "OPEN", nil
	}
	var dto orderStatusDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&dto).
		Get("/v4/orders/" + orderID)
	if err != nil {
		return "", fmt.Errorf("order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("order status: status %d", resp.StatusCode())
	}
	return dto.Status, nil
}

// CancelOrder removes a live order.
func (c *VenueClient) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/v4/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
