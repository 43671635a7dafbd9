// Package minting places creation orders with the item minting service and
// waits for the created items.
package minting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/mintflow/internal/config"
	"github.com/smallbiznis/mintflow/internal/providers/httpjson"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.minting",
	fx.Provide(NewFromConfig),
)

var (
	ErrUnavailable  = errors.New("minting_unavailable")
	ErrOrderFailed  = errors.New("minting_order_failed")
	ErrOrderPending = errors.New("minting_order_pending")
)

const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusFailed    = "failed"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollTimeout  = 30 * time.Second
)

type CreateItemsInput struct {
	// IdempotencyKey makes repeated orders for one payment collapse server-side.
	IdempotencyKey     string
	TemplateRef        string
	Quantity           int
	RecipientAccountID string
	RecipientHandle    string
	Origin             string
	Metadata           map[string]any
}

type Item struct {
	ID          string `json:"id"`
	TemplateRef string `json:"templateRef"`
}

type order struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Items  []Item `json:"items"`
	Error  string `json:"error,omitempty"`
}

type createOrderRequest struct {
	TemplateRef        string         `json:"templateRef"`
	Quantity           int            `json:"quantity"`
	RecipientAccountID string         `json:"recipientAccountId"`
	RecipientHandle    string         `json:"recipientHandle"`
	Origin             string         `json:"origin,omitempty"`
	CorrelationID      string         `json:"correlationId"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

type Minter interface {
	CreateItems(ctx context.Context, in CreateItemsInput) ([]Item, error)
}

type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewFromConfig(cfg config.Config) Minter {
	return New(cfg.Minting)
}

func New(cfg config.MintingConfig) *Client {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	return &Client{
		baseURL:      strings.TrimSpace(cfg.BaseURL),
		apiKey:       cfg.APIKey,
		httpClient:   httpjson.NewClient(cfg.Timeout),
		pollInterval: interval,
		pollTimeout:  timeout,
	}
}

// CreateItems places one order for in.Quantity units and polls until the order
// completes, fails or the poll timeout elapses.
func (c *Client) CreateItems(ctx context.Context, in CreateItemsInput) ([]Item, error) {
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return nil, errors.New("minting idempotency key is required")
	}
	if in.Quantity < 1 {
		in.Quantity = 1
	}

	headers := httpjson.Bearer(c.apiKey)
	headers.Set("Idempotency-Key", in.IdempotencyKey)

	var created order
	err := httpjson.Do(ctx, c.httpClient, http.MethodPost,
		httpjson.JoinURL(c.baseURL, "/v1/orders"), headers,
		createOrderRequest{
			TemplateRef:        in.TemplateRef,
			Quantity:           in.Quantity,
			RecipientAccountID: in.RecipientAccountID,
			RecipientHandle:    in.RecipientHandle,
			Origin:             in.Origin,
			CorrelationID:      ulid.Make().String(),
			Metadata:           in.Metadata,
		}, &created)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if done, items, err := settled(created); done {
		return items, err
	}
	if strings.TrimSpace(created.ID) == "" {
		return nil, fmt.Errorf("%w: order id missing", ErrUnavailable)
	}
	return c.await(ctx, created.ID)
}

func (c *Client) await(ctx context.Context, orderID string) ([]Item, error) {
	endpoint := httpjson.JoinURL(c.baseURL, "/v1/orders/"+url.PathEscape(orderID))
	headers := httpjson.Bearer(c.apiKey)

	poll := func() ([]Item, error) {
		var current order
		if err := httpjson.Do(ctx, c.httpClient, http.MethodGet, endpoint, headers, nil, &current); err != nil {
			var statusErr *httpjson.StatusError
			if errors.As(err, &statusErr) && !statusErr.Retryable() {
				return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
			}
			return nil, err
		}
		done, items, err := settled(current)
		if !done {
			return nil, ErrOrderPending
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return items, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.pollInterval
	policy.MaxInterval = 8 * c.pollInterval

	items, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(c.pollTimeout),
	)
	if err != nil {
		if errors.Is(err, ErrOrderFailed) || errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: order %s: %v", ErrUnavailable, orderID, err)
	}
	return items, nil
}

func settled(o order) (bool, []Item, error) {
	switch strings.ToLower(strings.TrimSpace(o.Status)) {
	case OrderStatusCompleted:
		if len(o.Items) == 0 {
			return true, nil, fmt.Errorf("%w: order %s completed without items", ErrOrderFailed, o.ID)
		}
		return true, o.Items, nil
	case OrderStatusFailed:
		return true, nil, fmt.Errorf("%w: order %s: %s", ErrOrderFailed, o.ID, o.Error)
	default:
		return false, nil, nil
	}
}
