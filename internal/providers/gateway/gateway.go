// Package gateway creates shareable payment requests on the payment gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/mintflow/internal/config"
	"github.com/smallbiznis/mintflow/internal/payout"
	"github.com/smallbiznis/mintflow/internal/providers/httpjson"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.gateway",
	fx.Provide(NewFromConfig),
)

var ErrUnavailable = errors.New("gateway_unavailable")

type Receiver struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

type CreatePaymentRequestInput struct {
	Name       string         `json:"name"`
	Currency   string         `json:"currency"`
	Receivers  []Receiver     `json:"receivers"`
	WebhookURL string         `json:"webhookUrl"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PaymentRequest is the gateway-side request a payer settles.
type PaymentRequest struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Gateway interface {
	CreatePaymentRequest(ctx context.Context, in CreatePaymentRequestInput) (PaymentRequest, error)
}

// ReceiversFrom converts splitter output into gateway receivers.
func ReceiversFrom(allocations []payout.Allocation) []Receiver {
	receivers := make([]Receiver, 0, len(allocations))
	for _, alloc := range allocations {
		receivers = append(receivers, Receiver{Address: alloc.Address, Amount: alloc.Amount})
	}
	return receivers
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewFromConfig(cfg config.Config) Gateway {
	return New(cfg.Gateway)
}

func New(cfg config.ClientConfig) *Client {
	return &Client{
		baseURL:    strings.TrimSpace(cfg.BaseURL),
		apiKey:     cfg.APIKey,
		httpClient: httpjson.NewClient(cfg.Timeout),
	}
}

// CreatePaymentRequest registers receivers and amounts with the gateway. Every
// failure wraps ErrUnavailable.
func (c *Client) CreatePaymentRequest(ctx context.Context, in CreatePaymentRequestInput) (PaymentRequest, error) {
	if c.baseURL == "" {
		return PaymentRequest{}, fmt.Errorf("%w: base url not configured", ErrUnavailable)
	}
	if len(in.Receivers) == 0 {
		return PaymentRequest{}, fmt.Errorf("%w: no receivers", ErrUnavailable)
	}

	var out PaymentRequest
	err := httpjson.Do(ctx, c.httpClient, http.MethodPost,
		httpjson.JoinURL(c.baseURL, "/v1/payment-requests"),
		httpjson.Bearer(c.apiKey), in, &out)
	if err != nil {
		return PaymentRequest{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(out.ID) == "" || strings.TrimSpace(out.URL) == "" {
		return PaymentRequest{}, fmt.Errorf("%w: incomplete payment request", ErrUnavailable)
	}
	return out, nil
}
