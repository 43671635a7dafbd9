package webhook

import (
	"bytes"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/mintflow/internal/config"
	"github.com/smallbiznis/mintflow/internal/payment/domain"
	"gorm.io/datatypes"
)

const (
	HeaderClientID     = "X-Webhook-Client-Id"
	HeaderClientSecret = "X-Webhook-Client-Secret"
	HeaderTimestamp    = "X-Webhook-Timestamp"

	defaultMaxAge = 5 * time.Minute

	// unix timestamps at or above this are milliseconds
	millisecondThreshold = 1_000_000_000_000
)

// Authenticator verifies gateway credentials, freshness and body shape. It
// performs no I/O.
type Authenticator struct {
	clientID     []byte
	clientSecret []byte
	maxAge       time.Duration
}

func NewAuthenticator(cfg config.WebhookConfig) *Authenticator {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Authenticator{
		clientID:     []byte(strings.TrimSpace(cfg.ClientID)),
		clientSecret: []byte(strings.TrimSpace(cfg.ClientSecret)),
		maxAge:       maxAge,
	}
}

// wire shape of the gateway notification
type notificationBody struct {
	Type          *string             `json:"type"`
	RequestID     string              `json:"requestId"`
	TransactionID string              `json:"transactionId"`
	Amount        decimal.NullDecimal `json:"amount"`
	Currency      string              `json:"currency"`
	PaidBy        string              `json:"paidBy"`
	Payer         string              `json:"payer"`
	PaidAt        json.RawMessage     `json:"paidAt"`
	Reason        string              `json:"reason"`
}

// Authenticate runs the credential, freshness and body checks in that order
// and returns the notification with its ledger candidate.
func (a *Authenticator) Authenticate(headers http.Header, body []byte, now time.Time) (domain.Authenticated, error) {
	if !a.credentialsMatch(headers) {
		return domain.Authenticated{}, domain.ErrUnauthenticated
	}
	if err := a.checkFreshness(headers.Get(HeaderTimestamp), now); err != nil {
		return domain.Authenticated{}, err
	}

	notification, err := Decode(body, now)
	if err != nil {
		return domain.Authenticated{}, err
	}

	var (
		fields domain.PaymentFields
		status domain.RecordStatus
	)
	switch n := notification.(type) {
	case domain.PaymentSucceeded:
		fields, status = n.PaymentFields, domain.RecordStatusSucceeded
	case domain.PaymentFailed:
		fields, status = n.PaymentFields, domain.RecordStatusFailed
	default:
		return domain.Authenticated{}, fmt.Errorf("%w: unknown notification shape", domain.ErrMalformedPayload)
	}

	return domain.Authenticated{
		Notification: notification,
		Record: domain.PaymentRecord{
			ID:                domain.PaymentID(fields.RequestID, fields.TransactionID),
			ExternalRequestID: fields.RequestID,
			TransactionID:     fields.TransactionID,
			Amount:            fields.Amount,
			Currency:          fields.Currency,
			Payer:             fields.Payer,
			Status:            status,
			PaidAt:            fields.PaidAt,
			Payload:           datatypes.JSON(append([]byte(nil), body...)),
			ReceivedAt:        now,
		},
	}, nil
}

func (a *Authenticator) credentialsMatch(headers http.Header) bool {
	if len(a.clientID) == 0 || len(a.clientSecret) == 0 {
		return false
	}
	id := []byte(strings.TrimSpace(headers.Get(HeaderClientID)))
	secret := []byte(strings.TrimSpace(headers.Get(HeaderClientSecret)))
	idOK := hmac.Equal(id, a.clientID)
	secretOK := hmac.Equal(secret, a.clientSecret)
	return idOK && secretOK
}

func (a *Authenticator) checkFreshness(raw string, now time.Time) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	sent, err := parseTimestamp(raw)
	if err != nil {
		return fmt.Errorf("%w: timestamp header: %v", domain.ErrMalformedPayload, err)
	}
	skew := now.Sub(sent)
	if skew > a.maxAge || skew < -a.maxAge {
		return domain.ErrReplaySuspected
	}
	return nil
}

// Decode parses body into a Notification. Unrecognised types and non-object
// bodies fail with ErrMalformedPayload; fields are never coerced.
func Decode(body []byte, receivedAt time.Time) (domain.Notification, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return domain.UnknownShape{}, fmt.Errorf("%w: body is not a JSON object", domain.ErrMalformedPayload)
	}

	var raw notificationBody
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return domain.UnknownShape{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	kind := domain.NotificationTypeSucceeded
	if raw.Type != nil {
		kind = strings.TrimSpace(*raw.Type)
	}
	if kind != domain.NotificationTypeSucceeded && kind != domain.NotificationTypeFailed {
		return domain.UnknownShape{Type: kind}, fmt.Errorf("%w: unsupported type %q", domain.ErrMalformedPayload, kind)
	}

	fields := domain.PaymentFields{
		RequestID:     strings.TrimSpace(raw.RequestID),
		TransactionID: strings.TrimSpace(raw.TransactionID),
		Amount:        raw.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(raw.Currency)),
		Payer:         payerOf(raw),
		PaidAt:        receivedAt,
	}
	if fields.RequestID == "" || fields.TransactionID == "" {
		return domain.UnknownShape{Type: kind}, fmt.Errorf("%w: requestId and transactionId are required", domain.ErrMalformedPayload)
	}
	if len(raw.PaidAt) > 0 && string(raw.PaidAt) != "null" {
		paidAt, err := parsePaidAt(raw.PaidAt)
		if err != nil {
			return domain.UnknownShape{Type: kind}, fmt.Errorf("%w: paidAt: %v", domain.ErrMalformedPayload, err)
		}
		fields.PaidAt = paidAt
	}

	if kind == domain.NotificationTypeFailed {
		return domain.PaymentFailed{PaymentFields: fields, Reason: strings.TrimSpace(raw.Reason)}, nil
	}
	return domain.PaymentSucceeded{PaymentFields: fields}, nil
}

func parsePaidAt(raw json.RawMessage) (time.Time, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(text))
		if err != nil {
			return time.Time{}, err
		}
		return ts.UTC(), nil
	}
	var seconds int64
	if err := json.Unmarshal(raw, &seconds); err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 string or unix seconds")
	}
	return time.Unix(seconds, 0).UTC(), nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if value, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if value >= millisecondThreshold {
			return time.UnixMilli(value).UTC(), nil
		}
		return time.Unix(value, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// payerOf prefers paidBy and falls back to the older payer key.
func payerOf(raw notificationBody) string {
	if paidBy := strings.TrimSpace(raw.PaidBy); paidBy != "" {
		return paidBy
	}
	return strings.TrimSpace(raw.Payer)
}
