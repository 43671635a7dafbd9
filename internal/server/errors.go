package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	fulfillmentdomain "github.com/smallbiznis/mintflow/internal/fulfillment/domain"
	intentdomain "github.com/smallbiznis/mintflow/internal/mintintent/domain"
	mintstatusdomain "github.com/smallbiznis/mintflow/internal/mintstatus/domain"
	paymentdomain "github.com/smallbiznis/mintflow/internal/payment/domain"
	"github.com/smallbiznis/mintflow/internal/payout"
	"github.com/smallbiznis/mintflow/internal/providers/identity"
	"github.com/smallbiznis/mintflow/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, paymentdomain.ErrMalformedPayload):
		return http.StatusBadRequest, errorPayload{
			Type:    "malformed_payload",
			Message: "malformed payload",
		}
	case errors.Is(err, paymentdomain.ErrReplaySuspected):
		return http.StatusUnauthorized, errorPayload{
			Type:    "replay_suspected",
			Message: "notification is too old",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, paymentdomain.ErrUnauthenticated),
		errors.Is(err, identity.ErrUnauthenticated):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, intentdomain.ErrInvalidTransition),
		errors.Is(err, fulfillmentdomain.ErrFulfillmentInProgress),
		errors.Is(err, fulfillmentdomain.ErrNotDue):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case errors.Is(err, fulfillmentdomain.ErrRecipientUnresolved):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "recipient_unresolved",
			Message: "recipient has no account",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, intentdomain.ErrDownstreamUnavailable),
		errors.Is(err, fulfillmentdomain.ErrMintFailed),
		errors.Is(err, identity.ErrUnavailable):
		return http.StatusBadGateway, errorPayload{
			Type:    "downstream_unavailable",
			Message: "upstream service unavailable",
		}
	case errors.Is(err, payout.ErrConfiguration):
		return http.StatusInternalServerError, errorPayload{
			Type:    "configuration_error",
			Message: "service misconfigured",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type the client sees.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	return payload.Type, http.StatusText(status)
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, fulfillmentdomain.ErrFulfillmentInProgress):
		return "fulfillment already in progress"
	case errors.Is(err, fulfillmentdomain.ErrNotDue):
		return "activation time not reached"
	default:
		return "intent is not in a valid state for this operation"
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, intentdomain.ErrInvalidID),
		errors.Is(err, intentdomain.ErrInvalidPool),
		errors.Is(err, intentdomain.ErrInvalidQuantity),
		errors.Is(err, intentdomain.ErrInvalidRequester),
		errors.Is(err, intentdomain.ErrInvalidStatus),
		errors.Is(err, pagination.ErrInvalidPageToken):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, intentdomain.ErrNotFound),
		errors.Is(err, mintstatusdomain.ErrUnknownPool),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, intentdomain.ErrInvalidID):
		return "invalid_id"
	case errors.Is(err, intentdomain.ErrInvalidPool):
		return "invalid_pool"
	case errors.Is(err, intentdomain.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, intentdomain.ErrInvalidRequester):
		return "invalid_requester"
	case errors.Is(err, intentdomain.ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, pagination.ErrInvalidPageToken):
		return "invalid_page_token"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "invalid_pool":
		return "unknown pool"
	case "invalid_quantity":
		return "quantity must be positive"
	default:
		return "invalid value"
	}
}
