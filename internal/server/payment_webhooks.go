package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	obstracing "github.com/smallbiznis/mintflow/internal/observability/tracing"
)

const maxWebhookBodyBytes = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhooks.IngestWebhook(c.Request.Context(), c.Request.Header, payload)
	if err != nil {
		s.auditWebhookRejection(c, err)
		AbortWithError(c, err)
		return
	}
	if result.IntentID != "" {
		c.Set(obstracing.IntentIDKey, result.IntentID)
	}
	c.Set(obstracing.PaymentIDKey, result.PaymentID)
	c.Set(obstracing.WebhookOutcomeKey, result.Outcome)

	c.JSON(http.StatusOK, gin.H{"data": result})
}
