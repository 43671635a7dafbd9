package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/mintflow/internal/audit/domain"
	"github.com/smallbiznis/mintflow/internal/audit/masking"
	paymentdomain "github.com/smallbiznis/mintflow/internal/payment/domain"
	"github.com/smallbiznis/mintflow/internal/payment/webhook"
	"github.com/smallbiznis/mintflow/pkg/db/pagination"
)

type listAuditLogsRequest struct {
	pagination.Pagination
	Action     string `form:"action"`
	TargetType string `form:"target_type"`
	TargetID   string `form:"target_id"`
	ActorType  string `form:"actor_type"`
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	if s.auditSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var req listAuditLogsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Pagination: req.Pagination,
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		ActorType:  req.ActorType,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// recordAudit is best effort; a failed write never changes the response.
func (s *Server) recordAudit(c *gin.Context, entry auditdomain.Entry) {
	if s.auditSvc == nil {
		return
	}
	entry.IPAddress = c.ClientIP()
	entry.UserAgent = c.Request.UserAgent()
	_ = s.auditSvc.Record(c.Request.Context(), entry)
}

func (s *Server) auditIntentAction(c *gin.Context, action, intentID string, metadata map[string]any) {
	s.recordAudit(c, auditdomain.Entry{
		Action:     action,
		TargetType: "mint_intent",
		TargetID:   intentID,
		Metadata:   metadata,
	})
}

func (s *Server) auditWebhookRejection(c *gin.Context, err error) {
	if !errors.Is(err, paymentdomain.ErrUnauthenticated) && !errors.Is(err, paymentdomain.ErrReplaySuspected) {
		return
	}

	metadata := map[string]any{"error": strings.TrimSpace(err.Error())}
	for key, value := range masking.MaskHeaders(c.Request.Header, webhook.HeaderClientID) {
		metadata[key] = value
	}
	s.recordAudit(c, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeGateway,
		Action:     auditdomain.ActionWebhookRejected,
		TargetType: "payment_webhook",
		Metadata:   metadata,
	})
}
