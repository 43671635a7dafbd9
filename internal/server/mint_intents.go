package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/mintflow/internal/audit/domain"
	intentdomain "github.com/smallbiznis/mintflow/internal/mintintent/domain"
	obstracing "github.com/smallbiznis/mintflow/internal/observability/tracing"
	"github.com/smallbiznis/mintflow/pkg/db/pagination"
)

type issueMintIntentRequest struct {
	PoolRef        string     `json:"poolRef"`
	Quantity       int        `json:"quantity"`
	ActivationTime *time.Time `json:"activationTime"`
}

func (s *Server) IssueMintIntent(c *gin.Context) {
	requester, ok := requesterFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req issueMintIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.intents.Issue(c.Request.Context(), intentdomain.IssueRequest{
		Requester:      requester,
		PoolRef:        strings.TrimSpace(req.PoolRef),
		Quantity:       req.Quantity,
		ActivationTime: req.ActivationTime,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(obstracing.IntentIDKey, resp.IntentID)
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetMintIntent(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	view, err := s.status.GetByIntentID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, pathIntentError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) GetMintIntentByRequest(c *gin.Context) {
	requestID := strings.TrimSpace(c.Param("request_id"))
	view, err := s.status.GetByExternalRequestID(c.Request.Context(), requestID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) AcknowledgeMintIntent(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set(obstracing.IntentIDKey, id)
	if _, err := s.intents.Acknowledge(c.Request.Context(), id); err != nil {
		AbortWithError(c, pathIntentError(err))
		return
	}

	view, err := s.status.GetByIntentID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, pathIntentError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) GetPoolProgress(c *gin.Context) {
	poolRef := strings.TrimSpace(c.Param("pool_ref"))
	progress, err := s.status.PoolProgress(c.Request.Context(), poolRef)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": progress})
}

func (s *Server) ListMintIntents(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Status  string `form:"status"`
		PoolRef string `form:"pool_ref"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.intents.List(c.Request.Context(), intentdomain.ListRequest{
		Status:    strings.TrimSpace(query.Status),
		PoolRef:   strings.TrimSpace(query.PoolRef),
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type abandonMintIntentRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) FulfillMintIntent(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set(obstracing.IntentIDKey, id)

	res, err := s.fulfillment.Fulfill(c.Request.Context(), id)
	if err != nil {
		s.auditIntentAction(c, auditdomain.ActionIntentFulfill, id, map[string]any{"error": err.Error()})
		AbortWithError(c, pathIntentError(err))
		return
	}
	s.auditIntentAction(c, auditdomain.ActionIntentFulfill, id, map[string]any{"status": string(res.Intent.Status)})

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"intent": res.Intent,
		"item":   res.Item,
	}})
}

func (s *Server) AbandonMintIntent(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set(obstracing.IntentIDKey, id)

	var req abandonMintIntentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "abandoned by operator"
	}

	intent, err := s.intents.Abandon(c.Request.Context(), id, reason)
	if err != nil {
		AbortWithError(c, pathIntentError(err))
		return
	}
	s.auditIntentAction(c, auditdomain.ActionIntentAbandon, id, map[string]any{"reason": reason})

	c.JSON(http.StatusOK, gin.H{"data": intent})
}

// pathIntentError reports an unparseable :id as a missing intent. No intent can
// exist under an id that is not a snowflake.
func pathIntentError(err error) error {
	if errors.Is(err, intentdomain.ErrInvalidID) {
		return intentdomain.ErrNotFound
	}
	return err
}
