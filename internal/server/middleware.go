package server

import (
	"crypto/subtle"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	intentdomain "github.com/smallbiznis/mintflow/internal/mintintent/domain"
	obscontext "github.com/smallbiznis/mintflow/internal/observability/context"
	"github.com/smallbiznis/mintflow/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	HeaderAdminToken    = "X-Admin-Token"
	contextRequesterKey = "requester"

	rateLimitReasonAccountRate = "account-rate"
)

// BearerAuthRequired resolves the caller through the identity service and
// stores the requester on the gin context.
func (s *Server) BearerAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		account, err := s.identity.Authenticate(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextRequesterKey, intentdomain.Requester{
			AccountID: account.AccountID,
			Handle:    account.Handle,
		})
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "account", account.AccountID))
		c.Next()
	}
}

// AdminRequired gates operator routes behind the shared admin token. An empty
// configured token disables every admin route.
func (s *Server) AdminRequired() gin.HandlerFunc {
	expected := strings.TrimSpace(s.cfg.AdminToken)
	return func(c *gin.Context) {
		presented := strings.TrimSpace(c.GetHeader(HeaderAdminToken))
		if presented == "" {
			presented = bearerToken(c.GetHeader("Authorization"))
		}
		if expected == "" || presented == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "admin", "operator"))
		c.Next()
	}
}

// IssueRateLimit throttles intent issuance per requester account.
func (s *Server) IssueRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.issueLimiter == nil || !s.issueLimiter.Enabled() {
			c.Next()
			return
		}

		requester, ok := requesterFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		result, err := s.issueLimiter.Allow(ctx, requester.AccountID)
		if err != nil {
			logger.FromContext(ctx).Warn("issue rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			endpoint := normalizeRateLimitEndpoint(c)
			logger.FromContext(ctx).Warn("issue rate limit exceeded",
				zap.String("reason", rateLimitReasonAccountRate),
				zap.String("endpoint", endpoint),
			)
			s.obsMetrics.RecordRateLimitDenied(ctx, endpoint)

			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-Rate-Limited-Reason", rateLimitReasonAccountRate)
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func requesterFromContext(c *gin.Context) (intentdomain.Requester, bool) {
	value, ok := c.Get(contextRequesterKey)
	if !ok {
		return intentdomain.Requester{}, false
	}
	requester, ok := value.(intentdomain.Requester)
	return requester, ok && requester.AccountID != ""
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
