package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/mintflow/internal/audit/domain"
	"github.com/smallbiznis/mintflow/internal/config"
	fulfillmentdomain "github.com/smallbiznis/mintflow/internal/fulfillment/domain"
	intentdomain "github.com/smallbiznis/mintflow/internal/mintintent/domain"
	mintstatusdomain "github.com/smallbiznis/mintflow/internal/mintstatus/domain"
	"github.com/smallbiznis/mintflow/internal/observability"
	obsmiddleware "github.com/smallbiznis/mintflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/mintflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/mintflow/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/mintflow/internal/payment/domain"
	"github.com/smallbiznis/mintflow/internal/providers/identity"
	"github.com/smallbiznis/mintflow/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)

type EngineParams struct {
	fx.In

	ObsCfg      observability.Config
	Log         *zap.Logger
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	if !p.ObsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Log:             p.Log,
		Debug:           p.ObsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(p.HTTPMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET(p.ObsCfg.ScrapePath(), gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	identity     identity.Provider
	intents      intentdomain.Service
	status       mintstatusdomain.Service
	fulfillment  fulfillmentdomain.Service
	webhooks     paymentdomain.WebhookService
	issueLimiter *ratelimit.IssueLimiter
	obsMetrics   *obsmetrics.Metrics
	auditSvc     auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Identity     identity.Provider
	Intents      intentdomain.Service
	Status       mintstatusdomain.Service
	Fulfillment  fulfillmentdomain.Service
	Webhooks     paymentdomain.WebhookService
	IssueLimiter *ratelimit.IssueLimiter `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics     `optional:"true"`
	AuditSvc     auditdomain.Service     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		identity:     p.Identity,
		intents:      p.Intents,
		status:       p.Status,
		fulfillment:  p.Fulfillment,
		webhooks:     p.Webhooks,
		issueLimiter: p.IssueLimiter,
		obsMetrics:   p.ObsMetrics,
		auditSvc:     p.AuditSvc,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Mint Intents --------
	api.POST("/mint-intents", s.BearerAuthRequired(), s.IssueRateLimit(), s.IssueMintIntent)
	api.GET("/mint-intents/requests/:request_id", s.GetMintIntentByRequest)
	api.GET("/mint-intents/:id", s.GetMintIntent)
	api.POST("/mint-intents/:id/acknowledge", s.AcknowledgeMintIntent)

	// -------- Pools --------
	api.GET("/pools/:pool_ref/progress", s.GetPoolProgress)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/payments", s.HandlePaymentWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.AdminRequired())

	admin.GET("/mint-intents", s.ListMintIntents)
	admin.POST("/mint-intents/:id/fulfill", s.FulfillMintIntent)
	admin.POST("/mint-intents/:id/abandon", s.AbandonMintIntent)

	admin.GET("/audit-logs", s.ListAuditLogs)
}
