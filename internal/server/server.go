package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/tunnelgate/internal/audit/domain"
	"github.com/smallbiznis/tunnelgate/internal/authorization"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	"github.com/smallbiznis/tunnelgate/internal/config"
	"github.com/smallbiznis/tunnelgate/internal/observability"
	obsmiddleware "github.com/smallbiznis/tunnelgate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tunnelgate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tunnelgate/internal/observability/tracing"
	partitiondomain "github.com/smallbiznis/tunnelgate/internal/partition/domain"
	"github.com/smallbiznis/tunnelgate/internal/ratelimit"
	rollupdomain "github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	"github.com/smallbiznis/tunnelgate/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	trafficdomain "github.com/smallbiznis/tunnelgate/internal/traffic/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(log, obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(log, obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
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
	engine          *gin.Engine
	cfg             config.Config
	clock           clock.Clock
	authzSvc        authorization.Service
	auditSvc        auditdomain.Service
	trafficSvc      trafficdomain.Service
	rollupSvc       rollupdomain.Service
	partitionSvc    partitiondomain.Service
	subscriptionSvc subscriptiondomain.Service
	obsMetrics      *obsmetrics.Metrics
	ingestLimiter   *ratelimit.TrafficIngestLimiter
	jobs            jobRunner
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Clock           clock.Clock
	AuthzSvc        authorization.Service
	AuditSvc        auditdomain.Service
	TrafficSvc      trafficdomain.Service
	RollupSvc       rollupdomain.Service
	PartitionSvc    partitiondomain.Service
	SubscriptionSvc subscriptiondomain.Service
	ObsMetrics      *obsmetrics.Metrics             `optional:"true"`
	IngestLimiter   *ratelimit.TrafficIngestLimiter `optional:"true"`
	Scheduler       *scheduler.Scheduler            `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		clock:           p.Clock,
		authzSvc:        p.AuthzSvc,
		auditSvc:        p.AuditSvc,
		trafficSvc:      p.TrafficSvc,
		rollupSvc:       p.RollupSvc,
		partitionSvc:    p.PartitionSvc,
		subscriptionSvc: p.SubscriptionSvc,
		obsMetrics:      p.ObsMetrics,
		ingestLimiter:   p.IngestLimiter,
	}
	if p.Scheduler != nil {
		svc.jobs = p.Scheduler
	}

	svc.registerTrafficRoutes()
	svc.registerTenantRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerTrafficRoutes() {
	traffic := s.engine.Group("/traffic", ActorContext())

	traffic.POST("/events", s.IngestTokenRequired(), s.TrafficIngestRateLimit(), s.IngestTrafficEvents)
	traffic.GET("/summary", s.RequireActor(), s.authorizeTenantAction(authorization.ObjectTraffic, authorization.ActionTrafficSummary), s.TrafficSummary)
}

func (s *Server) registerTenantRoutes() {
	api := s.engine.Group("/", ActorContext(), s.RequireActor())

	// -------- Plans --------
	api.POST("/plans", s.authorizeTenantAction(authorization.ObjectPlan, authorization.ActionPlanManage), s.CreatePlan)

	// -------- Subscriptions --------
	api.POST("/subscriptions", s.authorizeTenantAction(authorization.ObjectSubscription, authorization.ActionSubscriptionManage), s.CreateSubscription)
	api.GET("/subscriptions/:id", s.authorizeTenantAction(authorization.ObjectSubscription, authorization.ActionSubscriptionView), s.GetSubscriptionByID)
	api.GET("/subscriptions/:id/quota", s.authorizeTenantAction(authorization.ObjectSubscription, authorization.ActionSubscriptionView), s.GetTenantSubscriptionQuota)
	api.PATCH("/subscriptions/:id", s.authorizeTenantAction(authorization.ObjectSubscription, authorization.ActionSubscriptionManage), s.UpdateSubscriptionTerms)
	api.POST("/subscriptions/:id/reactivate", s.authorizeTenantAction(authorization.ObjectSubscription, authorization.ActionSubscriptionManage), s.ReactivateSubscription)
	api.POST("/subscriptions/:id/reset", s.authorizeTenantAction(authorization.ObjectSubscription, authorization.ActionSubscriptionManage), s.ResetSubscriptionConsumption)
	api.DELETE("/subscriptions/:id", s.authorizeTenantAction(authorization.ObjectSubscription, authorization.ActionSubscriptionManage), s.DeleteSubscription)
	api.GET("/users/:id/subscription", s.authorizeTenantAction(authorization.ObjectSubscription, authorization.ActionSubscriptionView), s.GetActiveSubscriptionByUser)

	// -------- Audit --------
	api.GET("/audit/logs", s.authorizeTenantAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", ActorContext(), s.RequireAdmin())

	admin.POST("/traffic/rollups/run", s.RunRollup)
	admin.POST("/traffic/partitions/ensure", s.EnsurePartitions)
	admin.GET("/traffic/partitions", s.ListPartitions)
	admin.GET("/traffic/watermark", s.GetWatermark)
	admin.GET("/traffic/subscriptions/:id/quota", s.GetSubscriptionQuota)
	admin.POST("/scheduler/jobs/:name/run", s.RunSchedulerJob)

	admin.GET("/users/:id/roles", s.ListUserRoles)
	admin.POST("/users/:id/roles", s.GrantUserRole)
	admin.DELETE("/users/:id/roles", s.RevokeUserRole)
}
