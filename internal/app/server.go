package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/krs-api/api/swagger"
	"github.com/noah-isme/krs-api/internal/handler"
	"github.com/noah-isme/krs-api/internal/middleware"
	"github.com/noah-isme/krs-api/internal/models"
	"github.com/noah-isme/krs-api/internal/repository"
	"github.com/noah-isme/krs-api/internal/service"
	"github.com/noah-isme/krs-api/pkg/config"
	"github.com/noah-isme/krs-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/krs-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/krs-api/pkg/middleware/requestid"
	"github.com/noah-isme/krs-api/pkg/tracing"
)

const shutdownTimeout = 15 * time.Second

// Services holds the wired application services.
type Services struct {
	Metrics  *service.MetricsService
	Auth     *service.AuthService
	Cache    *service.CacheService
	Audit    *service.AuditService
	Resolver *service.AdvisorResolver
	Ledger   *service.CreditLedger
	Machine  *service.EnrollmentStateMachine
	Workflow *service.WorkflowService
	Advisors *service.AdvisorService
}

// NewServices wires the service layer on top of b.
func NewServices(cfg *config.Config, b *Backends, logger *zap.Logger) *Services {
	validate := validator.New()
	metrics := service.NewMetricsService()

	cacheRepo := repository.NewCacheRepository(b.Redis, "krs", logger)
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Advisors.CacheTTL, logger, cacheRepo.Enabled())

	var advisorCache *service.CacheService
	if cfg.Advisors.CacheEnabled {
		advisorCache = cacheSvc
	}
	resolver := service.NewAdvisorResolver(b.Advisors, advisorCache, cfg.Advisors.CacheTTL, logger)

	audit := service.NewAuditService(b.Audit, metrics, service.AuditConfig{
		Workers:    cfg.Audit.Workers,
		MaxRetries: cfg.Audit.MaxRetries,
		RetryDelay: cfg.Audit.RetryDelay,
	}, logger)

	ledger := service.NewCreditLedger(cfg.Enrollment.MaxCreditsPerSession)
	machine := service.NewEnrollmentStateMachine(b.Enrollments, b.Catalog, resolver, ledger, service.StateMachineConfig{
		EntryStatus:           models.EnrollmentStatus(cfg.Enrollment.EntryStatus),
		ReservePendingCredits: cfg.Enrollment.ReservePendingCredits,
	}, logger)

	workflow := service.NewWorkflowService(machine, b.Enrollments, ledger, cacheSvc, audit, metrics, validate, logger, service.WorkflowConfig{
		MaxAttempts:    cfg.Enrollment.MaxConflictRetries,
		RetryBaseDelay: cfg.Enrollment.RetryBaseDelay,
		IdempotencyTTL: cfg.Enrollment.IdempotencyTTL,
	})

	return &Services{
		Metrics:  metrics,
		Auth:     service.NewAuthService(logger, service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret, AccessTokenExpiry: cfg.JWT.Expiration, Issuer: cfg.JWT.Issuer}),
		Cache:    cacheSvc,
		Audit:    audit,
		Resolver: resolver,
		Ledger:   ledger,
		Machine:  machine,
		Workflow: workflow,
		Advisors: service.NewAdvisorService(b.Advisors, resolver, audit, validate, logger),
	}
}

// NewRouter registers middleware and routes.
func NewRouter(cfg *config.Config, svc *Services, checkers map[string]handler.HealthChecker, logr *zap.Logger) *gin.Engine {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(tracing.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(svc.Metrics))
	r.Use(middleware.WithResponseMeta())

	metricsHandler := handler.NewMetricsHandler(svc.Metrics, svc.Audit, checkers)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	enrollments := handler.NewEnrollmentHandler(svc.Workflow)
	advisors := handler.NewAdvisorHandler(svc.Advisors)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(svc.Auth))

	api.GET("/enrollments", enrollments.List)
	api.POST("/enrollments", middleware.RequireRoles(models.RoleStudent, models.RoleAdmin, models.RoleSuperAdmin), enrollments.Create)
	api.GET("/enrollments/:id", enrollments.Get)
	api.GET("/enrollments/:id/history", enrollments.History)
	api.POST("/enrollments/:id/actions", enrollments.SubmitAction)
	api.GET("/students/:id/sessions/:sessionId/load",
		middleware.RBAC(middleware.Self, string(models.RoleInstructor), string(models.RoleAdvisor), string(models.RoleAdmin), string(models.RoleSuperAdmin)),
		enrollments.CreditLoad)

	admin := api.Group("")
	admin.Use(middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	admin.PUT("/advisors", advisors.Upsert)
	admin.GET("/admin/metrics/summary", metricsHandler.Summary)
	api.GET("/advisors", middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin, models.RoleAdvisor), advisors.List)

	return r
}

// Server owns the HTTP listener and background workers.
type Server struct {
	cfg      *config.Config
	backends *Backends
	services *Services
	http     *http.Server
	logger   *zap.Logger
}

// NewServer connects backends and builds the HTTP server.
func NewServer(ctx context.Context, cfg *config.Config, logr *zap.Logger) (*Server, error) {
	backends, err := OpenBackends(ctx, cfg, logr)
	if err != nil {
		return nil, err
	}
	services := NewServices(cfg, backends, logr)
	router := NewRouter(cfg, services, backends.HealthCheckers(), logr)
	return &Server{
		cfg:      cfg,
		backends: backends,
		services: services,
		logger:   logr,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until ctx is cancelled, then drains in-flight requests and the audit queue.
func (s *Server) Run(ctx context.Context) error {
	// Workers outlive the signal context so Stop can drain buffered entries.
	s.services.Audit.Start(context.WithoutCancel(ctx))

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", s.http.Addr), zap.String("env", s.cfg.Env), zap.String("store", s.cfg.Store.Driver))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown failed", zap.Error(err))
	}
	s.services.Audit.Stop()
	s.backends.Close()
	s.logger.Info("server stopped")
	return serveErr
}
