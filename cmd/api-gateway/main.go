package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/erp-approval-api/api/swagger"
	"github.com/noah-isme/erp-approval-api/internal/handler"
	"github.com/noah-isme/erp-approval-api/internal/middleware"
	"github.com/noah-isme/erp-approval-api/internal/models"
	"github.com/noah-isme/erp-approval-api/internal/repository"
	"github.com/noah-isme/erp-approval-api/internal/service"
	"github.com/noah-isme/erp-approval-api/pkg/cache"
	"github.com/noah-isme/erp-approval-api/pkg/config"
	"github.com/noah-isme/erp-approval-api/pkg/database"
	"github.com/noah-isme/erp-approval-api/pkg/jobs"
	"github.com/noah-isme/erp-approval-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/erp-approval-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/erp-approval-api/pkg/middleware/requestid"
)

// @title ERP Approval API
// @version 0.1.0
// @description Authorization and multi-stage approval workflow engine
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	location, err := time.LoadLocation(cfg.Engine.Timezone)
	if err != nil {
		logr.Sugar().Fatalw("invalid engine timezone", "timezone", cfg.Engine.Timezone, "error", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, usage counters and inbox cache disabled", "error", err)
		redisClient = nil
	}

	// Repositories.
	userRepo := repository.NewUserRepository(db)
	roleRepo := repository.NewRoleRepository(db)
	grantRepo := repository.NewGrantRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	usageRepo := repository.NewUsageRepository(redisClient, logr)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Background services.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditSvc := service.NewAuditService(auditRepo, logr, jobs.QueueConfig{
		BufferSize: cfg.Audit.QueueBuffer,
		MaxRetries: cfg.Audit.MaxRetries,
		RetryDelay: cfg.Audit.RetryDelay,
	})
	auditSvc.Start(ctx)
	defer auditSvc.Stop()

	var notifyPort service.NotificationPort
	if cfg.Notifications.Enabled {
		notifyPort = service.LoggingNotifier(logr)
	}
	notifySvc := service.NewNotificationService(notifyPort, logr, jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		BufferSize: cfg.Notifications.QueueBuffer,
	})
	notifySvc.Start(ctx)
	defer notifySvc.Stop()

	metricsSvc := service.NewMetricsService(auditSvc.QueueDepth)

	// Engine services.
	validate := validator.New()
	authSvc := service.NewAuthService(userRepo, auditSvc, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "erp-approval-api",
	})
	permissionSvc := service.NewPermissionService(roleRepo, grantRepo, usageRepo, auditSvc, location, logr)
	accessSvc := service.NewAccessService(roleRepo, grantRepo, auditSvc, logr)
	templateSvc := service.NewTemplateService(templateRepo, auditSvc, logr)
	workflowSvc := service.NewWorkflowService(templateRepo, instanceRepo, auditSvc, notifySvc, cacheRepo, service.WorkflowServiceConfig{
		MaxDecisionRetries: cfg.Engine.MaxDecisionRetries,
		PendingCacheTTL:    cfg.Engine.PendingCacheTTL,
	}, logr)

	var exportSvc *service.ExportService
	if cfg.Exports.Enabled {
		exportSvc = service.NewExportService(auditSvc, logr)
	}

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	permissionHandler := handler.NewPermissionHandler(permissionSvc, metricsSvc)
	accessHandler := handler.NewAccessHandler(accessSvc)
	templateHandler := handler.NewTemplateHandler(templateSvc)
	instanceHandler := handler.NewInstanceHandler(workflowSvc, metricsSvc)
	auditHandler := handler.NewAuditHandler(auditSvc, exportSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.Refresh)
			auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
			auth.POST("/change-password", middleware.JWT(authSvc), authHandler.ChangePassword)
		}

		secured := api.Group("", middleware.JWT(authSvc))
		{
			secured.POST("/permissions/evaluate", permissionHandler.Evaluate)

			admin := secured.Group("", middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
			{
				admin.POST("/roles", accessHandler.CreateRole)
				admin.GET("/roles", accessHandler.ListRoles)
				admin.GET("/roles/:id", accessHandler.GetRole)
				admin.PATCH("/roles/:id/active", accessHandler.SetRoleActive)
				admin.POST("/roles/assignments", accessHandler.AssignRole)
				admin.DELETE("/roles/assignments/:actorId/:roleId", accessHandler.RevokeRole)

				admin.POST("/grants", accessHandler.CreateGrant)
				admin.GET("/grants", accessHandler.ListGrants)
				admin.GET("/grants/:id", accessHandler.GetGrant)
				admin.DELETE("/grants/:id", accessHandler.DeactivateGrant)

				admin.POST("/templates", templateHandler.Create)
				admin.DELETE("/templates/:id", templateHandler.Deactivate)

				admin.GET("/audit", auditHandler.List)
				admin.GET("/audit/export", auditHandler.Export)
				admin.GET("/metrics/snapshot", metricsHandler.Snapshot)
			}

			secured.GET("/templates", templateHandler.List)
			secured.GET("/templates/:id", templateHandler.Get)

			secured.POST("/instances", instanceHandler.Create)
			secured.GET("/instances", instanceHandler.List)
			secured.GET("/instances/pending", instanceHandler.Pending)
			secured.GET("/instances/:id", instanceHandler.Get)
			secured.POST("/instances/:id/decisions", instanceHandler.Decide)
			secured.POST("/instances/:id/delegate", instanceHandler.Delegate)
			secured.POST("/instances/:id/cancel", instanceHandler.Cancel)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
