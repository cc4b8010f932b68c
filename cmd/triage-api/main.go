package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/inboxpilot/triage-api/api/swagger"
	"github.com/inboxpilot/triage-api/internal/generate"
	"github.com/inboxpilot/triage-api/internal/handler"
	"github.com/inboxpilot/triage-api/internal/mail"
	"github.com/inboxpilot/triage-api/internal/middleware"
	"github.com/inboxpilot/triage-api/internal/models"
	"github.com/inboxpilot/triage-api/internal/notify"
	"github.com/inboxpilot/triage-api/internal/repository"
	"github.com/inboxpilot/triage-api/internal/service"
	"github.com/inboxpilot/triage-api/internal/workflow"
	"github.com/inboxpilot/triage-api/pkg/cache"
	"github.com/inboxpilot/triage-api/pkg/config"
	"github.com/inboxpilot/triage-api/pkg/database"
	"github.com/inboxpilot/triage-api/pkg/jobs"
	"github.com/inboxpilot/triage-api/pkg/lock"
	"github.com/inboxpilot/triage-api/pkg/logger"
	corsmiddleware "github.com/inboxpilot/triage-api/pkg/middleware/cors"
	reqidmiddleware "github.com/inboxpilot/triage-api/pkg/middleware/requestid"
	"github.com/inboxpilot/triage-api/pkg/storage"
)

// @title Inbox Triage API
// @version 1.0.0
// @description Asynchronous email triage with human-in-the-loop approval
// @BasePath /api/v1
// @schemes http

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close()

	rdb, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect redis", "error", err)
	}
	defer rdb.Close()

	validate := validator.New()

	metricsSvc := service.NewMetricsService()
	cacheRepo := repository.NewCacheRepository(rdb, logr)
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, 5*time.Minute, logr, true)

	accountRepo := repository.NewAccountRepository(db)
	credRepo := repository.NewCredentialRepository(db)
	itemRepo := repository.NewItemRepository(db)
	checkpointRepo := repository.NewCheckpointRepository(db)
	mappingRepo := repository.NewMappingRepository(db)
	stepStore := repository.NewStepStore(db)
	historyRepo := repository.NewHistoryRepository(db)
	exportRepo := repository.NewExportRepository(db)

	authSvc := service.NewAuthService(accountRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "triage-api",
		Audience:           []string{"triage-api"},
	})

	credSvc := service.NewCredentialService(credRepo, service.CredentialConfig{
		TokenURL:     cfg.Mail.TokenURL,
		ClientID:     cfg.Mail.ClientID,
		ClientSecret: cfg.Mail.ClientSecret,
		CallTimeout:  cfg.Mail.CallTimeout,
	}, logr)

	gateway := mail.NewGateway(func(ownerID string) mail.Client {
		return mail.NewClient(mail.ClientOptions{
			BaseURL:     cfg.Mail.BaseURL,
			TokenSource: credSvc.TokenSource(ownerID),
			HTTPClient:  &http.Client{Timeout: cfg.Mail.CallTimeout},
			MaxRetries:  cfg.Mail.MaxRetries,
			BaseDelay:   cfg.Mail.RetryBaseDelay,
			MaxPageSize: cfg.Mail.MaxPageSize,
			Logger:      logr,
		})
	})

	notifier := notify.NewWebhookNotifier(cfg.Notifier.WebhookURL, cfg.Notifier.CallTimeout, logr)
	generator := generate.NewTemplateGenerator("")
	locker := lock.NewRedisItemLocker(rdb, cfg.Workflow.LockTTL)

	engine := workflow.NewEngine(workflow.Options{
		Items:             itemRepo,
		Checkpoints:       checkpointRepo,
		Mappings:          mappingRepo,
		Steps:             stepStore,
		Locker:            locker,
		Notifier:          notifier,
		Dispatcher:        gateway,
		Mail:              gateway,
		Generator:         generator,
		Metrics:           metricsSvc,
		Logger:            logr,
		NodeRetries:       cfg.Workflow.NodeRetries,
		GeneratorDeadline: cfg.Generator.Deadline,
	})

	var triageSvc *service.TriageService
	advanceQueue := jobs.NewQueue("triage-advance", func(ctx context.Context, job jobs.Job) error {
		return triageSvc.ProcessAdvanceJob(ctx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Workflow.WorkerConcurrency,
		MaxRetries: cfg.Workflow.NodeRetries,
		Logger:     logr,
	})

	triageSvc = service.NewTriageService(service.TriageServiceOptions{
		Items:     itemRepo,
		Histories: historyRepo,
		Mappings:  mappingRepo,
		Engine:    engine,
		Mailbox:   gateway,
		Cache:     cacheSvc,
		Queue:     advanceQueue,
		Validator: validate,
		Logger:    logr,
	})

	store, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init export storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)

	var exportSvc *service.ExportService
	exportQueue := jobs.NewQueue("triage-export", func(ctx context.Context, job jobs.Job) error {
		return exportSvc.ProcessExportJob(ctx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Exports.WorkerConcurrency,
		MaxRetries: cfg.Exports.WorkerRetries,
		Logger:     logr,
	})

	exportSvc = service.NewExportService(service.ExportServiceOptions{
		Repo:      exportRepo,
		Histories: historyRepo,
		Storage:   store,
		Signer:    signer,
		Queue:     exportQueue,
		Logger:    logr,
		Enabled:   cfg.Exports.Enabled,
	})

	advanceQueue.Start(ctx)
	exportQueue.Start(ctx)

	if cfg.Exports.Enabled {
		if n, err := exportSvc.RecoverQueued(ctx, 100); err != nil {
			logr.Sugar().Warnw("export recovery failed", "error", err)
		} else if n > 0 {
			logr.Sugar().Infow("re-queued unfinished exports", "count", n)
		}
	}

	go runPoller(ctx, triageSvc, cfg.Workflow.PollInterval, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	triageHandler := handler.NewTriageHandler(triageSvc)
	exportHandler := handler.NewExportHandler(exportSvc)
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
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
	auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)

	// The chat-bot bridge authenticates by opaque handle, and download
	// tokens carry their own HMAC signature.
	api.POST("/callbacks", triageHandler.Callback)
	api.GET("/export/:token", exportHandler.Download)

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))
	protected.POST("/items", triageHandler.Ingest)
	protected.GET("/items/:id", triageHandler.GetItem)
	protected.GET("/items/:id/history", triageHandler.GetItemHistory)
	protected.POST("/items/:id/redrive",
		middleware.RequireRoles(models.RoleOwner, models.RoleOperator),
		triageHandler.Redrive)
	protected.GET("/history", triageHandler.GetActivity)
	protected.POST("/exports", exportHandler.Enqueue)
	protected.GET("/exports/:id", exportHandler.Status)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("server shutdown failed", "error", err)
	}

	advanceQueue.Stop()
	exportQueue.Stop()
}

// runPoller periodically re-enqueues items stuck in pre-approval
// statuses, the crash-recovery path for lost advance jobs.
func runPoller(ctx context.Context, svc *service.TriageService, interval time.Duration, logr *zap.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.PollOnce(ctx)
			if err != nil {
				logr.Sugar().Warnw("poll pass failed", "error", err)
				continue
			}
			if n > 0 {
				logr.Sugar().Infow("re-enqueued pending items", "count", n)
			}
		}
	}
}
