package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relayworks/wahub/internal/ai"
	"github.com/relayworks/wahub/internal/api"
	"github.com/relayworks/wahub/internal/config"
	"github.com/relayworks/wahub/internal/db"
	"github.com/relayworks/wahub/internal/middleware"
	"github.com/relayworks/wahub/internal/observ"
	"github.com/relayworks/wahub/internal/permissions"
	"github.com/relayworks/wahub/internal/queue"
	"github.com/relayworks/wahub/internal/realtime"
	"github.com/relayworks/wahub/internal/redis"
	"github.com/relayworks/wahub/internal/repository/postgres"
	"github.com/relayworks/wahub/internal/tenant"
	"github.com/relayworks/wahub/internal/wa"
	"github.com/relayworks/wahub/internal/webhook"
	"github.com/relayworks/wahub/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// Root context: cancelled on SIGINT/SIGTERM, which starts the drain of
	// the worker pool, the promoter, and the HTTP server.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	redisClients, err := redis.New(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisClients.Close()

	pool := database.Pool()
	accountRepo := postgres.NewAccountStore(pool)
	threadRepo := postgres.NewThreadStore(pool)
	messageRepo := postgres.NewMessageStore(pool)
	auditRepo := postgres.NewWebhookEventStore(pool)

	resolver := tenant.NewResolver(accountRepo, logger)

	eventQueue := queue.New(redisClients.Main, cfg.QueueName, queue.DefaultOptions(), logger)
	marker := worker.NewRedisMarker(redisClients.Main)
	publisher := realtime.NewPublisher(redisClients.Main, logger)
	subscriber := realtime.NewSubscriber(redisClients.Sub, logger)

	registry := wa.NewRegistry(
		wa.NewEvolutionClient(cfg.EvolutionAPIURL, cfg.EvolutionAPIKey, logger),
		wa.NewCloudAPIClient(cfg.CloudAPIBaseURL, cfg.CloudAPIToken, logger),
	)
	suggester := ai.NewHTTPSuggester(cfg.AISuggestURL, cfg.AISuggestKey)

	processor := worker.NewProcessor(auditRepo, accountRepo, threadRepo, messageRepo, marker, publisher, logger)
	workerPool := worker.NewPool(eventQueue, processor, cfg.WorkerConcurrency, cfg.WorkerRatePerSec, logger)

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		workerPool.Run(ctx)
	}()
	go eventQueue.RunPromoter(ctx, time.Second)

	webhookHandler := webhook.NewHandler(webhook.Config{
		EvolutionSecret:  cfg.EvolutionWebhookSecret,
		CloudAppSecret:   cfg.CloudAPIAppSecret,
		CloudVerifyToken: cfg.CloudAPIVerifyToken,
	}, resolver, eventQueue, auditRepo, logger)

	inboxHandler := api.NewInboxHandler(
		threadRepo, messageRepo, accountRepo,
		registry, suggester, subscriber, marker, eventQueue,
		cfg.JWTSecret, logger,
	)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Providers authenticate with HMAC signatures over the raw body, so
	// these routes bypass the JWT middleware entirely.
	webhooks := router.Group("/webhooks", middleware.CorrelationID())
	webhooks.GET("/whatsapp", webhookHandler.HandleCloudVerify)
	webhooks.POST("/whatsapp", webhookHandler.HandleCloudEvent)
	webhooks.POST("/whatsapp/evolution", webhookHandler.HandleEvolution)

	inbox := router.Group("/v1/inbox", middleware.AuthMiddleware(cfg.JWTSecret))
	inbox.GET("/threads", inboxHandler.ListThreads)
	inbox.GET("/messages", inboxHandler.ListMessages)
	inbox.GET("/threads/:threadId/messages", inboxHandler.ListMessages)
	inbox.POST("/send_message",
		middleware.RequirePermission(permissions.InboxWrite), inboxHandler.SendDirectMessage)
	inbox.POST("/threads/:threadId/messages",
		middleware.RequirePermission(permissions.InboxWrite), inboxHandler.SendMessage)
	inbox.POST("/threads/:threadId/assign",
		middleware.RequirePermission(permissions.InboxAssign), inboxHandler.AssignThread)
	inbox.POST("/suggest_reply",
		middleware.RequirePermission(permissions.InboxWrite), inboxHandler.SuggestReply)

	// SSE authenticates from a query-param token inside the handler.
	router.GET("/v1/inbox/events", inboxHandler.Events)

	ops := router.Group("/v1/ops", middleware.AuthMiddleware(cfg.JWTSecret))
	ops.GET("/queue", middleware.RequirePermission(permissions.InboxAdmin), inboxHandler.QueueMetrics)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting wahub",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.Int("worker_concurrency", cfg.WorkerConcurrency),
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Stop accepting requests first, then let in-flight jobs settle.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	stop()
	select {
	case <-poolDone:
	case <-time.After(20 * time.Second):
		logger.Warn("worker pool did not drain in time")
	}

	logger.Info("wahub stopped")
	return nil
}
