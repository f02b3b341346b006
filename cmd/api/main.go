package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oriva/events-api/internal/config"
	"github.com/oriva/events-api/internal/email"
	"github.com/oriva/events-api/internal/handler"
	eventHandler "github.com/oriva/events-api/internal/handler/event"
	notificationHandler "github.com/oriva/events-api/internal/handler/notification"
	realtimeHandler "github.com/oriva/events-api/internal/handler/realtime"
	webhookHandler "github.com/oriva/events-api/internal/handler/webhook"
	"github.com/oriva/events-api/internal/middleware"
	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/realtime"
	"github.com/oriva/events-api/internal/repository/postgres"
	"github.com/oriva/events-api/internal/router"
	eventService "github.com/oriva/events-api/internal/service/event"
	notificationService "github.com/oriva/events-api/internal/service/notification"
	webhookService "github.com/oriva/events-api/internal/service/webhook"
	"github.com/oriva/events-api/pkg/auth"
	"github.com/oriva/events-api/pkg/logger"
	redisbroker "github.com/oriva/events-api/pkg/messaging/redis"
	"github.com/oriva/events-api/pkg/metrics"
	"github.com/oriva/events-api/pkg/worker"
)

// platformSource identifies events this service emits about itself, such as
// notification read state changes.
var platformSource = model.EventSource{
	AppID:   "oriva-events",
	AppName: "events-api",
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	broker, err := redisbroker.NewRedisBroker(redisbroker.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, appLogger.Zerolog())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer broker.Close()

	m := metrics.NewMetrics("oriva", "events")

	// Repositories
	base := postgres.NewBaseRepository(db)
	eventRepo := postgres.NewEventRepository(base)
	subscriptionRepo := postgres.NewSubscriptionRepository(base)
	notificationRepo := postgres.NewNotificationRepository(base)
	attemptRepo := postgres.NewDeliveryAttemptRepository(base)
	prefsRepo := postgres.NewPreferencesRepository(base)
	ruleRepo := postgres.NewMappingRuleRepository(base)
	webhookRepo := postgres.NewWebhookRepository(base)
	webhookLogRepo := postgres.NewWebhookLogRepository(base)
	connectionRepo := postgres.NewConnectionRepository(base)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Webhook delivery with its bounded work queue
	pool := worker.NewPool(cfg.Webhook.Workers, cfg.Webhook.QueueSize, appLogger)
	pool.Start(ctx)
	webhookSvc := webhookService.NewService(eventRepo, webhookRepo, webhookLogRepo, pool, webhookService.Config{
		Timeout:          cfg.Webhook.Timeout,
		FailureThreshold: cfg.Webhook.FailureThreshold,
		MaxRetries:       cfg.Webhook.MaxRetries,
		UserAgent:        cfg.Webhook.UserAgent,
	}, appLogger, m)

	// Realtime hub
	hub := realtime.NewHub(connectionRepo, realtime.Config{
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Realtime.HeartbeatTimeout,
		MaxBufferSize:     cfg.Realtime.MaxBufferSize,
	}, appLogger, m)
	go hub.RunHeartbeatMonitor(ctx)
	go func() {
		if err := hub.ConsumeBrokerNotifications(ctx, broker); err != nil {
			appLogger.Error(err, "failed to subscribe to notifications topic")
		}
	}()

	// Mapping rules: embedded defaults, replaced from the store when present
	rules := notificationService.NewRuleSet(notificationService.DefaultRules())
	if err := rules.Reload(ctx, ruleRepo); err != nil {
		appLogger.Warn("failed to load mapping rules from store, using defaults")
	}

	// Channel adapters
	adapters := map[string]notificationService.ChannelAdapter{
		model.ChannelInApp:    notificationService.NewInAppAdapter(broker),
		model.ChannelPush:     notificationService.NewPushAdapter(),
		model.ChannelEmail:    notificationService.NewEmailAdapter(email.NewService(cfg.SMTP)),
		model.ChannelWebhook:  notificationService.NewWebhookAdapter(webhookSvc),
		model.ChannelRealtime: notificationService.NewRealtimeAdapter(hub),
	}

	notificationSvc := notificationService.NewService(
		notificationRepo, attemptRepo, prefsRepo, rules, adapters, appLogger, m)

	eventSvc := eventService.NewService(eventRepo, subscriptionRepo, cfg.Events.RetentionDays, appLogger, m)

	// The router and the webhook trigger consume every published event.
	// Handler errors are isolated inside the bus; publish never sees them.
	eventSvc.RegisterGlobalHandler(func(ctx context.Context, evt *model.Event) error {
		notifications, err := notificationSvc.RouteEvent(ctx, evt)
		if err != nil {
			return err
		}
		for _, n := range notifications {
			if _, err := notificationSvc.Send(ctx, n); err != nil {
				appLogger.Error(err, "notification dispatch failed",
					"notification_id", n.ID.String())
			}
		}
		return nil
	})
	eventSvc.RegisterGlobalHandler(func(ctx context.Context, evt *model.Event) error {
		_, err := webhookSvc.Trigger(ctx, evt)
		return err
	})

	// First-time mark-read emits a state-change event back onto the bus.
	notificationSvc.SetReadEventPublisher(func(ctx context.Context, n *model.Notification) {
		userID := n.UserID
		_, err := eventSvc.Publish(ctx, platformSource, &userID, &eventService.PublishInput{
			Type:          "notification.read",
			CorrelationID: n.CorrelationID,
			Data: model.JSONMap{
				"notification_id":   n.ID.String(),
				"notification_type": n.Type,
			},
		})
		if err != nil {
			appLogger.Error(err, "failed to publish read event",
				"notification_id", n.ID.String())
		}
	})

	// HTTP surface
	jwtSvc := auth.NewJWTService(cfg.JWT.Secret, time.Duration(cfg.JWT.ExpiryHours)*time.Hour)
	authMiddleware := middleware.NewAuthMiddleware(jwtSvc)

	h := handler.NewHandler(db)
	r := router.NewRouter(
		authMiddleware,
		eventHandler.NewHandler(eventSvc),
		notificationHandler.NewHandler(notificationSvc),
		webhookHandler.NewHandler(webhookSvc),
		realtimeHandler.NewHandler(hub, appLogger),
		h,
		router.RouterConfig{
			RateLimit:     100,
			RateBurst:     200,
			CORSConfig:    middleware.DefaultCORSConfig(),
			MetricsPrefix: "oriva_events_http",
		},
	)
	r.Setup()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r.Engine(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()
	appLogger.Info("server started", "port", cfg.Server.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	cancel()
	pool.Stop()

	log.Info().Msg("server exited properly")
}
