package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/oriva/events-api/internal/config"
	"github.com/oriva/events-api/internal/email"
	"github.com/oriva/events-api/internal/model"
	"github.com/oriva/events-api/internal/repository/postgres"
	eventService "github.com/oriva/events-api/internal/service/event"
	notificationService "github.com/oriva/events-api/internal/service/notification"
	webhookService "github.com/oriva/events-api/internal/service/webhook"
	"github.com/oriva/events-api/pkg/logger"
	redisbroker "github.com/oriva/events-api/pkg/messaging/redis"
	"github.com/oriva/events-api/pkg/metrics"
	"github.com/oriva/events-api/pkg/worker"
)

// scheduleConfig holds the cron cadences, overridable per deployment.
type scheduleConfig struct {
	NotificationRetry  string        `envconfig:"NOTIFICATION_RETRY_SCHEDULE" default:"@every 1m"`
	WebhookRetry       string        `envconfig:"WEBHOOK_RETRY_SCHEDULE" default:"@every 30s"`
	EventCleanup       string        `envconfig:"EVENT_CLEANUP_SCHEDULE" default:"@every 24h"`
	ConnectionCleanup  string        `envconfig:"CONNECTION_CLEANUP_SCHEDULE" default:"@every 1m"`
	RuleReload         string        `envconfig:"RULE_RELOAD_SCHEDULE" default:"@every 5m"`
	ConnectionMaxAge   time.Duration `envconfig:"CONNECTION_MAX_AGE" default:"24h"`
	WebhookRetryLimit  int           `envconfig:"WEBHOOK_RETRY_LIMIT" default:"100"`
	HealthListenAddr   string        `envconfig:"HEALTH_LISTEN_ADDR" default:":8081"`
}

// pollOnlyBroadcaster stands in for the realtime hub: the worker process holds
// no sockets, so realtime retries are accepted with zero live recipients and
// clients pick the notification up through polling.
type pollOnlyBroadcaster struct{}

func (pollOnlyBroadcaster) BroadcastToUser(uuid.UUID, *model.Notification) (int, int) {
	return 0, 0
}

func setupHealthCheck(addr string, appLogger *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			appLogger.Fatal(err, "health check server failed")
		}
	}()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	var schedules scheduleConfig
	if err := envconfig.Process("worker", &schedules); err != nil {
		log.Fatal().Err(err).Msg("failed to load worker schedules")
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

	m := metrics.NewMetrics("oriva", "events_worker")

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

	pool := worker.NewPool(cfg.Webhook.Workers, cfg.Webhook.QueueSize, appLogger)
	pool.Start(ctx)
	webhookSvc := webhookService.NewService(eventRepo, webhookRepo, webhookLogRepo, pool, webhookService.Config{
		Timeout:          cfg.Webhook.Timeout,
		FailureThreshold: cfg.Webhook.FailureThreshold,
		MaxRetries:       cfg.Webhook.MaxRetries,
		UserAgent:        cfg.Webhook.UserAgent,
	}, appLogger, m)

	rules := notificationService.NewRuleSet(notificationService.DefaultRules())
	if err := rules.Reload(ctx, ruleRepo); err != nil {
		appLogger.Warn("failed to load mapping rules from store, using defaults")
	}

	adapters := map[string]notificationService.ChannelAdapter{
		model.ChannelInApp:    notificationService.NewInAppAdapter(broker),
		model.ChannelPush:     notificationService.NewPushAdapter(),
		model.ChannelEmail:    notificationService.NewEmailAdapter(email.NewService(cfg.SMTP)),
		model.ChannelWebhook:  notificationService.NewWebhookAdapter(webhookSvc),
		model.ChannelRealtime: notificationService.NewRealtimeAdapter(pollOnlyBroadcaster{}),
	}

	notificationSvc := notificationService.NewService(
		notificationRepo, attemptRepo, prefsRepo, rules, adapters, appLogger, m)

	eventSvc := eventService.NewService(eventRepo, subscriptionRepo, cfg.Events.RetentionDays, appLogger, m)

	setupHealthCheck(schedules.HealthListenAddr, appLogger)

	c := cron.New()

	mustSchedule(c, schedules.NotificationRetry, func() {
		retried, err := notificationSvc.RetryFailed(ctx, cfg.Notification.MaxRetries, cfg.Notification.MaxAge)
		if err != nil {
			appLogger.Error(err, "notification retry sweep failed")
			return
		}
		if retried > 0 {
			appLogger.Info("retried failed deliveries", "count", retried)
		}
	})

	mustSchedule(c, schedules.WebhookRetry, func() {
		submitted, err := webhookSvc.RetryPending(ctx, cfg.Notification.MaxAge, schedules.WebhookRetryLimit)
		if err != nil {
			appLogger.Error(err, "webhook retry sweep failed")
			return
		}
		if submitted > 0 {
			appLogger.Info("requeued webhook deliveries", "count", submitted)
		}
	})

	mustSchedule(c, schedules.EventCleanup, func() {
		if _, err := eventSvc.CleanupOldEvents(ctx); err != nil {
			appLogger.Error(err, "event cleanup failed")
		}
	})

	mustSchedule(c, schedules.ConnectionCleanup, func() {
		deleted, err := connectionRepo.DeleteDisconnectedBefore(ctx, time.Now().Add(-schedules.ConnectionMaxAge))
		if err != nil {
			appLogger.Error(err, "connection cleanup failed")
			return
		}
		if deleted > 0 {
			appLogger.Info("cleaned up stale connection records", "deleted", deleted)
		}
	})

	mustSchedule(c, schedules.RuleReload, func() {
		if err := rules.Reload(ctx, ruleRepo); err != nil {
			appLogger.Error(err, "mapping rule reload failed")
		}
	})

	c.Start()
	appLogger.Info("worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	appLogger.Info("shutting down worker...")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	cancel()
	pool.Stop()
}

func mustSchedule(c *cron.Cron, spec string, job func()) {
	if _, err := c.AddFunc(spec, job); err != nil {
		log.Fatal().Err(err).Str("spec", spec).Msg("invalid schedule")
	}
}
