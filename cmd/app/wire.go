package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"entitlement-service/internal/config"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/adapter"
	"entitlement-service/internal/domain/ports/repository"
	"entitlement-service/internal/infra/api"
	pg "entitlement-service/internal/infra/db/postgres"
	"entitlement-service/internal/infra/effects"
	"entitlement-service/internal/infra/i18n"
	"entitlement-service/internal/infra/logging"
	"entitlement-service/internal/infra/payment"
	red "entitlement-service/internal/infra/redis"
	"entitlement-service/internal/infra/telegram"
	"entitlement-service/internal/infra/worker"
	"entitlement-service/internal/usecase"
)

// app holds every wired component of the service.
type app struct {
	cfg    *config.Config
	log    *zerolog.Logger
	pool   *pgxpool.Pool
	redis  red.RedisClient
	outbox repository.OutboxRepository
	subs   repository.SubscriptionRepository

	workers *worker.Pool
	relay   *effects.Relay

	users         usecase.UserUseCase
	purchases     usecase.PurchaseUseCase
	subscriptions usecase.SubscriptionUseCase
	reconcile     usecase.ReconcileUseCase
	entitlements  usecase.EntitlementUseCase

	auth *api.Authenticator
}

func loadConfig(flags *rootFlags) (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.LoadConfig(flags.configPath, flags.dev)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}
	return cfg, logger, nil
}

// buildApp connects to Postgres and Redis and wires repositories, gateway,
// use cases and the effect relay. closeFn releases the connections.
func buildApp(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (a *app, closeFn func(), err error) {
	pool, err := pg.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	closeFn = func() {
		_ = redisClient.Close()
		pool.Close()
	}

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	userRepo := pg.NewUserRepoCacheDecorator(pg.NewPostgresUserRepo(pool), redisClient, cfg.Redis.TTL, logger)
	programRepo := pg.NewProgramRepo(pool)
	purchaseRepo := pg.NewPurchaseRepo(pool)
	subRepo := pg.NewSubscriptionRepo(pool)
	outboxRepo := pg.NewOutboxRepo(pool)
	eventRepo := pg.NewWebhookEventRepo(pool)

	// ---- Gateway ----
	prices := payment.NewPriceMap(cfg.Payment.Prices)
	var gateway adapter.PaymentGateway
	switch strings.ToLower(cfg.Payment.Provider) {
	case "fake":
		gateway = payment.NewFakeGateway(cfg.Payment.WebhookSecret, prices)
		logger.Warn().Msg("using in-memory fake payment gateway")
	default:
		gateway = payment.NewStripeGateway(cfg.Payment.SecretKey, cfg.Payment.WebhookSecret, prices, logger)
	}
	locker := red.NewLocker(redisClient)

	// ---- Effect relay ----
	workers := worker.NewPool(cfg.Effects.Workers, logger)
	relay := effects.NewRelay(outboxRepo, workers, cfg.Effects, logger)

	var achievements adapter.AchievementChecker = effects.NewNoopAchievementChecker(logger)
	if cfg.Achievements.BaseURL != "" {
		achievements = effects.NewHTTPAchievementChecker(cfg.Achievements.BaseURL, nil)
	}
	var notifier adapter.Notifier = telegram.NewNoopNotifier(logger)
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBotNotifier(cfg.Telegram.Token)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		notifier = bot
	}
	messages, err := i18n.NewTranslator(i18n.LocalesFS, cfg.Telegram.Language)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	notifications := effects.NewNotificationHandler(userRepo, notifier, messages, logger)
	relay.Register(model.EffectAchievementCheck, effects.AchievementHandler(achievements))
	relay.Register(model.EffectEnrollmentIncrement, effects.EnrollmentHandler(effects.NewProgramEnrollmentCounter(programRepo, logger)))
	relay.Register(model.EffectPurchaseNotification, notifications)
	relay.Register(model.EffectSubscriptionNotification, notifications)

	// ---- Use cases ----
	customerUC := usecase.NewCustomerUseCase(userRepo, gateway, locker, logger)
	purchaseUC := usecase.NewPurchaseUseCase(purchaseRepo, programRepo, outboxRepo, customerUC, gateway, tm, relay, logger)
	subUC := usecase.NewSubscriptionUseCase(subRepo, userRepo, outboxRepo, customerUC, gateway, locker, tm, relay, logger)
	reconcileUC := usecase.NewReconcileUseCase(purchaseUC, subUC, purchaseRepo, eventRepo, gateway, locker, logger)

	return &app{
		cfg:           cfg,
		log:           logger,
		pool:          pool,
		redis:         redisClient,
		outbox:        outboxRepo,
		subs:          subRepo,
		workers:       workers,
		relay:         relay,
		users:         usecase.NewUserUseCase(userRepo, tm, logger),
		purchases:     purchaseUC,
		subscriptions: subUC,
		reconcile:     reconcileUC,
		entitlements:  usecase.NewEntitlementUseCase(subRepo, purchaseRepo, programRepo, logger),
		auth:          api.NewAuthenticator(cfg.Auth.JWTSecret),
	}, closeFn, nil
}

func (a *app) httpServer() *http.Server {
	srv := api.NewServer(
		a.cfg.HTTP,
		a.users,
		a.purchases,
		a.subscriptions,
		a.reconcile,
		a.entitlements,
		a.auth,
		red.NewRateLimiter(a.redis),
		a.log,
	)
	srv.AddHealthCheck("postgres", func(ctx context.Context) error { return a.pool.Ping(ctx) })
	srv.AddHealthCheck("redis", a.redis.Ping)
	return srv.HTTPServer()
}
