// cmd/order-service/main.go
package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"fulcrum/internal/pkg/bootstrap"
	"fulcrum/internal/pkg/database"
	"fulcrum/internal/pkg/httpclient"
	"fulcrum/internal/pkg/mq"
	"fulcrum/internal/pkg/redis"
	"fulcrum/internal/service/order/application"
	"fulcrum/internal/service/order/domain"
	"fulcrum/internal/service/order/domain/port"
	"fulcrum/internal/service/order/infrastructure"
	"fulcrum/internal/service/order/infrastructure/adapter"
	"fulcrum/internal/service/order/interfaces"
)

const (
	serviceName = "order-service"

	notificationTopic = "notifications"
	graceCheckTopic   = "settlement-grace-check-topic"
	graceCheckGroupID = "settlement-grace-check-group"
	graceDelayTopic   = "delay_topic_24h"
	dltTopic          = "order-service-dlt"
	dltGroupID        = "order-service-dlt-group"

	settleTimeout = 15 * time.Second
	guardTTL      = 30 * time.Second

	// webhook 限流：处理商重放风暴时保护自己
	webhookRatePerSec = 50
	webhookBurst      = 100
)

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()
	brokers := strings.Split(cfg.Infra.Kafka.Brokers, ",")

	// 1. 持久化层
	db, err := database.Open(database.Config{
		User:     cfg.Infra.Mysql.User,
		Password: cfg.Infra.Mysql.Password,
		Host:     cfg.Infra.Mysql.Host,
		Name:     cfg.Infra.Mysql.Name,
	})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(infrastructure.AllModels()...); err != nil {
		log.Fatalf("failed to migrate database schema: %v", err)
	}

	machine := domain.NewMachine()
	orderRepo := infrastructure.NewGormOrderRepository(db, machine)
	idempotencyLedger := infrastructure.NewGormIdempotencyLedger(db)
	retryLog := infrastructure.NewGormPaymentRetryLog(db)
	sagaLog := infrastructure.NewGormSagaLog(db)

	// 2. 出站适配器
	tracer := otel.Tracer(serviceName)
	httpClient := httpclient.NewClient(tracer)
	processor := adapter.NewProcessorHTTPAdapter(httpClient, cfg.Infra.Processor.BaseURL, cfg.Infra.Processor.APIKey)

	notificationWriter := mq.NewKafkaWriter(brokers, notificationTopic)
	notifier := adapter.NewNotificationKafkaAdapter(notificationWriter)

	scheduler := adapter.NewSchedulerKafkaAdapter(brokers, graceDelayTopic, graceCheckTopic)

	redisClient, err := redis.NewClient(cfg.Infra.Redis.Addrs)
	if err != nil {
		log.Fatalf("failed to initialize redis client: %v", err)
	}
	var guard port.SettlementGuard
	if cfg.App.FeatureFlags.EnableSettlementGuard {
		guard, err = adapter.NewSettlementGuardRedisAdapter(redisClient)
		if err != nil {
			log.Fatalf("failed to initialize settlement guard: %v", err)
		}
	}

	policy, err := adapter.NewPolicyCELAdapter(cfg.App.Settlement.ApprovalVarianceExpr)
	if err != nil {
		log.Fatalf("failed to compile approval policy: %v", err)
	}

	// 3. 应用服务
	settlementSvc := application.NewSettlementService(
		orderRepo, machine, sagaLog, retryLog, idempotencyLedger,
		processor, notifier, scheduler, policy, guard, tracer,
		application.SettlementConfig{
			RetryBackoff:   cfg.App.Settlement.RetryBackoff.Std(),
			GraceWindow:    cfg.App.Settlement.GraceWindow.Std(),
			NoShowFeeCents: cfg.App.Settlement.NoShowFeeCents,
			Currency:       cfg.App.Settlement.Currency,
			GuardTTL:       guardTTL,
			GuardEnabled:   cfg.App.FeatureFlags.EnableSettlementGuard,
		},
	)
	orderSvc := application.NewOrderApplicationService(orderRepo, settlementSvc, settleTimeout, tracer)

	// 4. 入站适配器
	orderHandler := interfaces.NewOrderHandler(orderSvc, settlementSvc, cfg.App.JWTSecret)
	webhookHandler := interfaces.NewWebhookHandler(
		settlementSvc,
		adapter.NewHMACSignatureVerifier(cfg.Infra.Webhook.Secret),
		rate.NewLimiter(rate.Limit(webhookRatePerSec), webhookBurst),
	)

	failureHandler := mq.NewFailureHandler(brokers, dltTopic)
	graceConsumer := interfaces.NewGraceCheckConsumerAdapter(
		mq.NewKafkaReader(brokers, graceCheckTopic, graceCheckGroupID),
		settlementSvc,
		failureHandler,
	)
	dltConsumer := interfaces.NewDltConsumerAdapter(mq.NewKafkaReader(brokers, dltTopic, dltGroupID))

	consumerCtx, stopConsumers := context.WithCancel(context.Background())

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.HTTPPort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			router := chi.NewRouter()
			orderHandler.RegisterRoutes(router)
			webhookHandler.RegisterRoutes(router)
			appCtx.Mux.Handle("/", router)

			graceConsumer.Start(consumerCtx)
			dltConsumer.Start(consumerCtx)
		},
		OnShutdown: func(ctx context.Context) {
			stopConsumers()
			graceConsumer.Stop(ctx)
			dltConsumer.Stop(ctx)
			failureHandler.Close()
			notifier.Close()
			scheduler.Close()
			redisClient.Close()
		},
	})
}
