// cmd/retry-scheduler/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"fulcrum/internal/pkg/bootstrap"
	"fulcrum/internal/pkg/database"
	"fulcrum/internal/pkg/httpclient"
	"fulcrum/internal/pkg/logger"
	"fulcrum/internal/pkg/mq"
	"fulcrum/internal/pkg/redis"
	"fulcrum/internal/service/order/application"
	"fulcrum/internal/service/order/domain"
	"fulcrum/internal/service/order/domain/port"
	"fulcrum/internal/service/order/infrastructure"
	"fulcrum/internal/service/order/infrastructure/adapter"
	"fulcrum/internal/zookeeper"
)

const (
	serviceName = "retry-scheduler"

	notificationTopic = "notifications"
	graceCheckTopic   = "settlement-grace-check-topic"
	graceDelayTopic   = "delay_topic_24h"

	// 到期扫描频率。补扣的退避以小时计，分钟级扫描精度足够
	sweepInterval = 1 * time.Minute
	sweepTimeout  = 5 * time.Minute

	// 延迟主题轮询频率。24h 级别的延迟不需要秒级精度
	relayPollInterval = 30 * time.Second

	guardTTL = 30 * time.Second

	// 与 order-service 错开，便于单机同跑
	defaultHTTPPort = 8081

	sweepLockResource = "retry-sweeper"
)

var tracer = otel.Tracer(serviceName)

// main 组装 retry-scheduler：一个进程里跑两件事
//  1. 到期扫描器 (sweeper)：周期性调用 ProcessDueRetries，补扣到期的失败结算、
//     处理宽限期到期的订单。靠 ZooKeeper 锁做 leader 选举，多实例只有一个在扫。
//  2. 延迟消息转投器 (relay)：把 delay_topic_24h 里到期的宽限检查消息
//     转投回 settlement-grace-check-topic，由 order-service 消费。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()
	brokers := strings.Split(cfg.Infra.Kafka.Brokers, ",")

	// 1. 持久化层。schema 由 order-service 负责迁移，这里 AutoMigrate
	// 只是兜底，保证 scheduler 先于 order-service 启动时不会扫到空库报错
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

	// 3. leader 锁。扫描动作本身幂等，锁只是避免多实例重复打处理器
	zkConn, err := zookeeper.Connect(strings.Split(cfg.Infra.Zookeeper.Servers, ","), 10*time.Second)
	if err != nil {
		log.Fatalf("failed to connect to zookeeper: %v", err)
	}
	sweepLock, err := zookeeper.NewDistributedLock(zkConn, sweepLockResource)
	if err != nil {
		log.Fatalf("failed to create sweeper lock: %v", err)
	}

	relay := NewDelayRelay(brokers, graceDelayTopic, 24*time.Hour)

	workerCtx, stopWorkers := context.WithCancel(context.Background())

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        httpPort(),
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())

			go relay.StartPolling(workerCtx, relayPollInterval)
			go runSweeper(workerCtx, sweepLock, settlementSvc)
		},
		OnShutdown: func(ctx context.Context) {
			stopWorkers()
			notifier.Close()
			scheduler.Close()
			redisClient.Close()
			zkConn.Close()
		},
	})
}

// runSweeper 先竞争 leader 锁，拿到后按固定周期扫描到期重试。
// ctx 结束时释放锁退出；会话断开时临时节点自动删除，锁不会泄漏。
func runSweeper(ctx context.Context, lock *zookeeper.DistributedLock, svc *application.SettlementService) {
	logger.Info().Str("resource", sweepLockResource).Msg("ℹ️ Competing for sweeper leadership...")
	if err := lock.Lock(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("🚨 Failed to acquire sweeper lock")
		}
		return
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Error().Err(err).Msg("Failed to release sweeper lock")
		}
	}()
	logger.Info().Msg("✅ Sweeper leadership acquired")

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	// 拿到 leader 立刻扫一轮，不等第一个 tick
	sweepOnce(ctx, svc)
	for {
		select {
		case <-ticker.C:
			sweepOnce(ctx, svc)
		case <-ctx.Done():
			logger.Info().Msg("🛑 Sweeper shutting down")
			return
		}
	}
}

func sweepOnce(ctx context.Context, svc *application.SettlementService) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	if err := svc.ProcessDueRetries(sweepCtx, time.Now().UTC()); err != nil {
		logger.Ctx(sweepCtx).Error().Err(err).Msg("🚨 Retry sweep failed")
	}
}

func httpPort() int {
	if raw := os.Getenv("SCHEDULER_HTTP_PORT"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			return parsed
		}
	}
	return defaultHTTPPort
}
