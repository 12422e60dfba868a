package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paybridge/internal/config"
	"paybridge/internal/gateway"
	"paybridge/internal/handler"
	"paybridge/internal/infrastructure/cache"
	"paybridge/internal/infrastructure/database"
	"paybridge/internal/infrastructure/lock"
	applog "paybridge/internal/infrastructure/logger"
	"paybridge/internal/infrastructure/mq"
	"paybridge/internal/job"
	"paybridge/internal/mail"
	"paybridge/internal/model"
	"paybridge/internal/service"
	"paybridge/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	configPath := "config/config.yaml"
	if p := os.Getenv("PAYBRIDGE_CONFIG"); p != "" {
		configPath = p
	}

	// 加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger, err := applog.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// 初始化 ID 生成器
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	db, err := database.InitMySQL(&cfg.MySQL, logger)
	if err != nil {
		return err
	}

	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	producer, err := mq.InitKafka(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer producer.Close()

	registry, err := buildRegistry(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	var locker lock.Locker = lock.NewRedisLocker(redisClient, cfg.Gateway.Timeout()+10*time.Second)
	if cfg.Business.LockBackend == "local" {
		logger.Warn("使用进程内锁，仅适用于单实例部署")
		locker = lock.NewLocalLocker()
	}

	updater := service.NewSubscriptionUpdater(db, cfg.Subscription, cfg.Kafka.Topic.PaymentConfirmed, logger)
	correlator := service.NewCorrelator(db, registry, locker, updater, logger)
	charges := service.NewChargeService(db, registry, cfg.Kafka.Topic, logger)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg.Business, logger)
	go outboxSender.Start(ctx)

	reconcileJob := job.NewReconcileJob(db, correlator, cfg.Business.ReconcileAfter(), logger)
	go reconcileJob.Start(ctx)

	deadlineJob := job.NewDeadlineBlockJob(db, cfg.Subscription, logger)
	go deadlineJob.Start(ctx)

	group, err := mq.InitConsumerGroup(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer group.Close()
	// 去重窗口覆盖 outbox 的全部重试
	dedupe := mail.NewRedisDeduper(redisClient, 7*24*time.Hour)
	consumer := mail.NewConsumer(mail.NewSender(cfg.Mail, logger), dedupe, cfg.Kafka.Topic, logger)
	go consumer.Run(ctx, group)

	h := handler.NewHandler(charges, correlator, logger)
	router := handler.SetupRouter(h, cfg.JWT.Secret, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务关闭异常", zap.Error(err))
	}

	logger.Info("服务已关闭")
	return nil
}

// buildRegistry 按配置创建各 PSP 适配器；卡支付固定走 Mercado Pago
func buildRegistry(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (*gateway.Registry, error) {
	mp, err := gateway.NewMercadoPago(cfg.MercadoPago, cfg.Gateway.Timeout(), logger)
	if err != nil {
		return nil, err
	}
	gateways := []gateway.Gateway{mp}

	if cfg.Gateway.Pix == string(model.ProviderEfi) {
		efi, err := gateway.NewEfi(cfg.Efi, cfg.Gateway.Timeout(), gateway.NewRedisTokenCache(redisClient), logger)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, efi)
	}

	routes := map[model.PaymentMethod]model.Provider{
		model.PaymentMethodPix:  model.Provider(cfg.Gateway.Pix),
		model.PaymentMethodCard: model.Provider(cfg.Gateway.Card),
	}
	return gateway.NewRegistry(routes, gateways...), nil
}
