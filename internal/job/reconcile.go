package job

import (
	"context"
	"time"

	"paybridge/internal/gateway"
	"paybridge/internal/repository"
	"paybridge/internal/service"
	"paybridge/pkg/payerr"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NotificationHandler 由 service.Correlator 实现
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n gateway.Notification) (service.Outcome, error)
}

// ReconcileJob 补偿丢失的 webhook
//
// 长时间停留在 PENDING 的交易以合成通知（类型 reconcile，无声明结果）
// 交给 Correlator，走与 webhook 相同的加锁与 FetchStatus 确认流程。
type ReconcileJob struct {
	txRepo    *repository.TransactionRepository
	handler   NotificationHandler
	after     time.Duration
	log       *zap.Logger
	now       func() time.Time
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewReconcileJob(db *gorm.DB, handler NotificationHandler, after time.Duration, log *zap.Logger) *ReconcileJob {
	return &ReconcileJob{
		txRepo:    repository.NewTransactionRepository(db),
		handler:   handler,
		after:     after,
		log:       log.Named("reconcile"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
		interval:  time.Minute,
		batchSize: 50,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	j.log.Info("对账任务启动", zap.Duration("after", j.after))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.reconcile(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

// reconcile 返回本轮完成状态迁移的交易数
func (j *ReconcileJob) reconcile(ctx context.Context) int {
	stale, err := j.txRepo.GetStalePending(ctx, j.now().Add(-j.after), j.batchSize)
	if err != nil {
		j.log.Error("查询待对账交易失败", zap.Error(err))
		return 0
	}
	if len(stale) == 0 {
		return 0
	}
	j.log.Info("发现待对账交易", zap.Int("count", len(stale)))

	applied := 0
	for _, t := range stale {
		if t.CorrelationKey() == "" {
			continue
		}
		out, err := j.handler.HandleNotification(ctx, gateway.Notification{
			Provider:   t.Provider,
			Type:       gateway.NotificationReconcile,
			ExternalID: t.CorrelationKey(),
			Declared:   gateway.DeclaredUnknown,
		})
		if err != nil {
			j.log.Warn("对账失败",
				zap.String("order_no", t.OrderNo),
				zap.String("kind", payerr.KindOf(err).String()),
				zap.Error(err),
			)
			continue
		}
		if out.Applied {
			applied++
			j.log.Info("对账完成状态迁移", zap.String("order_no", t.OrderNo), zap.String("status", string(out.Status)))
		}
	}
	return applied
}

var _ NotificationHandler = (*service.Correlator)(nil)
