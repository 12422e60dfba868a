package job

import (
	"context"
	"time"

	"paybridge/internal/config"
	"paybridge/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeadlineBlockJob 订阅到期且超过宽限期的用户置为 blocked
//
// 只写 blocked 字段；Block 带 deadline 条件，扫描与更新之间续费的用户不会被误封。
type DeadlineBlockJob struct {
	userRepo  *repository.UserRepository
	grace     time.Duration
	log       *zap.Logger
	now       func() time.Time
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewDeadlineBlockJob(db *gorm.DB, sub config.SubscriptionConfig, log *zap.Logger) *DeadlineBlockJob {
	return &DeadlineBlockJob{
		userRepo:  repository.NewUserRepository(db),
		grace:     sub.GracePeriod(),
		log:       log.Named("deadline"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
		interval:  10 * time.Minute,
		batchSize: 100,
	}
}

func (j *DeadlineBlockJob) Start(ctx context.Context) {
	j.log.Info("到期封禁任务启动", zap.Duration("grace", j.grace))

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
			j.blockOverdueUsers(ctx)
		}
	}
}

func (j *DeadlineBlockJob) Stop() {
	close(j.stopCh)
}

func (j *DeadlineBlockJob) blockOverdueUsers(ctx context.Context) int {
	before := j.now().Add(-j.grace)
	users, err := j.userRepo.GetOverdue(ctx, before, j.batchSize)
	if err != nil {
		j.log.Error("查询到期用户失败", zap.Error(err))
		return 0
	}
	if len(users) == 0 {
		return 0
	}

	blocked := 0
	for _, u := range users {
		ok, err := j.userRepo.Block(ctx, u.ID, before)
		if err != nil {
			j.log.Error("封禁用户失败", zap.Int64("user_id", u.ID), zap.Error(err))
			continue
		}
		if ok {
			blocked++
			j.log.Info("用户订阅到期已封禁", zap.Int64("user_id", u.ID), zap.Timep("deadline", u.PurchaseDeadline))
		}
	}

	j.log.Info("本次封禁到期用户", zap.Int("count", blocked))
	return blocked
}
