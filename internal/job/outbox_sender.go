package job

import (
	"context"
	"time"

	"paybridge/internal/config"
	"paybridge/internal/model"
	"paybridge/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageSender 消息投递，生产环境为 mq.Producer
type MessageSender interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender 把 outbox 中的 PENDING 消息投递到 Kafka
//
// 投递至少一次：MarkSent 失败时下一轮会重发，邮件消费方按 topic + order_no 去重。
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	sender     MessageSender
	maxRetry   int
	log        *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, sender MessageSender, business config.BusinessConfig, log *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		sender:     sender,
		maxRetry:   business.MaxRetryCount,
		log:        log.Named("outbox"),
		stopCh:     make(chan struct{}),
		interval:   business.OutboxInterval(),
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error("查询消息失败", zap.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	log := s.log.With(zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey))

	err := s.sender.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			log.Error("更新消息状态失败", zap.Error(updateErr))
			return
		}
		log.Debug("消息发送成功")
		return
	}

	log.Warn("消息发送失败", zap.Int("retry_count", msg.RetryCount), zap.Error(err))
	failed, recErr := s.outboxRepo.RecordFailure(ctx, msg, s.maxRetry)
	if recErr != nil {
		log.Error("记录重试次数失败", zap.Error(recErr))
		return
	}
	if failed {
		log.Error("消息超过最大重试次数，标记为失败", zap.Int("max_retry", s.maxRetry))
	}
}
