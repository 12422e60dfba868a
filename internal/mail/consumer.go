package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"paybridge/internal/config"
	"paybridge/internal/model"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Notifier 由 Sender 实现
type Notifier interface {
	SendPaymentConfirmation(ctx context.Context, ev model.PaymentConfirmedEvent) error
	SendPixCharge(ctx context.Context, ev model.PixChargeCreatedEvent) error
}

// Consumer 消费 outbox 投递的事件并发送邮件，实现 sarama.ConsumerGroupHandler
//
// 邮件失败只记录日志并提交位点，不阻塞分区。dedupe 为 nil 时不去重。
type Consumer struct {
	notifier   Notifier
	dedupe     Deduper
	topics     config.KafkaTopicConfig
	log        *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewConsumer(notifier Notifier, dedupe Deduper, topics config.KafkaTopicConfig, log *zap.Logger) *Consumer {
	return &Consumer{
		notifier:   notifier,
		dedupe:     dedupe,
		topics:     topics,
		log:        log.Named("mail.consumer"),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

func (c *Consumer) Topics() []string {
	return []string{c.topics.PaymentConfirmed, c.topics.PixChargeCreated}
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.handle(session.Context(), msg); err != nil {
				c.log.Error("处理邮件消息失败",
					zap.String("topic", msg.Topic),
					zap.ByteString("key", msg.Key),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if c.dedupe == nil || len(msg.Key) == 0 {
		return c.dispatch(ctx, msg)
	}

	key := msg.Topic + ":" + string(msg.Key)
	first, err := c.dedupe.Claim(ctx, key)
	if err != nil {
		// 去重不可用时宁可重复发信
		c.log.Warn("邮件去重失败", zap.String("key", key), zap.Error(err))
		return c.dispatch(ctx, msg)
	}
	if !first {
		c.log.Info("重复消息，跳过", zap.String("key", key))
		return nil
	}

	if err := c.dispatch(ctx, msg); err != nil {
		if rerr := c.dedupe.Release(ctx, key); rerr != nil {
			c.log.Warn("释放去重标记失败", zap.String("key", key), zap.Error(rerr))
		}
		return err
	}
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, msg *sarama.ConsumerMessage) error {
	switch msg.Topic {
	case c.topics.PaymentConfirmed:
		var ev model.PaymentConfirmedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("解析消息失败: %w", err)
		}
		return c.notifier.SendPaymentConfirmation(ctx, ev)
	case c.topics.PixChargeCreated:
		var ev model.PixChargeCreatedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("解析消息失败: %w", err)
		}
		return c.notifier.SendPixCharge(ctx, ev)
	default:
		return fmt.Errorf("未知 topic: %s", msg.Topic)
	}
}

// Run 阻塞消费直到 ctx 取消；rebalance 后 Consume 返回，需要循环调用
func (c *Consumer) Run(ctx context.Context, group sarama.ConsumerGroup) {
	go func() {
		for err := range group.Errors() {
			c.log.Error("消费者组错误", zap.Error(err))
		}
	}()

	c.log.Info("邮件消费者启动", zap.Strings("topics", c.Topics()))
	backoff := c.minBackoff
	for {
		err := group.Consume(ctx, c.Topics(), c)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if ctx.Err() != nil {
			c.log.Info("收到停止信号，消费者退出")
			return
		}
		if err == nil {
			backoff = c.minBackoff
			continue
		}

		// Consume 连续失败时指数退避，避免空转
		c.log.Error("消费失败", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			c.log.Info("收到停止信号，消费者退出")
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}
