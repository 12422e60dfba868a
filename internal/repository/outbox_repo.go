package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"paybridge/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Enqueue 序列化事件并写入 outbox，必须与业务写入共用同一个 tx
func (r *OutboxRepository) Enqueue(ctx context.Context, tx *gorm.DB, topic, key string, event interface{}) error {
	if tx == nil {
		tx = r.db
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}
	return tx.WithContext(ctx).Create(&model.OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}).Error
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Update("status", model.OutboxStatusSent).Error
}

// RecordFailure 记录一次投递失败，达到上限后标记为 FAILED
func (r *OutboxRepository) RecordFailure(ctx context.Context, msg *model.OutboxMessage, maxRetry int) (failed bool, err error) {
	updates := map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
	}
	if msg.RetryCount+1 >= maxRetry {
		updates["status"] = model.OutboxStatusFailed
		failed = true
	}
	err = r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", msg.ID).
		Updates(updates).Error
	return failed, err
}
