package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 与业务写入同一事务落库，由 OutboxSender 异步投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// PaymentConfirmedEvent 支付确认邮件的消息体
type PaymentConfirmedEvent struct {
	UserID        int64     `json:"user_id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	PlanID        int64     `json:"plan_id"`
	OrderNo       string    `json:"order_no"`
	Deadline      time.Time `json:"deadline"`
	PaymentMethod string    `json:"payment_method"`
}

// PixChargeCreatedEvent PIX 收款码邮件的消息体
type PixChargeCreatedEvent struct {
	UserID    int64     `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	TxID      string    `json:"txid"`
	Amount    string    `json:"amount"`
	CopyPaste string    `json:"copy_paste"`
	ExpiresAt time.Time `json:"expires_at"`
}
