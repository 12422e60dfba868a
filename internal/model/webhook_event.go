package model

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent 每条入站通知的审计记录，只追加
type WebhookEvent struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Provider   Provider       `gorm:"type:varchar(20);index;not null" json:"provider"`
	EventType  string         `gorm:"type:varchar(32)" json:"event_type"`
	ExternalID string         `gorm:"type:varchar(64);index" json:"external_id"`
	Payload    datatypes.JSON `json:"payload"`
	Applied    bool           `gorm:"not null;default:false" json:"applied"`
	Reason     string         `gorm:"type:varchar(32)" json:"reason"`
	Error      string         `gorm:"type:varchar(512)" json:"error,omitempty"`
	CreatedAt  time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_event"
}
