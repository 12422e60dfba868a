package repository

import (
	"context"

	"paybridge/internal/model"

	"gorm.io/gorm"
)

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

func (r *WebhookEventRepository) Create(ctx context.Context, ev *model.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(ev).Error
}

func (r *WebhookEventRepository) ListByExternalID(ctx context.Context, provider model.Provider, externalID string) ([]*model.WebhookEvent, error) {
	var events []*model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}
