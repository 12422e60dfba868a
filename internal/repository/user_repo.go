package repository

import (
	"context"
	"errors"
	"time"

	"paybridge/internal/model"

	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("用户不存在")

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.User, error) {
	if tx == nil {
		tx = r.db
	}
	var u model.User
	err := tx.WithContext(ctx).First(&u, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// ApplySubscription 写入一次确认支付带来的订阅字段
func (r *UserRepository) ApplySubscription(ctx context.Context, tx *gorm.DB, userID, planID int64, paidAt, deadline time.Time, method model.PaymentMethod) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"plan_id":           planID,
			"last_payment_at":   paidAt,
			"purchase_deadline": deadline,
			"payment_method":    method,
			"blocked":           false,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetOverdue 查询到期时间早于 before 且尚未封禁的用户
func (r *UserRepository) GetOverdue(ctx context.Context, before time.Time, limit int) ([]*model.User, error) {
	var users []*model.User
	err := r.db.WithContext(ctx).
		Where("blocked = ? AND purchase_deadline IS NOT NULL AND purchase_deadline < ?", false, before).
		Limit(limit).
		Find(&users).Error
	return users, err
}

// Block 条件更新，期间若用户已续费（deadline 变化）则不封禁
func (r *UserRepository) Block(ctx context.Context, userID int64, before time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND blocked = ? AND purchase_deadline < ?", userID, false, before).
		Update("blocked", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
