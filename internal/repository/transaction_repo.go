package repository

import (
	"context"
	"errors"
	"time"

	"paybridge/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound = errors.New("交易不存在")
	ErrStatusInvalid       = errors.New("交易状态不合法")
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(t).Error
}

func (r *TransactionRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetByCorrelationID 按 PSP 侧 id 查找交易
func (r *TransactionRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).Where("correlation_id = ?", correlationID).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// MarkPaid 条件更新 WHERE paid = false
//
// 返回 false 表示已被其他请求处理过，调用方按幂等处理。
func (r *TransactionRepository) MarkPaid(ctx context.Context, tx *gorm.DB, id int64, paidAmount decimal.Decimal, paidAt time.Time, methodDetail string) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND paid = ? AND status = ?", id, false, model.TransactionStatusPending).
		Updates(map[string]interface{}{
			"paid":          true,
			"status":        model.TransactionStatusPaid,
			"paid_amount":   decimal.NullDecimal{Decimal: paidAmount, Valid: true},
			"paid_at":       paidAt,
			"method_detail": methodDetail,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateStatus 按状态机做条件更新，用于 PAID 以外的迁移
func (r *TransactionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to model.TransactionStatus) (bool, error) {
	if !model.CanTransitionTo(from, to) {
		return false, ErrStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ? AND paid = ?", id, from, false).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// GetStalePending 查询超过指定时间仍未收到结果的交易
func (r *TransactionRepository) GetStalePending(ctx context.Context, before time.Time, limit int) ([]*model.Transaction, error) {
	var list []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND correlation_id IS NOT NULL AND created_at < ?", model.TransactionStatusPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	var list []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&list).Error
	return list, total, err
}
