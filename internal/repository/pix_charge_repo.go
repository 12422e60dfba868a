package repository

import (
	"context"
	"errors"
	"time"

	"paybridge/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrPixChargeNotFound = errors.New("PIX 收款不存在")

type PixChargeRepository struct {
	db *gorm.DB
}

func NewPixChargeRepository(db *gorm.DB) *PixChargeRepository {
	return &PixChargeRepository{db: db}
}

func (r *PixChargeRepository) Create(ctx context.Context, tx *gorm.DB, c *model.PixCharge) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(c).Error
}

func (r *PixChargeRepository) GetByTxID(ctx context.Context, tx *gorm.DB, txid string) (*model.PixCharge, error) {
	if tx == nil {
		tx = r.db
	}
	var c model.PixCharge
	err := tx.WithContext(ctx).Where("txid = ?", txid).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPixChargeNotFound
		}
		return nil, err
	}
	return &c, nil
}

// GetByLocationID 按 EFI location id 查找，用于校验收款码归属
func (r *PixChargeRepository) GetByLocationID(ctx context.Context, locationID string) (*model.PixCharge, error) {
	var c model.PixCharge
	err := r.db.WithContext(ctx).Where("location_id = ?", locationID).Order("id DESC").First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPixChargeNotFound
		}
		return nil, err
	}
	return &c, nil
}

// MarkPaid payment_status 只允许 PENDING -> PAID，返回是否有行被更新
func (r *PixChargeRepository) MarkPaid(ctx context.Context, tx *gorm.DB, txid string, status model.PixChargeStatus, paidAmount decimal.Decimal, paidAt time.Time) (bool, error) {
	return r.UpdatePaymentStatus(ctx, tx, txid, model.PixPaymentPending, model.PixPaymentPaid, map[string]interface{}{
		"status":      status,
		"paid_amount": decimal.NullDecimal{Decimal: paidAmount, Valid: true},
		"paid_at":     paidAt,
	})
}

func (r *PixChargeRepository) MarkCancelled(ctx context.Context, tx *gorm.DB, txid string, status model.PixChargeStatus) (bool, error) {
	return r.UpdatePaymentStatus(ctx, tx, txid, model.PixPaymentPending, model.PixPaymentCancelled, map[string]interface{}{
		"status": status,
	})
}

// UpdatePaymentStatus 条件更新 WHERE payment_status = from，非法迁移直接拒绝
func (r *PixChargeRepository) UpdatePaymentStatus(ctx context.Context, tx *gorm.DB, txid string, from, to model.PixPaymentStatus, fields map[string]interface{}) (bool, error) {
	if !model.PaymentTransitionAllowed(from, to) {
		return false, ErrStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}
	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["payment_status"] = to

	result := tx.WithContext(ctx).
		Model(&model.PixCharge{}).
		Where("txid = ? AND payment_status = ?", txid, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
