package repository

import (
	"context"
	"errors"

	"paybridge/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPlanNotFound   = errors.New("套餐不存在")
	ErrCouponNotFound = errors.New("优惠券不存在")
)

// PlanRepository 套餐与优惠券的只读访问
type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

func (r *PlanRepository) GetActive(ctx context.Context, id int64) (*model.Plan, error) {
	var p model.Plan
	err := r.db.WithContext(ctx).Where("id = ? AND active = ?", id, true).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PlanRepository) GetCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	var c model.Coupon
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCouponNotFound
		}
		return nil, err
	}
	return &c, nil
}
