package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Plan struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string          `gorm:"type:varchar(64);not null" json:"name"`
	Description string          `gorm:"type:varchar(256)" json:"description"`
	Price       decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	Periodicity Periodicity     `gorm:"type:varchar(20);not null;default:MENSAL" json:"periodicity"`
	Active      bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Plan) TableName() string {
	return "plans"
}

// Coupon 优惠券，只读
type Coupon struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Code            string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	DiscountPercent decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"discount_percent"`
	ExpiresAt       *time.Time      `json:"expires_at"`
	Active          bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (Coupon) TableName() string {
	return "coupons"
}

func (c *Coupon) ValidAt(now time.Time) bool {
	if !c.Active {
		return false
	}
	return c.ExpiresAt == nil || now.Before(*c.ExpiresAt)
}

// Apply 按折扣计算最终价格，保留两位小数
func (c *Coupon) Apply(price decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	factor := hundred.Sub(c.DiscountPercent).Div(hundred)
	return price.Mul(factor).Round(2)
}
