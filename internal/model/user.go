package model

import (
	"time"
)

// User 用户表中与订阅相关的列
//
// 用户的其余字段由账户服务维护。last_payment_at / purchase_deadline
// 只由订阅状态更新器写入，blocked 额外由到期封禁任务写入。
type User struct {
	ID               int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Name             string        `gorm:"type:varchar(128)" json:"name"`
	Email            string        `gorm:"type:varchar(128);index" json:"email"`
	CPF              string        `gorm:"column:cpf;type:varchar(14)" json:"cpf"`
	PlanID           *int64        `json:"plan_id"`
	LastPaymentAt    *time.Time    `json:"last_payment_at"`
	PurchaseDeadline *time.Time    `gorm:"index" json:"purchase_deadline"`
	PaymentMethod    PaymentMethod `gorm:"type:varchar(10)" json:"payment_method"`
	Blocked          bool          `gorm:"not null;default:false" json:"blocked"`
	CreatedAt        time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
