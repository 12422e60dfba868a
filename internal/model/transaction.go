package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ============================================================================
// 交易状态机
// ============================================================================
//
//   PENDING --approved-----------> PAID       [终态]
//   PENDING --rejected/cancelled-> CANCELLED  [终态]
//
// 终态之后的任何通知都按重复通知处理，不再修改记录。
// ============================================================================

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusPaid      TransactionStatus = "PAID"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
)

var ValidTransactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending: {TransactionStatusPaid, TransactionStatusCancelled},
}

func CanTransitionTo(current, target TransactionStatus) bool {
	for _, s := range ValidTransactionTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusPaid || s == TransactionStatusCancelled
}

type PaymentMethod string

const (
	PaymentMethodPix  PaymentMethod = "PIX"
	PaymentMethodCard PaymentMethod = "CARD"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodPix || m == PaymentMethodCard
}

type Provider string

const (
	ProviderMercadoPago Provider = "mercadopago"
	ProviderEfi         Provider = "efi"
)

// Transaction 订阅购买记录
//
// 一条记录对应 PSP 上的一笔收款或一个订阅；correlation_id 是 PSP 侧的 id，
// 用于把异步通知关联回本地。amount 创建后不可修改，记录永不删除。
type Transaction struct {
	ID              int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo         string              `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	UserID          int64               `gorm:"index;not null" json:"user_id"`
	PlanID          int64               `gorm:"not null" json:"plan_id"`
	Method          PaymentMethod       `gorm:"type:varchar(10);not null" json:"method"`
	Provider        Provider            `gorm:"type:varchar(20);not null" json:"provider"`
	CorrelationID   *string             `gorm:"type:varchar(64);uniqueIndex" json:"correlation_id"`
	Amount          decimal.Decimal     `gorm:"type:decimal(10,2);not null" json:"amount"`
	Coupon          *string             `gorm:"type:varchar(64)" json:"coupon,omitempty"`
	Status          TransactionStatus   `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	Paid            bool                `gorm:"not null;default:false" json:"paid"`
	PaidAmount      decimal.NullDecimal `gorm:"type:decimal(10,2)" json:"paid_amount"`
	PaidAt          *time.Time          `json:"paid_at"`
	MethodDetail    string              `gorm:"type:varchar(64)" json:"method_detail,omitempty"`
	RedirectURL     string              `gorm:"type:varchar(512)" json:"redirect_url,omitempty"`
	ProviderPayload datatypes.JSON      `json:"-"`
	CreatedAt       time.Time           `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) CorrelationKey() string {
	if t.CorrelationID == nil {
		return ""
	}
	return *t.CorrelationID
}
