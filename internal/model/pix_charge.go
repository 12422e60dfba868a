package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PixChargeStatus string

// PSP 侧的收款状态（EFI: ATIVA / APROVADA / CONCLUIDA / REMOVIDA_*）
const (
	PixChargeStatusActive         PixChargeStatus = "ACTIVE"
	PixChargeStatusApproved       PixChargeStatus = "APPROVED"
	PixChargeStatusCompleted      PixChargeStatus = "COMPLETED"
	PixChargeStatusRemovedByPayee PixChargeStatus = "REMOVED_BY_PAYEE"
	PixChargeStatusRemovedByPSP   PixChargeStatus = "REMOVED_BY_PSP"
)

type PixPaymentStatus string

const (
	PixPaymentPending   PixPaymentStatus = "PENDING"
	PixPaymentPaid      PixPaymentStatus = "PAID"
	PixPaymentCancelled PixPaymentStatus = "CANCELLED"
)

// PaymentTransitionAllowed payment_status 只能从 PENDING 单向前进
func PaymentTransitionAllowed(current, target PixPaymentStatus) bool {
	return current == PixPaymentPending && (target == PixPaymentPaid || target == PixPaymentCancelled)
}

type Periodicity string

const (
	PeriodicityMonthly    Periodicity = "MENSAL"
	PeriodicityQuarterly  Periodicity = "TRIMESTRAL"
	PeriodicitySemiannual Periodicity = "SEMESTRAL"
	PeriodicityAnnual     Periodicity = "ANUAL"
)

// PixCharge PIX 收款明细，与 Transaction 通过 txid = correlation_id 关联
type PixCharge struct {
	ID            int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64               `gorm:"index;not null" json:"user_id"`
	TransactionID int64               `gorm:"index;not null" json:"transaction_id"`
	TxID          string              `gorm:"column:txid;type:varchar(64);uniqueIndex;not null" json:"txid"`
	ContractNo    string              `gorm:"type:varchar(64)" json:"contract_no"`
	CopyPaste     string              `gorm:"type:text" json:"copy_paste"`
	Amount        decimal.Decimal     `gorm:"type:decimal(10,2);not null" json:"amount"`
	PayerCPF      string              `gorm:"column:payer_cpf;type:varchar(14)" json:"payer_cpf"`
	PayerName     string              `gorm:"type:varchar(128)" json:"payer_name"`
	LocationID    string              `gorm:"type:varchar(32);index" json:"location_id"`
	RecurrenceID  string              `gorm:"type:varchar(64)" json:"recurrence_id,omitempty"`
	Status        PixChargeStatus     `gorm:"type:varchar(32);not null" json:"status"`
	PaymentStatus PixPaymentStatus    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"payment_status"`
	Periodicity   Periodicity         `gorm:"type:varchar(20)" json:"periodicity,omitempty"`
	StartDate     *time.Time          `json:"start_date,omitempty"`
	EndDate       *time.Time          `json:"end_date,omitempty"`
	DueAt         *time.Time          `json:"due_at,omitempty"`
	PaidAt        *time.Time          `json:"paid_at,omitempty"`
	PaidAmount    decimal.NullDecimal `gorm:"type:decimal(10,2)" json:"paid_amount"`
	RawResponse   datatypes.JSON      `json:"-"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PixCharge) TableName() string {
	return "pix_charges"
}
