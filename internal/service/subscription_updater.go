package service

import (
	"context"
	"errors"
	"time"

	"paybridge/internal/config"
	"paybridge/internal/gateway"
	"paybridge/internal/model"
	"paybridge/internal/repository"
	"paybridge/pkg/payerr"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StateUpdater 应用已确认的 PSP 状态
type StateUpdater interface {
	ApplyPayment(ctx context.Context, t *model.Transaction, snap *gateway.StatusSnapshot) (bool, error)
	ApplyCancellation(ctx context.Context, t *model.Transaction, snap *gateway.StatusSnapshot) (bool, error)
}

// SubscriptionUpdater 订阅字段的唯一写入方
//
// 每次迁移在一个数据库事务内完成：交易、PIX 收款、用户订阅字段、outbox 消息。
// 交易使用 WHERE paid = false 条件更新，重复应用时不产生任何写入。
type SubscriptionUpdater struct {
	db            *gorm.DB
	txRepo        *repository.TransactionRepository
	pixRepo       *repository.PixChargeRepository
	userRepo      *repository.UserRepository
	outboxRepo    *repository.OutboxRepository
	renewalPeriod time.Duration
	topic         string
	log           *zap.Logger
	now           func() time.Time
}

func NewSubscriptionUpdater(db *gorm.DB, sub config.SubscriptionConfig, topic string, log *zap.Logger) *SubscriptionUpdater {
	return &SubscriptionUpdater{
		db:            db,
		txRepo:        repository.NewTransactionRepository(db),
		pixRepo:       repository.NewPixChargeRepository(db),
		userRepo:      repository.NewUserRepository(db),
		outboxRepo:    repository.NewOutboxRepository(db),
		renewalPeriod: sub.RenewalPeriod(),
		topic:         topic,
		log:           log.Named("updater"),
		now:           time.Now,
	}
}

// ApplyPayment 把交易标记为已支付并延长用户订阅
//
// 返回 false 表示交易此前已被应用。
func (u *SubscriptionUpdater) ApplyPayment(ctx context.Context, t *model.Transaction, snap *gateway.StatusSnapshot) (bool, error) {
	const op = "updater.ApplyPayment"
	if snap == nil || snap.Status != model.TransactionStatusPaid {
		return false, payerr.E(payerr.KindStatusMismatch, op, nil)
	}

	paidAt := u.now()
	if snap.PaidAt != nil {
		paidAt = *snap.PaidAt
	}
	paidAmount := t.Amount
	if snap.PaidAmount.Valid {
		paidAmount = snap.PaidAmount.Decimal
	}
	deadline := paidAt.Add(u.renewalPeriod)
	chargeStatus := snap.ChargeStatus
	if chargeStatus == "" {
		chargeStatus = model.PixChargeStatusCompleted
	}

	applied := false
	err := u.db.Transaction(func(tx *gorm.DB) error {
		ok, err := u.txRepo.MarkPaid(ctx, tx, t.ID, paidAmount, paidAt, snap.MethodDetail)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if t.Method == model.PaymentMethodPix {
			if _, err := u.pixRepo.MarkPaid(ctx, tx, t.CorrelationKey(), chargeStatus, paidAmount, paidAt); err != nil {
				return err
			}
		}

		user, err := u.userRepo.GetByID(ctx, tx, t.UserID)
		if err != nil {
			return err
		}
		if err := u.userRepo.ApplySubscription(ctx, tx, t.UserID, t.PlanID, paidAt, deadline, t.Method); err != nil {
			return err
		}

		event := model.PaymentConfirmedEvent{
			UserID:        user.ID,
			Email:         user.Email,
			Name:          user.Name,
			PlanID:        t.PlanID,
			OrderNo:       t.OrderNo,
			Deadline:      deadline,
			PaymentMethod: string(t.Method),
		}
		if err := u.outboxRepo.Enqueue(ctx, tx, u.topic, t.OrderNo, event); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		u.log.Error("应用支付失败",
			zap.String("order_no", t.OrderNo),
			zap.String("correlation_id", t.CorrelationKey()),
			zap.Error(err),
		)
		return false, payerr.E(payerr.KindPersistence, op, err)
	}

	if applied {
		u.log.Info("订阅已续期",
			zap.String("order_no", t.OrderNo),
			zap.Int64("user_id", t.UserID),
			zap.Int64("plan_id", t.PlanID),
			zap.Time("deadline", deadline),
		)
	}
	return applied, nil
}

// ApplyCancellation 交易与 PIX 收款进入取消态，用户订阅字段不变
func (u *SubscriptionUpdater) ApplyCancellation(ctx context.Context, t *model.Transaction, snap *gateway.StatusSnapshot) (bool, error) {
	const op = "updater.ApplyCancellation"
	if snap == nil || snap.Status != model.TransactionStatusCancelled {
		return false, payerr.E(payerr.KindStatusMismatch, op, nil)
	}
	chargeStatus := snap.ChargeStatus
	if chargeStatus == "" || chargeStatus == model.PixChargeStatusActive {
		chargeStatus = model.PixChargeStatusRemovedByPSP
	}

	applied := false
	err := u.db.Transaction(func(tx *gorm.DB) error {
		ok, err := u.txRepo.UpdateStatus(ctx, tx, t.ID, model.TransactionStatusPending, model.TransactionStatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if t.Method == model.PaymentMethodPix {
			if _, err := u.pixRepo.MarkCancelled(ctx, tx, t.CorrelationKey(), chargeStatus); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrStatusInvalid) {
			return false, payerr.E(payerr.KindStatusMismatch, op, err)
		}
		u.log.Error("取消交易失败", zap.String("order_no", t.OrderNo), zap.Error(err))
		return false, payerr.E(payerr.KindPersistence, op, err)
	}
	if applied {
		u.log.Info("交易已取消", zap.String("order_no", t.OrderNo), zap.String("correlation_id", t.CorrelationKey()))
	}
	return applied, nil
}
