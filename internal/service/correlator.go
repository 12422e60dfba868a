package service

import (
	"context"
	"encoding/json"
	"errors"

	"paybridge/internal/gateway"
	"paybridge/internal/infrastructure/lock"
	"paybridge/internal/model"
	"paybridge/internal/repository"
	"paybridge/pkg/payerr"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ============================================================================
// 通知关联
// ============================================================================
//
// 【处理顺序】
//   1. 通知缺少类型或 id            -> MalformedPayload
//   2. 按 correlation id 加锁并查交易 -> 不存在则 UnknownTransaction
//   3. 交易已是终态                 -> applied=false, DuplicateNotification
//   4. 不认识的通知类型             -> 忽略
//   5. FetchStatus 向 PSP 确认       -> 与通知/金额不一致则 StatusMismatch
//   6. PAID / CANCELLED            -> 交给 StateUpdater
//
// 通知正文只作为触发信号，金额与状态以 FetchStatus 为准。
// ============================================================================

type Reason string

const (
	ReasonApplied        Reason = "APPLIED"
	ReasonAlreadyApplied Reason = "ALREADY_APPLIED"
	ReasonDuplicate      Reason = "DUPLICATE_NOTIFICATION"
	ReasonIgnored        Reason = "IGNORED"
	ReasonPending        Reason = "PSP_PENDING"
)

type Outcome struct {
	Applied bool                    `json:"applied"`
	Reason  Reason                  `json:"reason"`
	OrderNo string                  `json:"order_no,omitempty"`
	Status  model.TransactionStatus `json:"status,omitempty"`
}

// failedOutcome 失败时审计记录使用的结果
func failedOutcome(err error) Outcome {
	return Outcome{Reason: Reason(payerr.KindOf(err).String())}
}

type Correlator struct {
	txRepo    *repository.TransactionRepository
	eventRepo *repository.WebhookEventRepository
	registry  *gateway.Registry
	locker    lock.Locker
	updater   StateUpdater
	log       *zap.Logger
}

func NewCorrelator(db *gorm.DB, registry *gateway.Registry, locker lock.Locker, updater StateUpdater, log *zap.Logger) *Correlator {
	return &Correlator{
		txRepo:    repository.NewTransactionRepository(db),
		eventRepo: repository.NewWebhookEventRepository(db),
		registry:  registry,
		locker:    locker,
		updater:   updater,
		log:       log.Named("correlator"),
	}
}

// HandleNotification 处理单条通知
//
// 同一 correlation id 的通知串行执行，不同 id 之间互不阻塞。
func (c *Correlator) HandleNotification(ctx context.Context, n gateway.Notification) (Outcome, error) {
	const op = "correlator.HandleNotification"
	log := c.log.With(
		zap.String("provider", string(n.Provider)),
		zap.String("type", n.Type),
		zap.String("external_id", n.ExternalID),
	)

	if n.Type == "" || n.ExternalID == "" {
		log.Warn("通知缺少类型或 id", zap.ByteString("payload", n.Raw))
		return Outcome{}, payerr.E(payerr.KindMalformedPayload, op, nil)
	}

	release, err := c.locker.Acquire(ctx, lock.WebhookLockKey(n.ExternalID))
	if err != nil {
		log.Warn("获取通知锁失败", zap.Error(err))
		return Outcome{}, payerr.E(payerr.KindPersistence, op, err)
	}
	defer release()

	t, err := c.txRepo.GetByCorrelationID(ctx, n.ExternalID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			log.Warn("未找到对应交易", zap.ByteString("payload", n.Raw))
			return Outcome{}, payerr.E(payerr.KindUnknownTransaction, op, nil)
		}
		log.Error("查询交易失败", zap.Error(err))
		return Outcome{}, payerr.E(payerr.KindPersistence, op, err)
	}
	log = log.With(zap.String("order_no", t.OrderNo))

	if t.Status.IsTerminal() {
		log.Info("交易已是终态，忽略重复通知", zap.String("status", string(t.Status)))
		return Outcome{Reason: ReasonDuplicate, OrderNo: t.OrderNo, Status: t.Status}, nil
	}

	if !gateway.Recognized(n.Type) {
		log.Info("忽略未识别的通知类型")
		return Outcome{Reason: ReasonIgnored, OrderNo: t.OrderNo, Status: t.Status}, nil
	}

	if n.Provider != "" && n.Provider != t.Provider {
		log.Error("通知渠道与交易不一致", zap.String("transaction_provider", string(t.Provider)), zap.ByteString("payload", n.Raw))
		return Outcome{}, payerr.E(payerr.KindStatusMismatch, op, errors.New("provider mismatch"))
	}

	gw, err := c.registry.Get(t.Provider)
	if err != nil {
		return Outcome{}, err
	}
	snap, err := gw.FetchStatus(ctx, t.CorrelationKey())
	if err != nil {
		log.Warn("向渠道确认状态失败", zap.String("kind", payerr.KindOf(err).String()), zap.Error(err))
		return Outcome{}, err
	}

	if reason := mismatch(n, t, snap); reason != "" {
		// 可能是伪造通知
		log.Error("渠道状态与通知不一致",
			zap.String("detail", reason),
			zap.String("psp_status", string(snap.Status)),
			zap.String("amount", t.Amount.StringFixed(2)),
			zap.ByteString("payload", n.Raw),
		)
		return Outcome{}, payerr.E(payerr.KindStatusMismatch, op, errors.New(reason))
	}

	var applied bool
	switch snap.Status {
	case model.TransactionStatusPaid:
		applied, err = c.updater.ApplyPayment(ctx, t, snap)
	case model.TransactionStatusCancelled:
		applied, err = c.updater.ApplyCancellation(ctx, t, snap)
	default:
		log.Info("渠道侧仍未完成支付")
		return Outcome{Reason: ReasonPending, OrderNo: t.OrderNo, Status: t.Status}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Applied: applied, Reason: ReasonApplied, OrderNo: t.OrderNo, Status: snap.Status}
	if !applied {
		out.Reason = ReasonAlreadyApplied
	}
	log.Info("通知处理完成", zap.Bool("applied", applied), zap.String("status", string(snap.Status)))
	return out, nil
}

// mismatch 返回不一致的描述，一致时返回空串
func mismatch(n gateway.Notification, t *model.Transaction, snap *gateway.StatusSnapshot) string {
	switch n.Declared {
	case gateway.DeclaredApproved:
		if snap.Status != model.TransactionStatusPaid {
			return "declared approved but psp status is " + string(snap.Status)
		}
	case gateway.DeclaredRejected:
		if snap.Status != model.TransactionStatusCancelled {
			return "declared rejected but psp status is " + string(snap.Status)
		}
	}
	if n.DeclaredAmount.Valid && !n.DeclaredAmount.Decimal.Equal(t.Amount) {
		return "declared amount " + n.DeclaredAmount.Decimal.StringFixed(2) + " differs from " + t.Amount.StringFixed(2)
	}
	if snap.Status == model.TransactionStatusPaid && snap.PaidAmount.Valid && !snap.PaidAmount.Decimal.Equal(t.Amount) {
		return "paid amount " + snap.PaidAmount.Decimal.StringFixed(2) + " differs from " + t.Amount.StringFixed(2)
	}
	return ""
}

// HandlePayload 解析原始通知正文，逐条处理并写入审计记录
//
// 返回的 error 优先为可重试错误，调用方据此决定是否让 PSP 重推。
func (c *Correlator) HandlePayload(ctx context.Context, provider model.Provider, raw []byte) ([]Outcome, error) {
	gw, err := c.registry.Get(provider)
	if err != nil {
		return nil, err
	}

	notifications, err := gw.ParseNotification(raw)
	if err != nil {
		c.log.Warn("通知正文无法解析", zap.String("provider", string(provider)), zap.ByteString("payload", raw))
		c.audit(ctx, gateway.Notification{Provider: provider, Raw: raw}, failedOutcome(err), err)
		return nil, err
	}

	var (
		outcomes  = make([]Outcome, 0, len(notifications))
		firstErr  error
		retryable error
	)
	for _, n := range notifications {
		out, err := c.HandleNotification(ctx, n)
		if err != nil {
			out = failedOutcome(err)
			if firstErr == nil {
				firstErr = err
			}
			if retryable == nil && payerr.KindOf(err).Retryable() {
				retryable = err
			}
		}
		// 未知交易只确认不落库
		if payerr.KindOf(err) != payerr.KindUnknownTransaction {
			c.audit(ctx, n, out, err)
		}
		outcomes = append(outcomes, out)
	}

	if retryable != nil {
		return outcomes, retryable
	}
	return outcomes, firstErr
}

func (c *Correlator) audit(ctx context.Context, n gateway.Notification, out Outcome, handleErr error) {
	payload := []byte(n.Raw)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(n.Raw))
	}
	ev := &model.WebhookEvent{
		Provider:   n.Provider,
		EventType:  n.Type,
		ExternalID: n.ExternalID,
		Payload:    datatypes.JSON(payload),
		Applied:    out.Applied,
		Reason:     string(out.Reason),
	}
	if handleErr != nil {
		msg := handleErr.Error()
		if len(msg) > 500 {
			msg = msg[:500]
		}
		ev.Error = msg
	}
	if err := c.eventRepo.Create(ctx, ev); err != nil {
		c.log.Error("写入通知审计记录失败", zap.String("external_id", n.ExternalID), zap.Error(err))
	}
}
