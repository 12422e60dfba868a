package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paybridge/internal/config"
	"paybridge/internal/gateway"
	"paybridge/internal/model"
	"paybridge/internal/repository"
	"paybridge/pkg/idgen"
	"paybridge/pkg/payerr"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ChargeService struct {
	db         *gorm.DB
	registry   *gateway.Registry
	planRepo   *repository.PlanRepository
	txRepo     *repository.TransactionRepository
	pixRepo    *repository.PixChargeRepository
	userRepo   *repository.UserRepository
	outboxRepo *repository.OutboxRepository
	topics     config.KafkaTopicConfig
	log        *zap.Logger
	now        func() time.Time
}

func NewChargeService(db *gorm.DB, registry *gateway.Registry, topics config.KafkaTopicConfig, log *zap.Logger) *ChargeService {
	return &ChargeService{
		db:         db,
		registry:   registry,
		planRepo:   repository.NewPlanRepository(db),
		txRepo:     repository.NewTransactionRepository(db),
		pixRepo:    repository.NewPixChargeRepository(db),
		userRepo:   repository.NewUserRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		topics:     topics,
		log:        log.Named("charge"),
		now:        time.Now,
	}
}

type CreateChargeRequest struct {
	UserID    int64               `json:"-"`
	PlanID    int64               `json:"plan_id" binding:"required,gt=0"`
	Method    model.PaymentMethod `json:"method" binding:"required,oneof=PIX CARD"`
	Coupon    string              `json:"coupon" binding:"omitempty,max=64"`
	Recurring bool                `json:"recurring"`
	// CPF 为空时使用用户资料中的 CPF
	CPF string `json:"cpf" binding:"omitempty,len=11,numeric"`
}

type ChargeView struct {
	OrderNo       string                  `json:"order_no"`
	Status        model.TransactionStatus `json:"status"`
	Method        model.PaymentMethod     `json:"method"`
	Provider      model.Provider          `json:"provider"`
	Amount        string                  `json:"amount"`
	CorrelationID string                  `json:"correlation_id,omitempty"`
	RedirectURL   string                  `json:"redirect_url,omitempty"`
	QRCode        *gateway.QRCode         `json:"qr_code,omitempty"`
	LocationID    string                  `json:"location_id,omitempty"`
	ExpiresAt     *time.Time              `json:"expires_at,omitempty"`
	PaidAt        *time.Time              `json:"paid_at,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
}

func newChargeView(t *model.Transaction) *ChargeView {
	return &ChargeView{
		OrderNo:       t.OrderNo,
		Status:        t.Status,
		Method:        t.Method,
		Provider:      t.Provider,
		Amount:        t.Amount.StringFixed(2),
		CorrelationID: t.CorrelationKey(),
		RedirectURL:   t.RedirectURL,
		PaidAt:        t.PaidAt,
		CreatedAt:     t.CreatedAt,
	}
}

// Create 计算价格，在 PSP 创建收款后落库为 PENDING
func (s *ChargeService) Create(ctx context.Context, req *CreateChargeRequest) (*ChargeView, error) {
	const op = "charge.Create"
	if !req.Method.Valid() {
		return nil, payerr.E(payerr.KindUnsupportedMethod, op, nil)
	}

	plan, err := s.planRepo.GetActive(ctx, req.PlanID)
	if err != nil {
		if errors.Is(err, repository.ErrPlanNotFound) {
			return nil, payerr.E(payerr.KindPlanNotFound, op, nil)
		}
		return nil, payerr.E(payerr.KindPersistence, op, err)
	}

	amount, err := s.price(ctx, plan, req.Coupon)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, payerr.E(payerr.KindInvalidAmount, op, nil)
	}

	user, err := s.userRepo.GetByID(ctx, nil, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, payerr.E(payerr.KindInvalidRequest, op, err)
		}
		return nil, payerr.E(payerr.KindPersistence, op, err)
	}

	gw, err := s.registry.ForMethod(req.Method)
	if err != nil {
		return nil, err
	}

	cpf := req.CPF
	if cpf == "" {
		cpf = user.CPF
	}
	chargeReq := &gateway.ChargeRequest{
		OrderNo:     idgen.GenerateOrderNo(),
		Method:      req.Method,
		Amount:      amount,
		Description: plan.Name,
		Payer:       gateway.Payer{Name: user.Name, Email: user.Email, CPF: cpf},
		StartDate:   s.now(),
	}
	if req.Recurring && req.Method == model.PaymentMethodPix {
		chargeReq.Periodicity = plan.Periodicity
		chargeReq.ContractNo = idgen.GenerateContractNo()
	}
	if req.Method == model.PaymentMethodCard {
		chargeReq.Periodicity = plan.Periodicity
	}

	res, err := gw.CreateCharge(ctx, chargeReq)
	if err != nil {
		s.log.Warn("渠道创建收款失败",
			zap.String("order_no", chargeReq.OrderNo),
			zap.String("kind", payerr.KindOf(err).String()),
			zap.Error(err),
		)
		return nil, err
	}

	t, err := s.persist(ctx, user, plan, req, chargeReq, res)
	if err != nil {
		// PSP 侧已存在收款，本地记录缺失时依赖关联号人工补单
		s.log.Error("收款已创建但落库失败",
			zap.String("order_no", chargeReq.OrderNo),
			zap.String("provider", string(res.Provider)),
			zap.String("correlation_id", res.CorrelationID),
			zap.Error(err),
		)
		return nil, payerr.E(payerr.KindPersistence, op, err)
	}

	s.log.Info("收款创建成功",
		zap.String("order_no", t.OrderNo),
		zap.Int64("user_id", t.UserID),
		zap.String("method", string(t.Method)),
		zap.String("amount", t.Amount.StringFixed(2)),
		zap.String("correlation_id", res.CorrelationID),
	)

	view := newChargeView(t)
	view.QRCode = res.QRCode
	view.LocationID = res.LocationID
	view.ExpiresAt = res.ExpiresAt
	return view, nil
}

func (s *ChargeService) price(ctx context.Context, plan *model.Plan, code string) (decimal.Decimal, error) {
	const op = "charge.price"
	if code == "" {
		return plan.Price, nil
	}
	coupon, err := s.planRepo.GetCoupon(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrCouponNotFound) {
			return decimal.Zero, payerr.E(payerr.KindCouponInvalid, op, nil)
		}
		return decimal.Zero, payerr.E(payerr.KindPersistence, op, err)
	}
	if !coupon.ValidAt(s.now()) {
		return decimal.Zero, payerr.E(payerr.KindCouponInvalid, op, nil)
	}
	return coupon.Apply(plan.Price), nil
}

func (s *ChargeService) persist(ctx context.Context, user *model.User, plan *model.Plan, req *CreateChargeRequest, chargeReq *gateway.ChargeRequest, res *gateway.ChargeResult) (*model.Transaction, error) {
	correlationID := res.CorrelationID
	t := &model.Transaction{
		OrderNo:         chargeReq.OrderNo,
		UserID:          user.ID,
		PlanID:          plan.ID,
		Method:          req.Method,
		Provider:        res.Provider,
		CorrelationID:   &correlationID,
		Amount:          chargeReq.Amount,
		Status:          model.TransactionStatusPending,
		RedirectURL:     res.RedirectURL,
		ProviderPayload: datatypes.JSON(res.Raw),
	}
	if req.Coupon != "" {
		coupon := req.Coupon
		t.Coupon = &coupon
	}
	if len(res.Raw) == 0 {
		t.ProviderPayload = nil
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.txRepo.Create(ctx, tx, t); err != nil {
			return fmt.Errorf("创建交易失败: %w", err)
		}
		if req.Method != model.PaymentMethodPix {
			return nil
		}

		charge := &model.PixCharge{
			UserID:        user.ID,
			TransactionID: t.ID,
			TxID:          correlationID,
			ContractNo:    chargeReq.ContractNo,
			Amount:        chargeReq.Amount,
			PayerCPF:      chargeReq.Payer.CPF,
			PayerName:     chargeReq.Payer.Name,
			LocationID:    res.LocationID,
			RecurrenceID:  res.RecurrenceID,
			Status:        res.ChargeStatus,
			PaymentStatus: model.PixPaymentPending,
			Periodicity:   chargeReq.Periodicity,
			DueAt:         res.ExpiresAt,
			RawResponse:   t.ProviderPayload,
		}
		if charge.Status == "" {
			charge.Status = model.PixChargeStatusActive
		}
		if chargeReq.Periodicity != "" {
			start := chargeReq.StartDate
			charge.StartDate = &start
		}
		if res.QRCode != nil {
			charge.CopyPaste = res.QRCode.CopyPaste
		}
		if err := s.pixRepo.Create(ctx, tx, charge); err != nil {
			return fmt.Errorf("创建 PIX 收款失败: %w", err)
		}

		event := model.PixChargeCreatedEvent{
			UserID:    user.ID,
			Email:     user.Email,
			Name:      user.Name,
			TxID:      correlationID,
			Amount:    chargeReq.Amount.StringFixed(2),
			CopyPaste: charge.CopyPaste,
		}
		if res.ExpiresAt != nil {
			event.ExpiresAt = *res.ExpiresAt
		}
		return s.outboxRepo.Enqueue(ctx, tx, s.topics.PixChargeCreated, t.OrderNo, event)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Get 只返回属于该用户的交易
func (s *ChargeService) Get(ctx context.Context, userID int64, orderNo string) (*ChargeView, error) {
	const op = "charge.Get"
	t, err := s.txRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, payerr.E(payerr.KindNotFound, op, nil)
		}
		return nil, payerr.E(payerr.KindPersistence, op, err)
	}
	if t.UserID != userID {
		return nil, payerr.E(payerr.KindNotFound, op, nil)
	}

	view := newChargeView(t)
	if t.Method == model.PaymentMethodPix {
		if charge, err := s.pixRepo.GetByTxID(ctx, nil, t.CorrelationKey()); err == nil {
			view.QRCode = &gateway.QRCode{CopyPaste: charge.CopyPaste}
			view.LocationID = charge.LocationID
			view.ExpiresAt = charge.DueAt
		}
	}
	return view, nil
}

func (s *ChargeService) List(ctx context.Context, userID int64, page, pageSize int) ([]*ChargeView, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	list, total, err := s.txRepo.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, payerr.E(payerr.KindPersistence, "charge.List", err)
	}
	views := make([]*ChargeView, 0, len(list))
	for _, t := range list {
		views = append(views, newChargeView(t))
	}
	return views, total, nil
}

// QRCode 实时查询收款码，只允许收款所属用户访问
func (s *ChargeService) QRCode(ctx context.Context, userID int64, locationID string) (*gateway.QRCode, error) {
	const op = "charge.QRCode"
	charge, err := s.pixRepo.GetByLocationID(ctx, locationID)
	if err != nil {
		if errors.Is(err, repository.ErrPixChargeNotFound) {
			return nil, payerr.E(payerr.KindNotFound, op, nil)
		}
		return nil, payerr.E(payerr.KindPersistence, op, err)
	}
	if charge.UserID != userID {
		return nil, payerr.E(payerr.KindNotFound, op, nil)
	}

	gw, err := s.registry.ForMethod(model.PaymentMethodPix)
	if err != nil {
		return nil, err
	}
	return gw.FetchQRCode(ctx, locationID)
}
