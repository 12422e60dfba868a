package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"paybridge/internal/config"
	"paybridge/internal/model"
	"paybridge/pkg/payerr"

	mpconfig "github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preapproval"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrMissingAccessToken = errors.New("缺少 Mercado Pago access token")

// PaymentAPI payment.Client 中用到的子集
type PaymentAPI interface {
	Create(ctx context.Context, request payment.Request) (*payment.Response, error)
	Get(ctx context.Context, id int) (*payment.Response, error)
}

// PreapprovalAPI preapproval.Client 中用到的子集
type PreapprovalAPI interface {
	Create(ctx context.Context, request preapproval.Request) (*preapproval.Response, error)
	Get(ctx context.Context, id string) (*preapproval.Response, error)
}

// MercadoPago 卡支付走 preapproval（订阅），PIX 走 payment
type MercadoPago struct {
	payments    PaymentAPI
	preapproval PreapprovalAPI
	cfg         config.MercadoPagoConfig
	timeout     time.Duration
	log         *zap.Logger
}

// NewMercadoPago 以显式配置创建适配器，不依赖进程级 SDK 状态
func NewMercadoPago(cfg config.MercadoPagoConfig, timeout time.Duration, log *zap.Logger) (*MercadoPago, error) {
	if cfg.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}
	sdkCfg, err := mpconfig.New(cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("创建 Mercado Pago SDK 配置失败: %w", err)
	}
	return NewMercadoPagoWithClients(payment.NewClient(sdkCfg), preapproval.NewClient(sdkCfg), cfg, timeout, log), nil
}

func NewMercadoPagoWithClients(p PaymentAPI, pre PreapprovalAPI, cfg config.MercadoPagoConfig, timeout time.Duration, log *zap.Logger) *MercadoPago {
	return &MercadoPago{
		payments:    p,
		preapproval: pre,
		cfg:         cfg,
		timeout:     timeout,
		log:         log.Named("mercadopago"),
	}
}

func (m *MercadoPago) Provider() model.Provider {
	return model.ProviderMercadoPago
}

// mpPayment payment 响应中关心的字段
type mpPayment struct {
	ID                flexID          `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	PaymentMethodID   string          `json:"payment_method_id"`
	DateApproved      *time.Time      `json:"date_approved"`
	DateOfExpiration  *time.Time      `json:"date_of_expiration"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

type mpPreapproval struct {
	ID            flexID     `json:"id"`
	Status        string     `json:"status"`
	InitPoint     string     `json:"init_point"`
	LastModified  *time.Time `json:"last_modified"`
	AutoRecurring struct {
		TransactionAmount decimal.Decimal `json:"transaction_amount"`
	} `json:"auto_recurring"`
}

func (m *MercadoPago) CreateCharge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	const op = "mercadopago.CreateCharge"
	if !req.Amount.IsPositive() {
		return nil, payerr.E(payerr.KindInvalidAmount, op, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	switch req.Method {
	case model.PaymentMethodCard:
		return m.createPreapproval(ctx, req)
	case model.PaymentMethodPix:
		return m.createPixPayment(ctx, req)
	default:
		return nil, payerr.E(payerr.KindUnsupportedMethod, op, fmt.Errorf("method=%s", req.Method))
	}
}

func (m *MercadoPago) createPreapproval(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	const op = "mercadopago.createPreapproval"
	amount, _ := req.Amount.Round(2).Float64()
	body := map[string]interface{}{
		"reason":             req.Description,
		"external_reference": req.OrderNo,
		"payer_email":        req.Payer.Email,
		"back_url":           m.cfg.BackURL,
		"status":             "pending",
		"auto_recurring": map[string]interface{}{
			"frequency":          frequencyMonths(req.Periodicity),
			"frequency_type":     "months",
			"transaction_amount": amount,
			"currency_id":        "BRL",
		},
	}
	var sdkReq preapproval.Request
	if err := bridge(body, &sdkReq); err != nil {
		return nil, payerr.E(payerr.KindInvalidRequest, op, err)
	}

	resp, err := m.preapproval.Create(ctx, sdkReq)
	if err != nil {
		m.log.Warn("创建订阅失败", zap.String("order_no", req.OrderNo), zap.Error(err))
		return nil, classifyMPError(op, err)
	}

	var pre mpPreapproval
	raw, err := decodeResponse(resp, &pre)
	if err != nil {
		return nil, payerr.E(payerr.KindGatewayRejected, op, err)
	}
	if pre.ID == "" {
		return nil, payerr.E(payerr.KindGatewayRejected, op, errors.New("响应缺少 id"))
	}

	m.log.Info("订阅创建成功", zap.String("order_no", req.OrderNo), zap.String("preapproval_id", string(pre.ID)))
	return &ChargeResult{
		Provider:      model.ProviderMercadoPago,
		CorrelationID: string(pre.ID),
		RedirectURL:   pre.InitPoint,
		Raw:           raw,
	}, nil
}

func (m *MercadoPago) createPixPayment(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	const op = "mercadopago.createPixPayment"
	amount, _ := req.Amount.Round(2).Float64()
	body := map[string]interface{}{
		"transaction_amount": amount,
		"description":        req.Description,
		"payment_method_id":  "pix",
		"external_reference": req.OrderNo,
		"payer": map[string]interface{}{
			"email":      req.Payer.Email,
			"first_name": req.Payer.Name,
			"identification": map[string]interface{}{
				"type":   "CPF",
				"number": req.Payer.CPF,
			},
		},
	}
	if m.cfg.NotificationURL != "" {
		body["notification_url"] = m.cfg.NotificationURL
	}
	var sdkReq payment.Request
	if err := bridge(body, &sdkReq); err != nil {
		return nil, payerr.E(payerr.KindInvalidRequest, op, err)
	}

	resp, err := m.payments.Create(ctx, sdkReq)
	if err != nil {
		m.log.Warn("创建 PIX 支付失败", zap.String("order_no", req.OrderNo), zap.Error(err))
		return nil, classifyMPError(op, err)
	}

	var p mpPayment
	raw, err := decodeResponse(resp, &p)
	if err != nil {
		return nil, payerr.E(payerr.KindGatewayRejected, op, err)
	}
	if p.ID == "" {
		return nil, payerr.E(payerr.KindGatewayRejected, op, errors.New("响应缺少 id"))
	}

	td := p.PointOfInteraction.TransactionData
	m.log.Info("PIX 支付创建成功", zap.String("order_no", req.OrderNo), zap.String("payment_id", string(p.ID)))
	return &ChargeResult{
		Provider:      model.ProviderMercadoPago,
		CorrelationID: string(p.ID),
		QRCode: &QRCode{
			CopyPaste:   td.QRCode,
			ImageBase64: td.QRCodeBase64,
			Link:        td.TicketURL,
		},
		ChargeStatus: model.PixChargeStatusActive,
		ExpiresAt:    nonZeroTime(p.DateOfExpiration),
		Raw:          raw,
	}, nil
}

// FetchStatus 纯数字 id 视为 payment，其余视为 preapproval
func (m *MercadoPago) FetchStatus(ctx context.Context, correlationID string) (*StatusSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if isNumeric(correlationID) {
		return m.fetchPayment(ctx, correlationID)
	}
	return m.fetchPreapproval(ctx, correlationID)
}

func (m *MercadoPago) fetchPayment(ctx context.Context, id string) (*StatusSnapshot, error) {
	const op = "mercadopago.fetchPayment"
	n, err := strconv.Atoi(id)
	if err != nil {
		return nil, payerr.E(payerr.KindNotFound, op, err)
	}
	resp, err := m.payments.Get(ctx, n)
	if err != nil {
		return nil, classifyMPError(op, err)
	}

	var p mpPayment
	raw, err := decodeResponse(resp, &p)
	if err != nil {
		return nil, payerr.E(payerr.KindGatewayRejected, op, err)
	}

	snap := &StatusSnapshot{
		CorrelationID: id,
		Status:        mapMPStatus(p.Status),
		MethodDetail:  p.PaymentMethodID,
		Raw:           raw,
	}
	if snap.Status == model.TransactionStatusPaid {
		snap.PaidAmount = nullDecimal(p.TransactionAmount)
		snap.PaidAt = nonZeroTime(p.DateApproved)
	}
	return snap, nil
}

func (m *MercadoPago) fetchPreapproval(ctx context.Context, id string) (*StatusSnapshot, error) {
	const op = "mercadopago.fetchPreapproval"
	resp, err := m.preapproval.Get(ctx, id)
	if err != nil {
		return nil, classifyMPError(op, err)
	}

	var pre mpPreapproval
	raw, err := decodeResponse(resp, &pre)
	if err != nil {
		return nil, payerr.E(payerr.KindGatewayRejected, op, err)
	}

	snap := &StatusSnapshot{
		CorrelationID: id,
		Status:        mapMPStatus(pre.Status),
		MethodDetail:  "credit_card",
		Raw:           raw,
	}
	if snap.Status == model.TransactionStatusPaid {
		snap.PaidAmount = nullDecimal(pre.AutoRecurring.TransactionAmount)
		snap.PaidAt = nonZeroTime(pre.LastModified)
	}
	return snap, nil
}

// FetchQRCode Mercado Pago 的 PIX 二维码随 payment 返回，locationID 即 payment id
func (m *MercadoPago) FetchQRCode(ctx context.Context, locationID string) (*QRCode, error) {
	const op = "mercadopago.FetchQRCode"
	if !isNumeric(locationID) {
		return nil, payerr.E(payerr.KindNotFound, op, nil)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	n, _ := strconv.Atoi(locationID)
	resp, err := m.payments.Get(ctx, n)
	if err != nil {
		return nil, classifyMPError(op, err)
	}
	var p mpPayment
	if _, err := decodeResponse(resp, &p); err != nil {
		return nil, payerr.E(payerr.KindGatewayRejected, op, err)
	}
	td := p.PointOfInteraction.TransactionData
	if td.QRCode == "" {
		return nil, payerr.E(payerr.KindNotFound, op, nil)
	}
	return &QRCode{CopyPaste: td.QRCode, ImageBase64: td.QRCodeBase64, Link: td.TicketURL}, nil
}

type mpNotification struct {
	Type     string `json:"type"`
	Topic    string `json:"topic"`
	Action   string `json:"action"`
	ID       flexID `json:"id"`
	Resource string `json:"resource"`
	Data     struct {
		ID flexID `json:"id"`
	} `json:"data"`
}

// ParseNotification 支持 webhook（type + data.id）与旧版 IPN（topic + resource）
//
// 通知正文不带支付状态，声明结果一律为 Unknown。
func (m *MercadoPago) ParseNotification(raw []byte) ([]Notification, error) {
	var n mpNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, payerr.E(payerr.KindMalformedPayload, "mercadopago.ParseNotification", err)
	}

	typ := n.Type
	if typ == "" {
		typ = n.Topic
	}
	id := string(n.Data.ID)
	if id == "" && n.Resource != "" {
		id = lastSegment(n.Resource)
	}
	// preapproval 通知的 id 可能在顶层
	if id == "" && (typ == NotificationPreapproval || typ == NotificationSubscription) {
		id = string(n.ID)
	}

	return []Notification{{
		Provider:   model.ProviderMercadoPago,
		Type:       typ,
		ExternalID: id,
		Declared:   DeclaredUnknown,
		Raw:        json.RawMessage(raw),
	}}, nil
}

func mapMPStatus(status string) model.TransactionStatus {
	switch status {
	case "approved", "authorized":
		return model.TransactionStatusPaid
	case "rejected", "cancelled", "refunded", "charged_back":
		return model.TransactionStatusCancelled
	default:
		return model.TransactionStatusPending
	}
}

func frequencyMonths(p model.Periodicity) int {
	switch p {
	case model.PeriodicityQuarterly:
		return 3
	case model.PeriodicitySemiannual:
		return 6
	case model.PeriodicityAnnual:
		return 12
	default:
		return 1
	}
}

// mpErrorBody SDK 把 API 的错误正文作为错误消息返回
type mpErrorBody struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func classifyMPError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return payerr.E(payerr.KindGatewayUnavailable, op, err)
	}

	msg := err.Error()
	var body mpErrorBody
	if i := strings.Index(msg, "{"); i >= 0 && json.Unmarshal([]byte(msg[i:]), &body) == nil {
		switch {
		case body.Status == 404 || body.Error == "not_found":
			return payerr.E(payerr.KindNotFound, op, err)
		case body.Status >= 500:
			return payerr.E(payerr.KindGatewayUnavailable, op, err)
		}
	}
	return payerr.E(payerr.KindGatewayRejected, op, err)
}

// bridge 经由 JSON 把通用结构转换成 SDK 的请求类型
func bridge(in interface{}, out interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func decodeResponse(resp interface{}, out interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return b, nil
}

func nonZeroTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	return t
}

func lastSegment(resource string) string {
	resource = strings.TrimRight(resource, "/")
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		return resource[i+1:]
	}
	return resource
}
