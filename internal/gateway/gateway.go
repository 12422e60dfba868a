// Package gateway 对接各支付渠道（PSP），向上提供统一的收款、查询与通知解析接口。
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"paybridge/internal/model"
	"paybridge/pkg/payerr"

	"github.com/shopspring/decimal"
)

// DeclaredOutcome 通知正文里声明的结果，不可信，只用于和 FetchStatus 比对
type DeclaredOutcome string

const (
	DeclaredUnknown  DeclaredOutcome = ""
	DeclaredApproved DeclaredOutcome = "APPROVED"
	DeclaredRejected DeclaredOutcome = "REJECTED"
)

// 通知类型
const (
	NotificationPayment      = "payment"
	NotificationPreapproval  = "preapproval"
	NotificationSubscription = "subscription_preapproval"
	NotificationPix          = "pix"
	// NotificationReconcile 由对账任务合成，不来自 PSP
	NotificationReconcile = "reconcile"
)

var recognizedTypes = map[string]bool{
	NotificationPayment:      true,
	NotificationPreapproval:  true,
	NotificationSubscription: true,
	NotificationPix:          true,
	NotificationReconcile:    true,
}

// Recognized 是否为会触发状态迁移的通知类型
func Recognized(notificationType string) bool {
	return recognizedTypes[notificationType]
}

type Payer struct {
	Name  string
	Email string
	CPF   string
}

type ChargeRequest struct {
	OrderNo     string
	Method      model.PaymentMethod
	Amount      decimal.Decimal
	Description string
	Payer       Payer
	// Periodicity 非空时在 EFI 上创建 PIX 自动扣款（REC）
	Periodicity model.Periodicity
	ContractNo  string
	StartDate   time.Time
}

type QRCode struct {
	CopyPaste   string `json:"copy_paste"`
	ImageBase64 string `json:"image_base64,omitempty"`
	Link        string `json:"link,omitempty"`
}

type ChargeResult struct {
	Provider      model.Provider
	CorrelationID string
	RedirectURL   string
	QRCode        *QRCode
	LocationID    string
	RecurrenceID  string
	ChargeStatus  model.PixChargeStatus
	ExpiresAt     *time.Time
	Raw           json.RawMessage
}

// StatusSnapshot PSP 侧的权威状态
type StatusSnapshot struct {
	CorrelationID string
	Status        model.TransactionStatus
	ChargeStatus  model.PixChargeStatus
	PaidAmount    decimal.NullDecimal
	PaidAt        *time.Time
	MethodDetail  string
	Raw           json.RawMessage
}

type Notification struct {
	Provider       model.Provider
	Type           string
	ExternalID     string
	Declared       DeclaredOutcome
	DeclaredAmount decimal.NullDecimal
	Raw            json.RawMessage
}

type Gateway interface {
	Provider() model.Provider
	CreateCharge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
	FetchStatus(ctx context.Context, correlationID string) (*StatusSnapshot, error)
	FetchQRCode(ctx context.Context, locationID string) (*QRCode, error)
	ParseNotification(raw []byte) ([]Notification, error)
}

// Registry 按 PSP 注册适配器，并按支付方式路由
type Registry struct {
	gateways map[model.Provider]Gateway
	routes   map[model.PaymentMethod]model.Provider
}

func NewRegistry(routes map[model.PaymentMethod]model.Provider, gateways ...Gateway) *Registry {
	r := &Registry{
		gateways: make(map[model.Provider]Gateway, len(gateways)),
		routes:   routes,
	}
	for _, g := range gateways {
		r.gateways[g.Provider()] = g
	}
	return r
}

func (r *Registry) Get(provider model.Provider) (Gateway, error) {
	g, ok := r.gateways[provider]
	if !ok {
		return nil, payerr.E(payerr.KindUnsupportedMethod, "gateway.Get", fmt.Errorf("未注册的渠道: %s", provider))
	}
	return g, nil
}

func (r *Registry) ForMethod(method model.PaymentMethod) (Gateway, error) {
	provider, ok := r.routes[method]
	if !ok {
		return nil, payerr.E(payerr.KindUnsupportedMethod, "gateway.ForMethod", fmt.Errorf("未配置的支付方式: %s", method))
	}
	return r.Get(provider)
}

// DetectProvider 根据通知正文的形状推断来源渠道
func DetectProvider(raw []byte) (model.Provider, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", false
	}
	if _, ok := fields["pix"]; ok {
		return model.ProviderEfi, true
	}
	for _, k := range []string{"type", "topic", "action"} {
		if _, ok := fields[k]; ok {
			return model.ProviderMercadoPago, true
		}
	}
	return "", false
}

// flexID 兼容 JSON 中数字或字符串形式的 id
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func nullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
