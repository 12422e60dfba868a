package payerr

import (
	"errors"
	"fmt"
)

// ============================================================================
// 支付错误分类
// ============================================================================
//
// 所有对外暴露的失败都归入一个封闭的 Kind 枚举：
//   - Description() 给调用方的通用提示（不泄露 PSP 内部信息）
//   - Retryable()   是否属于瞬时故障（网络/超时/本地提交失败）
//   - Acknowledge() webhook 场景下是否应回 200 让 PSP 停止重推
//
// ============================================================================

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindInvalidAmount
	KindPlanNotFound
	KindCouponInvalid
	KindUnsupportedMethod
	KindGatewayUnavailable
	KindGatewayRejected
	KindNotFound
	KindMalformedPayload
	KindUnknownTransaction
	KindDuplicateNotification
	KindStatusMismatch
	KindPersistence
)

var kindNames = map[Kind]string{
	KindUnknown:               "UNKNOWN",
	KindInvalidRequest:        "INVALID_REQUEST",
	KindInvalidAmount:         "INVALID_AMOUNT",
	KindPlanNotFound:          "PLAN_NOT_FOUND",
	KindCouponInvalid:         "COUPON_INVALID",
	KindUnsupportedMethod:     "UNSUPPORTED_METHOD",
	KindGatewayUnavailable:    "GATEWAY_UNAVAILABLE",
	KindGatewayRejected:       "GATEWAY_REJECTED",
	KindNotFound:              "NOT_FOUND",
	KindMalformedPayload:      "MALFORMED_PAYLOAD",
	KindUnknownTransaction:    "UNKNOWN_TRANSACTION",
	KindDuplicateNotification: "DUPLICATE_NOTIFICATION",
	KindStatusMismatch:        "STATUS_MISMATCH",
	KindPersistence:           "PERSISTENCE_ERROR",
}

var kindDescriptions = map[Kind]string{
	KindUnknown:               "未知错误",
	KindInvalidRequest:        "请求参数缺失或不合法",
	KindInvalidAmount:         "支付金额必须大于0",
	KindPlanNotFound:          "套餐不存在或已下架",
	KindCouponInvalid:         "优惠券无效或已过期",
	KindUnsupportedMethod:     "不支持的支付方式",
	KindGatewayUnavailable:    "支付渠道暂时不可用，请稍后重试",
	KindGatewayRejected:       "支付失败，请检查支付信息",
	KindNotFound:              "支付记录不存在",
	KindMalformedPayload:      "通知内容格式错误",
	KindUnknownTransaction:    "未找到对应的交易",
	KindDuplicateNotification: "重复通知",
	KindStatusMismatch:        "支付状态校验不一致",
	KindPersistence:           "系统繁忙，请稍后重试",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// Description 返回面向用户的通用描述
func (k Kind) Description() string {
	if desc, ok := kindDescriptions[k]; ok {
		return desc
	}
	return kindDescriptions[KindUnknown]
}

func (k Kind) Retryable() bool {
	return k == KindGatewayUnavailable || k == KindPersistence
}

// Acknowledge webhook 返回 200 的条件：只有可重试的故障才让 PSP 重推
func (k Kind) Acknowledge() bool {
	return !k.Retryable()
}

// Error 携带分类、操作名和底层错误
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 只按 Kind 比较，使 errors.Is(err, payerr.ErrGatewayUnavailable) 可用
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrInvalidAmount         = &Error{Kind: KindInvalidAmount}
	ErrPlanNotFound          = &Error{Kind: KindPlanNotFound}
	ErrCouponInvalid         = &Error{Kind: KindCouponInvalid}
	ErrUnsupportedMethod     = &Error{Kind: KindUnsupportedMethod}
	ErrGatewayUnavailable    = &Error{Kind: KindGatewayUnavailable}
	ErrGatewayRejected       = &Error{Kind: KindGatewayRejected}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrMalformedPayload      = &Error{Kind: KindMalformedPayload}
	ErrUnknownTransaction    = &Error{Kind: KindUnknownTransaction}
	ErrDuplicateNotification = &Error{Kind: KindDuplicateNotification}
	ErrStatusMismatch        = &Error{Kind: KindStatusMismatch}
	ErrPersistence           = &Error{Kind: KindPersistence}
)

func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 提取错误链上第一个 *Error 的分类，nil 返回 KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
