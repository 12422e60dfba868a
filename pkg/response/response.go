package response

import (
	"net/http"

	"paybridge/pkg/payerr"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 业务错误码
const (
	CodeInvalidAmount      = 1001
	CodePlanNotFound       = 1002
	CodeCouponInvalid      = 1003
	CodeUnsupportedMethod  = 1004
	CodeGatewayUnavailable = 1005
	CodeGatewayRejected    = 1006
	CodeTransactionMissing = 1007
)

var kindCodes = map[payerr.Kind]int{
	payerr.KindInvalidRequest:     CodeParamError,
	payerr.KindInvalidAmount:      CodeInvalidAmount,
	payerr.KindPlanNotFound:       CodePlanNotFound,
	payerr.KindCouponInvalid:      CodeCouponInvalid,
	payerr.KindUnsupportedMethod:  CodeUnsupportedMethod,
	payerr.KindGatewayUnavailable: CodeGatewayUnavailable,
	payerr.KindGatewayRejected:    CodeGatewayRejected,
	payerr.KindNotFound:           CodeNotFound,
	payerr.KindUnknownTransaction: CodeTransactionMissing,
	payerr.KindPersistence:        CodeServerError,

	payerr.KindMalformedPayload:      CodeParamError,
	payerr.KindDuplicateNotification: CodeBusinessError,
	payerr.KindStatusMismatch:        CodeBusinessError,
}

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func Unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
		Code:    CodeUnauthorized,
		Message: message,
	})
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

// FromError 按错误分类输出通用提示，不透出 PSP 或数据库细节
func FromError(c *gin.Context, err error) {
	kind := payerr.KindOf(err)
	code, ok := kindCodes[kind]
	if !ok {
		code = CodeServerError
	}
	Error(c, code, kind.Description())
}

// WithStatus 与 FromError 相同，但使用指定的 HTTP 状态码
//
// webhook 需要非 2xx 才会触发 PSP 重推。
func WithStatus(c *gin.Context, status int, err error) {
	kind := payerr.KindOf(err)
	c.JSON(status, Response{
		Code:    CodeOf(err),
		Message: kind.Description(),
	})
}

// CodeOf 供测试与日志使用
func CodeOf(err error) int {
	if code, ok := kindCodes[payerr.KindOf(err)]; ok {
		return code
	}
	return CodeServerError
}
