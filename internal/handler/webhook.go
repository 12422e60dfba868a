package handler

import (
	"io"
	"net/http"

	"paybridge/internal/gateway"
	"paybridge/internal/model"
	"paybridge/pkg/payerr"
	"paybridge/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxNotificationBytes = 1 << 20

// Notification PSP 异步通知
// POST /notifications
// POST /notifications/pix （EFI 会在回调地址后追加 /pix）
//
// 只有可重试错误返回 5xx，其余情况一律 200，避免 PSP 无限重推。
func (h *Handler) Notification(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBytes))
	if err != nil {
		h.log.Warn("读取通知正文失败", zap.Error(err))
		response.WithStatus(c, http.StatusInternalServerError, payerr.E(payerr.KindPersistence, "handler.Notification", err))
		return
	}

	provider := model.Provider(c.Query("provider"))
	if provider == "" {
		provider = h.detectProvider(c, raw)
	}
	if provider == "" {
		h.log.Warn("无法识别通知来源", zap.String("path", c.FullPath()), zap.ByteString("payload", raw))
		response.Error(c, response.CodeOf(payerr.ErrMalformedPayload), payerr.KindMalformedPayload.Description())
		return
	}

	outcomes, err := h.notifications.HandlePayload(c.Request.Context(), provider, raw)
	if err != nil {
		kind := payerr.KindOf(err)
		if !kind.Acknowledge() {
			response.WithStatus(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, response.Response{
			Code:    response.CodeOf(err),
			Message: kind.Description(),
			Data:    outcomes,
		})
		return
	}
	response.Success(c, outcomes)
}

func (h *Handler) detectProvider(c *gin.Context, raw []byte) model.Provider {
	if p, ok := gateway.DetectProvider(raw); ok {
		return p
	}
	if c.FullPath() == "/notifications/pix" {
		return model.ProviderEfi
	}
	return ""
}

// PaymentReturnQuery Mercado Pago back_url 携带的查询参数
type PaymentReturnQuery struct {
	CollectionID      string `form:"collection_id"`
	CollectionStatus  string `form:"collection_status"`
	PaymentID         string `form:"payment_id"`
	PreapprovalID     string `form:"preapproval_id"`
	PreferenceID      string `form:"preference_id"`
	ExternalReference string `form:"external_reference"`
}

// notification 转换为合成通知，collection_status 仅作为声明结果参与比对
func (q *PaymentReturnQuery) notification() (gateway.Notification, bool) {
	n := gateway.Notification{Provider: model.ProviderMercadoPago}
	switch {
	case q.PreapprovalID != "":
		n.Type, n.ExternalID = gateway.NotificationPreapproval, q.PreapprovalID
	case q.CollectionID != "" && q.CollectionID != "null":
		n.Type, n.ExternalID = gateway.NotificationPayment, q.CollectionID
	case q.PaymentID != "" && q.PaymentID != "null":
		n.Type, n.ExternalID = gateway.NotificationPayment, q.PaymentID
	default:
		return n, false
	}

	switch q.CollectionStatus {
	case "approved":
		n.Declared = gateway.DeclaredApproved
	case "rejected", "cancelled":
		n.Declared = gateway.DeclaredRejected
	}
	return n, true
}

// PaymentReturn 用户从 Mercado Pago 结账页跳回
// GET /api/v1/payments/return
func (h *Handler) PaymentReturn(c *gin.Context) {
	var q PaymentReturnQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	n, ok := q.notification()
	if !ok {
		response.ParamError(c, "缺少 collection_id 或 preapproval_id")
		return
	}

	out, err := h.notifications.HandleNotification(c.Request.Context(), n)
	if err != nil {
		h.log.Info("回跳确认未完成",
			zap.String("external_id", n.ExternalID),
			zap.String("preference_id", q.PreferenceID),
			zap.String("external_reference", q.ExternalReference),
			zap.String("kind", payerr.KindOf(err).String()),
		)
		response.FromError(c, err)
		return
	}
	response.Success(c, out)
}
