package handler

import (
	"context"
	"strconv"

	"paybridge/internal/gateway"
	"paybridge/internal/model"
	"paybridge/internal/service"
	"paybridge/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ChargeService 收款相关接口，由 service.ChargeService 实现
type ChargeService interface {
	Create(ctx context.Context, req *service.CreateChargeRequest) (*service.ChargeView, error)
	Get(ctx context.Context, userID int64, orderNo string) (*service.ChargeView, error)
	List(ctx context.Context, userID int64, page, pageSize int) ([]*service.ChargeView, int64, error)
	QRCode(ctx context.Context, userID int64, locationID string) (*gateway.QRCode, error)
}

// NotificationService 通知处理，由 service.Correlator 实现
type NotificationService interface {
	HandlePayload(ctx context.Context, provider model.Provider, raw []byte) ([]service.Outcome, error)
	HandleNotification(ctx context.Context, n gateway.Notification) (service.Outcome, error)
}

// Handler 统一处理器
type Handler struct {
	charges       ChargeService
	notifications NotificationService
	log           *zap.Logger
}

func NewHandler(charges ChargeService, notifications NotificationService, log *zap.Logger) *Handler {
	return &Handler{
		charges:       charges,
		notifications: notifications,
		log:           log.Named("handler"),
	}
}

// ============================================================
// 收款相关接口（需要登录）
// ============================================================

// CreateCharge 创建收款
// POST /api/v1/charges
func (h *Handler) CreateCharge(c *gin.Context) {
	var req service.CreateChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.UserID = currentUserID(c)

	view, err := h.charges.Create(c.Request.Context(), &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, view)
}

// GetCharge 查询收款详情
// GET /api/v1/charges/:orderNo
func (h *Handler) GetCharge(c *gin.Context) {
	orderNo := c.Param("orderNo")
	if orderNo == "" {
		response.ParamError(c, "orderNo 参数不能为空")
		return
	}

	view, err := h.charges.Get(c.Request.Context(), currentUserID(c), orderNo)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, view)
}

// ListCharges 查询当前用户的收款列表
// GET /api/v1/charges?page=1&page_size=10
func (h *Handler) ListCharges(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	list, total, err := h.charges.List(c.Request.Context(), currentUserID(c), page, pageSize)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// PixQRCode 查询 PIX 收款码
// GET /api/v1/pix/qrcode/:locationId
func (h *Handler) PixQRCode(c *gin.Context) {
	qr, err := h.charges.QRCode(c.Request.Context(), currentUserID(c), c.Param("locationId"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, qr)
}
