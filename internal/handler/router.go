package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, jwtSecret string, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	// PSP 回调，不需要登录
	r.POST("/notifications", h.Notification)
	r.POST("/notifications/pix", h.Notification)

	api := r.Group("/api/v1")
	{
		api.GET("/payments/return", h.PaymentReturn)

		auth := api.Group("", JWTAuth(jwtSecret, log))
		{
			charges := auth.Group("/charges")
			{
				charges.POST("", h.CreateCharge)
				charges.GET("", h.ListCharges)
				charges.GET("/:orderNo", h.GetCharge)
			}
			auth.GET("/pix/qrcode/:locationId", h.PixQRCode)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
