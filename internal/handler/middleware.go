package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paybridge/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDKey = "user_id"

// LoggerMiddleware 日志中间件
func LoggerMiddleware(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
		}
		if query != "" {
			fields = append(fields, zap.String("query", query))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic", zap.Any("error", err), zap.String("path", c.Request.URL.Path), zap.Stack("stack"))
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.Response{
					Code:    response.CodeServerError,
					Message: "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// JWTAuth 校验 HS256 令牌，sub 为用户 ID
func JWTAuth(secret string, log *zap.Logger) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if header == "" || tokenString == header {
			response.Unauthorized(c, "缺少或错误的 Authorization 头")
			return
		}

		token, err := parser.Parse(tokenString, keyFunc)
		if err != nil || !token.Valid {
			log.Warn("JWT 校验失败", zap.String("path", c.Request.URL.Path), zap.Error(err))
			response.Unauthorized(c, "令牌无效或已过期")
			return
		}

		userID, err := subjectUserID(token)
		if err != nil {
			log.Warn("JWT sub 无效", zap.Error(err))
			response.Unauthorized(c, "令牌无效或已过期")
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func subjectUserID(token *jwt.Token) (int64, error) {
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("sub 不是合法的用户 ID: %q", sub)
	}
	return id, nil
}

func currentUserID(c *gin.Context) int64 {
	return c.GetInt64(userIDKey)
}
