package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
)

// AdminAuthMiddleware admits operators by X-Admin-API-Key or, when
// jwtSecret is set, by a Bearer token carrying role=admin.
// 使用常量时间比较防止时序攻击
func AdminAuthMiddleware(adminAPIKey, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey := c.GetHeader("X-Admin-API-Key"); apiKey != "" {
			if adminAPIKey == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(adminAPIKey)) != 1 {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized admin access"})
				c.Abort()
				return
			}
			c.Set("operator", "api-key")
			c.Next()
			return
		}

		if jwtSecret == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized admin access"})
			c.Abort()
			return
		}

		operator, status, msg := parseAdminToken(c.GetHeader("Authorization"), jwtSecret)
		if status != 0 {
			c.JSON(status, gin.H{"error": msg})
			c.Abort()
			return
		}
		c.Set("operator", operator)
		c.Next()
	}
}

// parseAdminToken 兼容 auth-service 签发的 JWT 格式，使用 MapClaims 解析
func parseAdminToken(authHeader, secretKey string) (string, int, string) {
	if authHeader == "" {
		return "", http.StatusUnauthorized, "missing authorization header"
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return "", http.StatusUnauthorized, "invalid authorization format"
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(secretKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", http.StatusUnauthorized, "invalid token"
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", http.StatusUnauthorized, "invalid token claims"
	}
	if role, _ := claims["role"].(string); role != "admin" {
		return "", http.StatusForbidden, "admin role required"
	}

	// 优先使用 uid 字段，其次使用 sub 字段（标准 JWT claim）
	if uid, ok := claims["uid"].(string); ok && uid != "" {
		return uid, 0, ""
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, 0, ""
	}
	return "admin", 0, ""
}

// InternalAuthMiddleware validates internal service calls
// 使用常量时间比较防止时序攻击
func InternalAuthMiddleware(internalSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader("X-Internal-Secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(internalSecret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized internal access"})
			c.Abort()
			return
		}
		c.Set("operator", "internal")
		c.Next()
	}
}

// RequestLogger writes one structured line per request
func RequestLogger() gin.HandlerFunc {
	logger := log.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		} else if status >= http.StatusBadRequest {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("operator", c.GetString("operator")).
			Msg("request")
	}
}
