package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/config"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/metrics"
)

// RateLimiter 简单的内存速率限制器 (滑动窗口)
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int           // 最大请求数
	window   time.Duration // 时间窗口
	now      func() time.Time
}

// NewRateLimiter 创建速率限制器
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.window)

	// 清理过期请求
	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// RateLimitMiddleware 速率限制中间件
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 使用操作员身份或 IP 作为限制 key
		key := c.GetString("operator")
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

type Server struct {
	router     *gin.Engine
	handler    *Handler
	cfg        *config.Config
	httpServer *http.Server

	// 管理 API: 每操作员每分钟最多 120 次请求
	adminLimiter *RateLimiter
	// 创建服务器会产生云厂商费用: 每操作员每小时最多 20 次
	createLimiter *RateLimiter
}

func NewServer(cfg *config.Config, handler *Handler) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())

	s := &Server{
		router:  router,
		handler: handler,
		cfg:     cfg,
		httpServer: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		adminLimiter:  NewRateLimiter(120, time.Minute),
		createLimiter: NewRateLimiter(20, time.Hour),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "edge-provisioner",
		})
	})
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	admin := s.router.Group("/api/admin")
	admin.Use(AdminAuthMiddleware(s.cfg.AdminAPIKey, s.cfg.JWT.SecretKey))
	admin.Use(RateLimitMiddleware(s.adminLimiter))
	{
		admin.GET("/locations", s.handler.ListLocations)

		admin.GET("/servers", s.handler.ListServers)
		admin.POST("/servers", RateLimitMiddleware(s.createLimiter), s.handler.CreateServer)
		admin.GET("/servers/:id", s.handler.GetServer)
		admin.DELETE("/servers/:id", s.handler.DeleteServer)
		admin.GET("/servers/:id/ping", s.handler.PingServer)
		admin.GET("/servers/:id/logs", s.handler.GetServerLogs)

		admin.GET("/panels", s.handler.ListPanels)
		admin.GET("/panels/select", s.handler.SelectPanel)
		admin.GET("/panels/:id", s.handler.GetPanel)
		admin.GET("/panels/:id/history", s.handler.GetPanelHistory)
		admin.GET("/panels/:id/logs", s.handler.GetPanelLogs)
		admin.POST("/panels/:id/clear-error", s.handler.ClearPanelError)

		admin.POST("/reconcile", s.handler.Reconcile)
	}

	// Key-issuance API - called by the subscription backend
	if s.cfg.InternalSecret == "" {
		return
	}
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/users", s.handler.IssueUser)
		internal.GET("/panels/:id/users/:username", s.handler.GetUserLinks)
		internal.DELETE("/panels/:id/users/:username", s.handler.RemoveUser)
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Shutdown is called
func (s *Server) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server starting")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
