package api

import (
	"log"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/casegate/internal/core"
	"github.com/xiaopang/casegate/internal/model"
)

// AdminSessionMiddleware 管理员会话认证中间件
//
// 从 Authorization 头取会话令牌并校验。过期会话等同于未认证，
// 强制重新登录；有效会话顺带滑动续期。
func AdminSessionMiddleware(sessions *core.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Authentication required",
					Type:    "authentication_error",
					Code:    "missing_session",
				},
			})
			c.Abort()
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if _, ok := sessions.Validate(token); !ok {
			c.JSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Session expired or invalid, please log in again",
					Type:    "authentication_error",
					Code:    "invalid_session",
				},
			})
			c.Abort()
			return
		}

		sessions.Touch(token)
		c.Set("session_token", token)
		c.Next()
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				c.JSON(500, model.ErrorResponse{
					Error: model.ErrorDetail{
						Message: "Internal server error",
						Type:    "internal_error",
						Code:    "internal_error",
					},
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware 请求日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		method := c.Request.Method

		log.Printf("[HTTP] %3d | %12v | %-7s %s",
			status, latency, method, path)
	}
}

// SetupRouter 设置路由
func SetupRouter(chat *ChatHandler, admin *AdminHandler, sessions *core.SessionManager) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 学生 API（身份由内容层预先校验）
	v1 := r.Group("/v1")
	{
		v1.POST("/chat", chat.Chat)
		v1.POST("/students", chat.RegisterStudent)
		v1.POST("/answers", chat.SaveAnswer)
		v1.GET("/chats", chat.GetChats)
	}

	// 管理 API：登录不需要会话，其余都需要
	r.POST("/api/admin/login", admin.Login)

	adm := r.Group("/api/admin")
	adm.Use(AdminSessionMiddleware(sessions))
	{
		adm.POST("/logout", admin.Logout)
		adm.GET("/overview", admin.Overview)
		adm.GET("/stats", admin.Stats)
		adm.GET("/logs", admin.Logs)
		adm.GET("/usage/:email", admin.Usage)
		adm.GET("/students", admin.Students)
		adm.GET("/submissions", admin.Submissions)
		adm.POST("/grades", admin.SaveGrade)
		adm.GET("/grades/:email", admin.Grades)
		adm.GET("/export", admin.Export)
	}

	// 健康检查端点
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
