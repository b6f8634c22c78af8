package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
)

// paperMaxAge is how long a browser may reuse the exam paper.
const paperMaxAge = 300

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
	// Monitor is nil when Redis is disabled.
	Monitor *handler.MonitorHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(handlers *Handlers, answerLimiter *middleware.RateLimiter, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", middleware.StudentIDHeader}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)
	router.GET("/ready", handlers.System.Ready)

	// ─── 1. Student Group ──────────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student/exams/:exam_id")
	studentAPI.Use(middleware.RequireStudent())
	{
		studentAPI.GET("/paper", middleware.CacheControl(paperMaxAge), handlers.Attempt.Paper)

		attempt := studentAPI.Group("/attempt")
		attempt.Use(middleware.NoStore())
		{
			attempt.POST("", handlers.Attempt.Start)
			attempt.GET("", handlers.Attempt.Snapshot)
			attempt.POST("/sections", handlers.Attempt.SelectSection)
			attempt.PUT("/answers", answerLimiter.Middleware(), handlers.Attempt.RecordAnswer)
			attempt.POST("/submit-section", handlers.Attempt.SubmitSection)
			attempt.POST("/exit", handlers.Attempt.Exit)
		}
	}

	// ─── 2. WebSocket Group ────────────────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudent())
	{
		ws.GET("/student/exams/:exam_id/stream", handlers.WS.AttemptStream)
	}

	// ─── 3. Monitor (Redis only) ───────────────────────────────────────
	if handlers.Monitor != nil {
		router.GET("/api/v1/monitor/exams/:exam_id", middleware.NoStore(), handlers.Monitor.MonitorExamSSE)
	}

	return router
}
