package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/stemsi/exstem-engine/internal/response"
)

// RequestLogger logs one line per request through the global zerolog
// logger. Long-lived streams are logged when they close.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}

		reqID, _ := c.Get(response.ContextKeyRequestID)
		ev = ev.
			Str("component", "http").
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Interface("request_id", reqID)
		if studentID, ok := GetStudentID(c); ok {
			ev = ev.Int("student_id", studentID)
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			ev = ev.Str("error", errs.String())
		}
		ev.Msg("Request handled")
	}
}
