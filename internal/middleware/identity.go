package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"github.com/stemsi/exstem-engine/internal/response"
)

const (
	// ContextKeyStudentID is the Gin context key for the authenticated student.
	ContextKeyStudentID = "student_id"

	// StudentIDHeader is set by the gateway after it authenticates the student.
	StudentIDHeader = "X-Student-ID"
)

// RequireStudent reads the student id forwarded by the gateway. Browsers
// cannot set headers on a WebSocket handshake, so upgrade requests may pass
// it as the student_id query parameter instead.
func RequireStudent() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(StudentIDHeader)
		if raw == "" && isUpgrade(c) {
			raw = c.Query("student_id")
		}

		id, err := cast.ToIntE(raw)
		if raw == "" || err != nil || id <= 0 {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrStudentRequired)
			return
		}

		c.Set(ContextKeyStudentID, id)
		c.Next()
	}
}

// GetStudentID returns the student id set by RequireStudent.
func GetStudentID(c *gin.Context) (int, bool) {
	v, ok := c.Get(ContextKeyStudentID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int)
	return id, ok
}
