package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// CacheControl lets the student's browser reuse a response for
// maxAgeSeconds. Exam papers are per-student, so shared caches are excluded.
func CacheControl(maxAgeSeconds int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", fmt.Sprintf("private, max-age=%d", maxAgeSeconds))
		c.Next()
	}
}

// NoStore marks session state responses as uncacheable.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
