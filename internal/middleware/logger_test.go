package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogger(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/exams/:exam_id", RequireStudent(), func(c *gin.Context) {
		c.Status(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodGet, "/exams/unit-1", nil)
	req.Header.Set(StudentIDHeader, "7")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "/exams/:exam_id", line["path"])
	assert.EqualValues(t, 409, line["status"])
	assert.EqualValues(t, 7, line["student_id"])
}
