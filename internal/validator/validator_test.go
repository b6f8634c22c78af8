package validator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type selectRequest struct {
	SectionID string `json:"section_id" binding:"required,content_id"`
}

func bindBody(t *testing.T, body string) map[string]string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	var req selectRequest
	return Bind(c, &req)
}

func TestBind(t *testing.T) {
	Setup()

	assert.Nil(t, bindBody(t, `{"section_id":"listening-1"}`))

	fields := bindBody(t, `{}`)
	require.Contains(t, fields, "section_id")
	assert.Contains(t, fields["section_id"], "required")

	fields = bindBody(t, `{"section_id":"a b:c"}`)
	require.Contains(t, fields, "section_id")
	assert.Contains(t, fields["section_id"], "letters, digits")

	fields = bindBody(t, `{"section_id":`)
	assert.Contains(t, fields, "detail")
}

func TestValidContentID(t *testing.T) {
	assert.True(t, ValidContentID("toefl-2026.a_1"))
	assert.False(t, ValidContentID(""))
	assert.False(t, ValidContentID("exam:1"))
	assert.False(t, ValidContentID(strings.Repeat("a", 65)))
}
