package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/session"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   ErrCode
	}{
		{"missing exam", &session.ConfigurationError{ExamID: "x", Err: content.ErrNotFound}, http.StatusNotFound, ErrConfiguration},
		{"no sections", &session.ConfigurationError{ExamID: "x", Err: content.ErrNoSections}, http.StatusUnprocessableEntity, ErrConfiguration},
		{"validation", &session.ValidationError{Field: "answer", Reason: "bad"}, http.StatusBadRequest, ErrValidation},
		{"no attempt", service.ErrAttemptNotFound, http.StatusNotFound, ErrAttemptNotFound},
		{"wrapped completed", fmt.Errorf("select: %w", session.ErrSectionCompleted), http.StatusConflict, ErrSectionCompleted},
		{"section active", session.ErrSectionActive, http.StatusConflict, ErrSectionActive},
		{"no active section", session.ErrNoActiveSection, http.StatusConflict, ErrNoActiveSection},
		{"unknown section", session.ErrUnknownSection, http.StatusNotFound, ErrUnknownSection},
		{"exam complete", session.ErrExamComplete, http.StatusConflict, ErrExamComplete},
		{"blocked", session.ErrSessionBlocked, http.StatusConflict, ErrSessionBlocked},
		{"not started", session.ErrNotStarted, http.StatusConflict, ErrNotStarted},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := FromError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestFailError_ValidationFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Set(ContextKeyRequestID, "req-1")

	FailError(c, &session.ValidationError{Field: "question_id", Reason: "question is not part of the active section"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrValidation, body.Error.Code)
	assert.Equal(t, "question is not part of the active section", body.Error.Fields["question_id"])
	assert.Equal(t, "req-1", body.Metadata.RequestID)
}
