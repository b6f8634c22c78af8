package handler

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/session"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// AttemptHandler exposes the session engine to the student client.
type AttemptHandler struct {
	attempts *service.AttemptService
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts *service.AttemptService) *AttemptHandler {
	return &AttemptHandler{attempts: attempts}
}

type startRequest struct {
	TestID *string `json:"test_id" binding:"omitempty,max=64"`
}

type selectSectionRequest struct {
	SectionID string `json:"section_id" binding:"required,content_id"`
}

type answerRequest struct {
	QuestionID string          `json:"question_id" binding:"required,content_id"`
	Answer     json.RawMessage `json:"answer" binding:"required"`
}

// Start godoc
// POST /api/v1/student/exams/:exam_id/attempt
// Starts the attempt, or returns the running one.
func (h *AttemptHandler) Start(c *gin.Context) {
	studentID, examID, ok := attemptParams(c)
	if !ok {
		return
	}

	var req startRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	snap, err := h.attempts.Start(c.Request.Context(), studentID, examID, req.TestID)
	if err != nil {
		response.FailError(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// Snapshot godoc
// GET /api/v1/student/exams/:exam_id/attempt
func (h *AttemptHandler) Snapshot(c *gin.Context) {
	studentID, examID, ok := attemptParams(c)
	if !ok {
		return
	}
	snap, err := h.attempts.Snapshot(studentID, examID)
	if err != nil {
		response.FailError(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// Paper godoc
// GET /api/v1/student/exams/:exam_id/paper
// Returns the sections and questions without answer keys.
func (h *AttemptHandler) Paper(c *gin.Context) {
	_, examID, ok := attemptParams(c)
	if !ok {
		return
	}
	paper, err := h.attempts.Paper(c.Request.Context(), examID)
	if err != nil {
		response.FailError(c, err)
		return
	}
	response.Success(c, http.StatusOK, paper)
}

// SelectSection godoc
// POST /api/v1/student/exams/:exam_id/attempt/sections
func (h *AttemptHandler) SelectSection(c *gin.Context) {
	studentID, examID, ok := attemptParams(c)
	if !ok {
		return
	}

	var req selectSectionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	snap, err := h.attempts.SelectSection(studentID, examID, req.SectionID)
	if err != nil {
		response.FailError(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// RecordAnswer godoc
// PUT /api/v1/student/exams/:exam_id/attempt/answers
func (h *AttemptHandler) RecordAnswer(c *gin.Context) {
	studentID, examID, ok := attemptParams(c)
	if !ok {
		return
	}

	var req answerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	value, err := DecodeAnswer(req.Answer)
	if err != nil {
		response.FailError(c, err)
		return
	}

	if err := h.attempts.RecordAnswer(c.Request.Context(), studentID, examID, req.QuestionID, value); err != nil {
		response.FailError(c, err)
		return
	}

	snap, err := h.attempts.Snapshot(studentID, examID)
	if err != nil {
		response.FailError(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// SubmitSection godoc
// POST /api/v1/student/exams/:exam_id/attempt/submit-section
func (h *AttemptHandler) SubmitSection(c *gin.Context) {
	studentID, examID, ok := attemptParams(c)
	if !ok {
		return
	}
	snap, err := h.attempts.SubmitSection(studentID, examID)
	if err != nil {
		response.FailError(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// Exit godoc
// POST /api/v1/student/exams/:exam_id/attempt/exit
func (h *AttemptHandler) Exit(c *gin.Context) {
	studentID, examID, ok := attemptParams(c)
	if !ok {
		return
	}
	snap, err := h.attempts.Exit(studentID, examID)
	if err != nil {
		response.FailError(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// attemptParams reads the student and exam id, writing the error response
// itself when either is missing or malformed.
func attemptParams(c *gin.Context) (int, string, bool) {
	studentID, ok := middleware.GetStudentID(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrStudentRequired)
		return 0, "", false
	}
	examID := c.Param("exam_id")
	if !validator.ValidContentID(examID) {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
			map[string]string{"exam_id": "exam_id must be 1-64 letters, digits, '.', '_' or '-'"})
		return 0, "", false
	}
	return studentID, examID, true
}

// DecodeAnswer turns the raw JSON answer into the value recorded by the
// engine. Numbers keep their literal form.
func DecodeAnswer(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, &session.ValidationError{Field: "answer", Reason: "answer is not valid JSON"}
	}
	if dec.More() {
		return nil, &session.ValidationError{Field: "answer", Reason: "answer must be a single value"}
	}
	if value == nil {
		return nil, &session.ValidationError{Field: "answer", Reason: "answer is required"}
	}
	return value, nil
}
