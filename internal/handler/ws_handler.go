package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/session"
	"github.com/stemsi/exstem-engine/internal/validator"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

const wsPingInterval = 30 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams one attempt to the student client and accepts its
// actions over the same connection.
type WSHandler struct {
	attempts *service.AttemptService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attempts *service.AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attempts: attempts,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// The attempt must be started over HTTP first.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	studentID, examID, ok := attemptParams(c)
	if !ok {
		return
	}

	events, unsubscribe, err := h.attempts.Subscribe(studentID, examID)
	if err != nil {
		response.FailError(c, err)
		return
	}
	defer unsubscribe()

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("exam_id", examID).
		Logger()
	wsLog.Info().Msg("Student connected")

	if snap, err := h.attempts.Snapshot(studentID, examID); err == nil {
		_ = conn.WriteTyped(ws.SnapshotResponse{Event: ws.EventSnapshot, Data: snap})
	}

	done := make(chan struct{})
	defer close(done)
	go h.pump(conn, events, done, wsLog)

	for {
		var req ws.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		h.handle(c.Request.Context(), conn, studentID, examID, &req, wsLog)
	}
}

// pump forwards engine events and keeps the connection alive until the
// reader exits or the subscription is closed.
func (h *WSHandler) pump(conn *ws.Conn, events <-chan session.Event, done <-chan struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteTyped(ws.SessionResponse{Event: ws.EventSession, Data: ev}); err != nil {
				log.Debug().Err(err).Msg("Event write failed")
				return
			}
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) handle(ctx context.Context, conn *ws.Conn, studentID int, examID string, req *ws.Request, log zerolog.Logger) {
	var (
		snap session.Snapshot
		err  error
	)

	switch req.Action {
	case ws.ActionPing:
		_ = conn.WriteTyped(ws.PongResponse{Event: ws.EventPong, RequestID: req.RequestID})
		return

	case ws.ActionSnapshot:
		snap, err = h.attempts.Snapshot(studentID, examID)

	case ws.ActionSelectSection:
		if !validContentIDField(conn, req, "section_id", req.SectionID) {
			return
		}
		snap, err = h.attempts.SelectSection(studentID, examID, req.SectionID)

	case ws.ActionAnswer:
		if !validContentIDField(conn, req, "question_id", req.QuestionID) {
			return
		}
		var value any
		value, err = DecodeAnswer(req.Answer)
		if err == nil {
			err = h.attempts.RecordAnswer(ctx, studentID, examID, req.QuestionID, value)
		}
		if err == nil {
			snap, err = h.attempts.Snapshot(studentID, examID)
		}

	case ws.ActionSubmitSection:
		snap, err = h.attempts.SubmitSection(studentID, examID)

	case ws.ActionExit:
		snap, err = h.attempts.Exit(studentID, examID)

	default:
		log.Warn().Str("action", string(req.Action)).Msg("Unknown action")
		_ = conn.WriteError(req.RequestID, string(response.ErrInvalidPayload), "unknown action: "+string(req.Action), nil)
		return
	}

	if err != nil {
		writeActionError(conn, req.RequestID, err, log)
		return
	}

	if req.Action != ws.ActionSnapshot {
		_ = conn.WriteTyped(ws.AckResponse{Event: ws.EventAck, RequestID: req.RequestID, Action: req.Action})
	}
	_ = conn.WriteTyped(ws.SnapshotResponse{Event: ws.EventSnapshot, RequestID: req.RequestID, Data: snap})
}

func validContentIDField(conn *ws.Conn, req *ws.Request, field, value string) bool {
	if validator.ValidContentID(value) {
		return true
	}
	_ = conn.WriteError(req.RequestID, string(response.ErrValidation), response.GetMessage(response.ErrValidation),
		map[string]string{field: field + " must be 1-64 letters, digits, '.', '_' or '-'"})
	return false
}

func writeActionError(conn *ws.Conn, requestID string, err error, log zerolog.Logger) {
	_, code := response.FromError(err)

	var fields map[string]string
	var valErr *session.ValidationError
	if errors.As(err, &valErr) {
		fields = map[string]string{valErr.Field: valErr.Reason}
	}
	if code == response.ErrInternal {
		log.Error().Err(err).Msg("Action failed")
	}
	_ = conn.WriteError(requestID, string(code), response.GetMessage(code), fields)
}
