package handler

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/session"
	"github.com/stemsi/exstem-engine/internal/validator"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
)

// MonitorHandler streams the live state of an exam to proctors via SSE.
// Events from every instance arrive over Redis pub/sub; snapshots cover
// the attempts held by this instance.
type MonitorHandler struct {
	rdb      *redis.Client
	attempts *service.AttemptService
	token    string
	log      zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, attempts *service.AttemptService, token string, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:      rdb,
		attempts: attempts,
		token:    token,
		log:      log.With().Str("component", "monitor_handler").Logger(),
	}
}

type monitorStats struct {
	TotalJoined     int `json:"total_joined"`
	TotalInProgress int `json:"total_in_progress"`
	TotalCompleted  int `json:"total_completed"`
	TotalFailed     int `json:"total_failed"`
}

// MonitorExamSSE godoc
// GET /api/v1/monitor/exams/:exam_id
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	if !h.authorized(c.GetHeader("Authorization")) {
		response.Fail(c, http.StatusUnauthorized, response.ErrMonitorToken)
		return
	}

	examID := c.Param("exam_id")
	if !validator.ValidContentID(examID) {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, "snapshot", examID)

	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.ExamMonitorChannel(examID))
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()
	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refreshes until an event shows somebody is sitting the exam.
	active := len(h.attempts.ExamSnapshots(examID)) > 0

	h.log.Info().Str("exam_id", examID).Msg("Proctor attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID).Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Payloads are already JSON events.
			writeSSEData(c, []byte(msg.Payload))
			active = true

		case <-refreshTicker.C:
			if !active {
				continue
			}
			h.sendSnapshot(c, "refresh", examID)

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) authorized(header string) bool {
	if h.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, kind, examID string) {
	snaps := h.attempts.ExamSnapshots(examID)
	c.SSEvent("message", map[string]interface{}{
		"type":     kind,
		"exam_id":  examID,
		"stats":    summarize(snaps),
		"students": snaps,
	})
	c.Writer.Flush()
}

func summarize(snaps []session.Snapshot) monitorStats {
	stats := monitorStats{TotalJoined: len(snaps)}
	for _, s := range snaps {
		switch s.State {
		case session.StateExamComplete:
			stats.TotalCompleted++
		case session.StateFailed:
			stats.TotalFailed++
		default:
			stats.TotalInProgress++
		}
	}
	return stats
}

func writeSSEData(c *gin.Context, payload []byte) {
	_, _ = c.Writer.Write([]byte("data: "))
	_, _ = c.Writer.Write(payload)
	_, _ = c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
