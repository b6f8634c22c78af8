package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
)

const readinessTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler serves liveness and readiness probes.
type SystemHandler struct {
	db        Pinger
	driver    string
	rdb       *redis.Client
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(db Pinger, driver string, rdb *redis.Client, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		db:        db,
		driver:    driver,
		rdb:       rdb,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type dependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readiness struct {
	Status     string                      `json:"status"`
	Uptime     string                      `json:"uptime"`
	Goroutines int                         `json:"goroutines"`
	GoVersion  string                      `json:"go_version"`
	Checks     map[string]dependencyStatus `json:"checks"`
	Queues     map[string]int64            `json:"queues,omitempty"`
}

// Health godoc
// GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready godoc
// GET /ready
// 503 when the record store is down. Redis being down degrades but does
// not fail readiness: writes still go through the result writer.
func (h *SystemHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	r := readiness{
		Status:     "ok",
		Uptime:     formatDuration(time.Since(h.startTime)),
		Goroutines: runtime.NumGoroutine(),
		GoVersion:  runtime.Version(),
		Checks:     make(map[string]dependencyStatus, 2),
	}

	if err := h.db.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Str("driver", h.driver).Msg("Readiness: store unreachable")
		r.Status = "unavailable"
		r.Checks[h.driver] = dependencyStatus{Status: "down", Error: err.Error()}
	} else {
		r.Checks[h.driver] = dependencyStatus{Status: "up"}
	}

	if h.rdb == nil {
		r.Checks["redis"] = dependencyStatus{Status: "disabled"}
	} else if err := h.rdb.Ping(ctx).Err(); err != nil {
		if r.Status == "ok" {
			r.Status = "degraded"
		}
		r.Checks["redis"] = dependencyStatus{Status: "down", Error: err.Error()}
	} else {
		r.Checks["redis"] = dependencyStatus{Status: "up"}
		r.Queues = h.queueDepths(ctx)
	}

	status := http.StatusOK
	if r.Status == "unavailable" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, r)
}

// queueDepths reads the worker queue lengths in one pipelined round trip.
func (h *SystemHandler) queueDepths(ctx context.Context) map[string]int64 {
	queues := []string{
		config.WorkerKey.PersistAnswersQueue,
		config.WorkerKey.PersistStatisticsQueue,
		config.WorkerKey.PendingResultsQueue,
	}

	pipe := h.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(queues))
	for i, q := range queues {
		cmds[i] = pipe.LLen(ctx, q)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil
	}

	out := make(map[string]int64, len(queues))
	for i, q := range queues {
		out[q], _ = cmds[i].Result()
	}
	return out
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
