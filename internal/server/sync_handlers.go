package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/Jorge-Nunes/tag-padrin/internal/syncengine"
	"github.com/Jorge-Nunes/tag-padrin/internal/tracking"
)

const maxQueryLimit = 500

var errInvalidLimit = errors.New("limit must be a positive integer")

type serviceErrorCoder interface {
	Code() string
}

func (h *httpHandler) handleRunSync(c *gin.Context) {
	result, err := h.engine.RunCycle(c.Request.Context(), syncengine.TriggerManual)
	if err != nil {
		h.logger.Error("manual sync failed", zap.String("subject", c.GetString(subjectContextKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("sync_failed", err))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleDeviceSync(c *gin.Context) {
	deviceID := strings.TrimSpace(c.Param("id"))
	outcome, err := h.engine.SyncDevice(c.Request.Context(), deviceID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, outcome)
	case errors.Is(err, tracking.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, errorBody("device_not_found", err))
	case errors.Is(err, syncengine.ErrProviderNotConfigured):
		c.JSON(http.StatusConflict, errorBody("provider_not_configured", err))
	default:
		h.logger.Error("device sync failed", zap.String("device_id", deviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("sync_failed", err))
	}
}

type summaryPayload struct {
	ID           string    `json:"id"`
	Trigger      string    `json:"trigger"`
	TotalDevices int       `json:"totalDevices"`
	SuccessCount int       `json:"successCount"`
	FailedCount  int       `json:"failedCount"`
	DurationMs   int64     `json:"durationMs"`
	Status       string    `json:"status"`
	Message      string    `json:"message"`
	StartedAt    time.Time `json:"startedAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (h *httpHandler) handleSyncHistory(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	summaries, err := h.records.ListSummaries(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list sync history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("history_failed", err))
		return
	}
	response := make([]summaryPayload, 0, len(summaries))
	for _, summary := range summaries {
		response = append(response, summaryPayload{
			ID:           summary.ID,
			Trigger:      summary.Trigger,
			TotalDevices: summary.TotalDevices,
			SuccessCount: summary.SuccessCount,
			FailedCount:  summary.FailedCount,
			DurationMs:   summary.DurationMs,
			Status:       string(summary.Status),
			Message:      summary.Message,
			StartedAt:    summary.StartedAt,
			CreatedAt:    summary.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

type syncAttemptPayload struct {
	ID               string         `json:"id"`
	CycleID          string         `json:"cycleId"`
	DeviceID         string         `json:"deviceId"`
	Status           string         `json:"status"`
	Message          string         `json:"message,omitempty"`
	UpstreamResponse datatypes.JSON `json:"upstreamResponse,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

func (h *httpHandler) handleSyncLogs(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	logs, err := h.records.ListSyncAttempts(c.Request.Context(), c.Query("deviceId"), limit)
	if err != nil {
		h.logger.Error("failed to list sync logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("logs_failed", err))
		return
	}
	response := make([]syncAttemptPayload, 0, len(logs))
	for _, entry := range logs {
		response = append(response, syncAttemptPayload{
			ID:               entry.ID,
			CycleID:          entry.CycleID,
			DeviceID:         entry.DeviceID,
			Status:           string(entry.Status),
			Message:          entry.Message,
			UpstreamResponse: entry.UpstreamResponseFragment,
			CreatedAt:        entry.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

type forwardAttemptPayload struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	PositionID string    `json:"positionId"`
	Status     string    `json:"status"`
	Degraded   bool      `json:"degraded"`
	HTTPStatus int       `json:"httpStatus"`
	Payload    string    `json:"payload"`
	Response   string    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (h *httpHandler) handleForwardLogs(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	attempts, err := h.records.ListForwardAttempts(c.Request.Context(), c.Query("deviceId"), limit)
	if err != nil {
		h.logger.Error("failed to list forward logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("logs_failed", err))
		return
	}
	response := make([]forwardAttemptPayload, 0, len(attempts))
	for _, attempt := range attempts {
		response = append(response, forwardAttemptPayload{
			ID:         attempt.ID,
			DeviceID:   attempt.DeviceID,
			PositionID: attempt.PositionID,
			Status:     string(attempt.Status),
			Degraded:   attempt.Degraded,
			HTTPStatus: attempt.HTTPStatus,
			Payload:    attempt.PayloadSent,
			Response:   attempt.ResponseOrError,
			CreatedAt:  attempt.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

type positionPayload struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"deviceId"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Speed        *float64  `json:"speed,omitempty"`
	Heading      *float64  `json:"heading,omitempty"`
	BatteryLevel *int      `json:"batteryLevel,omitempty"`
	ObservedAt   time.Time `json:"observedAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (h *httpHandler) handleDevicePositions(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	positions, err := h.records.ListPositions(c.Request.Context(), strings.TrimSpace(c.Param("id")), limit)
	if err != nil {
		h.logger.Error("failed to list positions", zap.String("device_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("positions_failed", err))
		return
	}
	response := make([]positionPayload, 0, len(positions))
	for _, position := range positions {
		response = append(response, positionPayload{
			ID:           position.ID,
			DeviceID:     position.DeviceID,
			Latitude:     position.Latitude,
			Longitude:    position.Longitude,
			Speed:        position.Speed,
			Heading:      position.Heading,
			BatteryLevel: position.BatteryLevel,
			ObservedAt:   position.ObservedAt,
			CreatedAt:    position.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

// queryLimit parses ?limit=; zero means the store default.
func queryLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, errorBody("invalid_limit", errInvalidLimit))
		return 0, false
	}
	return min(limit, maxQueryLimit), true
}

func errorBody(code string, err error) gin.H {
	body := gin.H{"error": code}
	var coder serviceErrorCoder
	if errors.As(err, &coder) {
		body["code"] = coder.Code()
	}
	return body
}
