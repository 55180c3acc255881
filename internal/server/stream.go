package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// handleSyncEvents streams one sync-cycle event per completed cycle, with
// periodic heartbeats to keep intermediaries from closing the connection.
func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			payload, err := json.Marshal(message.Cycle)
			if err != nil {
				h.logger.Warn("failed to encode cycle event", zap.Error(err))
				return true
			}
			c.SSEvent(message.EventType, string(payload))
			return true
		case now := <-ticker.C:
			payload, err := json.Marshal(heartbeatPayload{Source: realtimeSource, Timestamp: now.UTC()})
			if err != nil {
				return true
			}
			c.SSEvent(realtimeEventHeartbeat, string(payload))
			return true
		}
	})
}
