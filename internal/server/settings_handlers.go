package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Jorge-Nunes/tag-padrin/internal/settings"
)

const redactedTokenVisibleSuffix = 4

type settingsResponsePayload struct {
	SyncIntervalSeconds  int       `json:"syncIntervalSeconds"`
	ProviderBaseURL      string    `json:"brgpsBaseUrl"`
	ProviderToken        string    `json:"brgpsToken"`
	ProviderTokenPresent bool      `json:"brgpsTokenConfigured"`
	DefaultSinkURL       string    `json:"defaultSinkUrl"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

type settingsUpdatePayload struct {
	SyncIntervalSeconds *int    `json:"syncIntervalSeconds"`
	ProviderBaseURL     *string `json:"brgpsBaseUrl"`
	ProviderToken       *string `json:"brgpsToken"`
	DefaultSinkURL      *string `json:"defaultSinkUrl"`
}

func (h *httpHandler) handleGetSettings(c *gin.Context) {
	snapshot, err := h.settings.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load settings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("settings_failed", err))
		return
	}
	c.JSON(http.StatusOK, newSettingsResponse(snapshot))
}

func (h *httpHandler) handleUpdateSettings(c *gin.Context) {
	var request settingsUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	snapshot, err := h.settings.Update(c.Request.Context(), settings.Update{
		SyncIntervalSeconds: request.SyncIntervalSeconds,
		ProviderBaseURL:     request.ProviderBaseURL,
		ProviderToken:       request.ProviderToken,
		DefaultSinkURL:      request.DefaultSinkURL,
	})
	if err != nil {
		if errors.Is(err, settings.ErrIntervalTooShort) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "interval_too_short", "minimum": settings.MinSyncIntervalSeconds})
			return
		}
		h.logger.Error("failed to update settings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("settings_failed", err))
		return
	}

	if h.scheduler != nil && request.SyncIntervalSeconds != nil {
		h.scheduler.Reschedule()
	}
	h.logger.Info("settings changed", zap.String("subject", c.GetString(subjectContextKey)))
	c.JSON(http.StatusOK, newSettingsResponse(snapshot))
}

func newSettingsResponse(snapshot settings.Snapshot) settingsResponsePayload {
	return settingsResponsePayload{
		SyncIntervalSeconds:  int(snapshot.SyncInterval / time.Second),
		ProviderBaseURL:      snapshot.ProviderBaseURL,
		ProviderToken:        redactToken(snapshot.ProviderToken),
		ProviderTokenPresent: snapshot.ProviderToken != "",
		DefaultSinkURL:       snapshot.DefaultSinkURL,
		UpdatedAt:            snapshot.UpdatedAt,
	}
}

func redactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= redactedTokenVisibleSuffix {
		return "****"
	}
	return "****" + token[len(token)-redactedTokenVisibleSuffix:]
}
