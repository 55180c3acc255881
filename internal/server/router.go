package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Jorge-Nunes/tag-padrin/internal/settings"
	"github.com/Jorge-Nunes/tag-padrin/internal/syncengine"
	"github.com/Jorge-Nunes/tag-padrin/internal/tracking"
)

const (
	subjectContextKey        = "tagpadrin_subject"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingSyncEngine    = errors.New("sync engine dependency required")
	errMissingRecords       = errors.New("record reader dependency required")
	errMissingSettings      = errors.New("settings dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator validates admin bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// SyncEngine runs cycles and single-device refreshes.
type SyncEngine interface {
	RunCycle(ctx context.Context, trigger syncengine.Trigger) (syncengine.CycleResult, error)
	SyncDevice(ctx context.Context, deviceID string) (syncengine.DeviceOutcome, error)
}

// RecordReader serves the audit and position read APIs.
type RecordReader interface {
	ListSummaries(ctx context.Context, limit int) ([]tracking.SyncOperationSummary, error)
	ListSyncAttempts(ctx context.Context, deviceID string, limit int) ([]tracking.SyncAttemptLog, error)
	ListForwardAttempts(ctx context.Context, deviceID string, limit int) ([]tracking.ForwardAttemptLog, error)
	ListPositions(ctx context.Context, deviceID string, limit int) ([]tracking.PositionRecord, error)
}

// SettingsStore reads and updates runtime settings.
type SettingsStore interface {
	Snapshot(ctx context.Context) (settings.Snapshot, error)
	Update(ctx context.Context, update settings.Update) (settings.Snapshot, error)
}

// Rescheduler re-arms the periodic trigger after a settings change.
type Rescheduler interface {
	Reschedule()
}

type Dependencies struct {
	TokenManager      TokenValidator
	Engine            SyncEngine
	Records           RecordReader
	Settings          SettingsStore
	Scheduler         Rescheduler
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Engine == nil {
		return nil, errMissingSyncEngine
	}
	if deps.Records == nil {
		return nil, errMissingRecords
	}
	if deps.Settings == nil {
		return nil, errMissingSettings
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		engine:    deps.Engine,
		records:   deps.Records,
		settings:  deps.Settings,
		scheduler: deps.Scheduler,
		realtime:  deps.Realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync", handler.handleRunSync)
	protected.GET("/sync/history", handler.handleSyncHistory)
	protected.GET("/sync/logs", handler.handleSyncLogs)
	protected.GET("/sync/events", handler.handleSyncEvents)
	protected.GET("/forward/logs", handler.handleForwardLogs)
	protected.GET("/devices/:id/positions", handler.handleDevicePositions)
	protected.POST("/devices/:id/sync", handler.handleDeviceSync)
	protected.GET("/settings", handler.handleGetSettings)
	protected.PUT("/settings", handler.handleUpdateSettings)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	engine    SyncEngine
	records   RecordReader
	settings  SettingsStore
	scheduler Rescheduler
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for EventSource clients.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if header != "" {
		return ""
	}
	return strings.TrimSpace(c.Query(accessTokenQueryKey))
}
