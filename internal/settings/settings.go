package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultRowID = "default"
	// DefaultSyncIntervalSeconds is used when no interval has been stored.
	DefaultSyncIntervalSeconds = 60
	// MinSyncIntervalSeconds is the smallest interval accepted by Update.
	MinSyncIntervalSeconds = 30
)

var (
	// ErrIntervalTooShort indicates an update requested an interval below MinSyncIntervalSeconds.
	ErrIntervalTooShort = errors.New("settings: sync interval too short")
	errMissingDatabase  = errors.New("settings: database connection required")
)

// SystemSettings is the singleton row of mutable runtime configuration.
type SystemSettings struct {
	ID                  string    `gorm:"column:id;primaryKey;size:32;not null"`
	SyncIntervalSeconds int       `gorm:"column:sync_interval_s;not null"`
	ProviderBaseURL     string    `gorm:"column:brgps_base_url;size:512;not null;default:''"`
	ProviderToken       string    `gorm:"column:brgps_token;size:512;not null;default:''"`
	DefaultSinkURL      string    `gorm:"column:default_sink_url;size:512;not null;default:''"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing runtime settings.
func (SystemSettings) TableName() string {
	return "system_settings"
}

// Snapshot is an immutable copy of the settings taken at one point in time.
type Snapshot struct {
	SyncInterval    time.Duration
	ProviderBaseURL string
	ProviderToken   string
	DefaultSinkURL  string
	UpdatedAt       time.Time
}

// HasProviderCredentials reports whether both provider URL and token are set.
func (s Snapshot) HasProviderCredentials() bool {
	return s.ProviderBaseURL != "" && s.ProviderToken != ""
}

// Seed holds the values used to populate an empty settings row.
type Seed struct {
	SyncIntervalSeconds int
	ProviderBaseURL     string
	ProviderToken       string
	DefaultSinkURL      string
}

// Update describes a partial settings change. Nil fields are left untouched.
type Update struct {
	SyncIntervalSeconds *int
	ProviderBaseURL     *string
	ProviderToken       *string
	DefaultSinkURL      *string
}

// ServiceConfig describes the dependencies of Service.
type ServiceConfig struct {
	Database *gorm.DB
	Seed     Seed
	Logger   *zap.Logger
}

// Service reads and writes the settings row.
type Service struct {
	db     *gorm.DB
	seed   Seed
	logger *zap.Logger
}

// NewService constructs the settings service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		seed:   cfg.Seed,
		logger: logger,
	}, nil
}

// EnsureDefaults creates the settings row from the seed when missing and
// back-fills provider fields that are still empty.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	var stored SystemSettings
	err := s.db.WithContext(ctx).Where("id = ?", defaultRowID).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		interval := s.seed.SyncIntervalSeconds
		if interval <= 0 {
			interval = DefaultSyncIntervalSeconds
		}
		stored = SystemSettings{
			ID:                  defaultRowID,
			SyncIntervalSeconds: interval,
			ProviderBaseURL:     normalizeBaseURL(s.seed.ProviderBaseURL),
			ProviderToken:       strings.TrimSpace(s.seed.ProviderToken),
			DefaultSinkURL:      strings.TrimSpace(s.seed.DefaultSinkURL),
		}
		if err := s.db.WithContext(ctx).Create(&stored).Error; err != nil {
			return fmt.Errorf("settings: create defaults: %w", err)
		}
		s.logger.Info("settings initialized",
			zap.Int("sync_interval_s", stored.SyncIntervalSeconds),
			zap.Bool("provider_configured", stored.ProviderBaseURL != "" && stored.ProviderToken != ""))
		return nil
	}
	if err != nil {
		return fmt.Errorf("settings: load: %w", err)
	}

	updates := map[string]any{}
	if stored.ProviderBaseURL == "" && normalizeBaseURL(s.seed.ProviderBaseURL) != "" {
		updates["brgps_base_url"] = normalizeBaseURL(s.seed.ProviderBaseURL)
	}
	if stored.ProviderToken == "" && strings.TrimSpace(s.seed.ProviderToken) != "" {
		updates["brgps_token"] = strings.TrimSpace(s.seed.ProviderToken)
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&SystemSettings{}).Where("id = ?", defaultRowID).Updates(updates).Error; err != nil {
		return fmt.Errorf("settings: backfill: %w", err)
	}
	s.logger.Info("settings back-filled from configuration", zap.Int("fields", len(updates)))
	return nil
}

// Snapshot returns the current settings. A missing row yields the seed-less defaults.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	var stored SystemSettings
	err := s.db.WithContext(ctx).Where("id = ?", defaultRowID).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{SyncInterval: DefaultSyncIntervalSeconds * time.Second}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("settings: load: %w", err)
	}
	return toSnapshot(stored), nil
}

// Interval returns the configured polling interval.
func (s *Service) Interval(ctx context.Context) (time.Duration, error) {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return snapshot.SyncInterval, nil
}

// Update applies a partial change and returns the resulting snapshot.
func (s *Service) Update(ctx context.Context, update Update) (Snapshot, error) {
	if update.SyncIntervalSeconds != nil && *update.SyncIntervalSeconds < MinSyncIntervalSeconds {
		return Snapshot{}, fmt.Errorf("%w: %d < %d", ErrIntervalTooShort, *update.SyncIntervalSeconds, MinSyncIntervalSeconds)
	}
	if err := s.EnsureDefaults(ctx); err != nil {
		return Snapshot{}, err
	}

	updates := map[string]any{}
	if update.SyncIntervalSeconds != nil {
		updates["sync_interval_s"] = *update.SyncIntervalSeconds
	}
	if update.ProviderBaseURL != nil {
		updates["brgps_base_url"] = normalizeBaseURL(*update.ProviderBaseURL)
	}
	if update.ProviderToken != nil {
		updates["brgps_token"] = strings.TrimSpace(*update.ProviderToken)
	}
	if update.DefaultSinkURL != nil {
		updates["default_sink_url"] = strings.TrimSpace(*update.DefaultSinkURL)
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&SystemSettings{}).Where("id = ?", defaultRowID).Updates(updates).Error; err != nil {
			return Snapshot{}, fmt.Errorf("settings: update: %w", err)
		}
		s.logger.Info("settings updated", zap.Int("fields", len(updates)))
	}
	return s.Snapshot(ctx)
}

func toSnapshot(stored SystemSettings) Snapshot {
	interval := stored.SyncIntervalSeconds
	if interval <= 0 {
		interval = DefaultSyncIntervalSeconds
	}
	return Snapshot{
		SyncInterval:    time.Duration(interval) * time.Second,
		ProviderBaseURL: normalizeBaseURL(stored.ProviderBaseURL),
		ProviderToken:   strings.TrimSpace(stored.ProviderToken),
		DefaultSinkURL:  strings.TrimSpace(stored.DefaultSinkURL),
		UpdatedAt:       stored.UpdatedAt,
	}
}

func normalizeBaseURL(value string) string {
	return strings.TrimRight(strings.TrimSpace(value), "/")
}
