package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Jorge-Nunes/tag-padrin/internal/settings"
	"github.com/Jorge-Nunes/tag-padrin/internal/tracking"
)

var errMissingPath = errors.New("database path is required")

// connectionPragmas are applied to every file-backed connection.
var connectionPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
}

// OpenSQLite opens the database at path, migrates every tag-padrin collection
// and applies pending data migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errMissingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(schemaModels()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: migrate schema: %w", err)
	}

	if err := applyMigrations(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path), zap.Int("collections", len(schemaModels())))
	return db, nil
}

// sqliteDSN appends connection pragmas unless the caller supplied its own query.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") || path == ":memory:" {
		return path
	}
	params := make([]string, 0, len(connectionPragmas))
	for _, pragma := range connectionPragmas {
		params = append(params, "_pragma="+pragma)
	}
	return path + "?" + strings.Join(params, "&")
}

func schemaModels() []any {
	models := tracking.Models()
	models = append(models, &settings.SystemSettings{}, &migrationRecord{})
	return models
}
