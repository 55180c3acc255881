package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDeviceID   = errors.New("device identifier is required")
	// ErrDeviceNotFound indicates that no active device matches the identifier.
	ErrDeviceNotFound = errors.New("tracking: device not found")
	noOpLogger        = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew             = "tracking.store.new"
	opListActiveDevices    = "tracking.list_active_devices"
	opFindActiveDevice     = "tracking.find_active_device"
	opApplySyncOutcome     = "tracking.apply_sync_outcome"
	opRecordSyncFailure    = "tracking.record_sync_failure"
	opCreateSummary        = "tracking.create_summary"
	opListSummaries        = "tracking.list_summaries"
	opListSyncAttempts     = "tracking.list_sync_attempts"
	opRecordForwardAttempt = "tracking.record_forward_attempt"
	opListForwardAttempts  = "tracking.list_forward_attempts"
	opListPositions        = "tracking.list_positions"
	opPruneOlderThan       = "tracking.prune_older_than"
	fieldDeviceID          = "device_id"
	fieldCycleID           = "cycle_id"
	queryDeviceID          = fieldDeviceID + " = ?"
	queryCreatedBefore     = "created_at < ?"
	orderCreatedDesc       = "created_at DESC, id DESC"
	reasonMissingDatabase  = "missing_database"
	reasonMissingDeviceID  = "missing_device_id"
	reasonIDGeneration     = "id_generation_failed"
	reasonQueryFailed      = "query_failed"
	reasonNotFound         = "not_found"
	reasonPositionInsert   = "position_insert_failed"
	reasonDeviceUpdate     = "device_update_failed"
	reasonDeviceMissing    = "device_missing"
	reasonAuditInsert      = "audit_insert_failed"
	reasonInsertFailed     = "insert_failed"
	reasonDeleteFailed     = "delete_failed"
	defaultListLimit       = 50
	maxListLimit           = 500
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists devices' sync state and the audit collections.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ListActiveDevices returns the projection of every active device, oldest first.
func (s *Store) ListActiveDevices(ctx context.Context) ([]DeviceRef, error) {
	if s.db == nil {
		return nil, newServiceError(opListActiveDevices, reasonMissingDatabase, errMissingDatabase)
	}
	var refs []DeviceRef
	if err := s.db.WithContext(ctx).
		Model(&Device{}).
		Select("id", "provider_id", "sink_url").
		Where("active = ?", true).
		Order("created_at ASC, id ASC").
		Find(&refs).Error; err != nil {
		s.logError(opListActiveDevices, reasonQueryFailed, err)
		return nil, newServiceError(opListActiveDevices, reasonQueryFailed, err)
	}
	return refs, nil
}

// FindActiveDevice loads the projection of a single active device.
func (s *Store) FindActiveDevice(ctx context.Context, deviceID string) (DeviceRef, error) {
	if s.db == nil {
		return DeviceRef{}, newServiceError(opFindActiveDevice, reasonMissingDatabase, errMissingDatabase)
	}
	if deviceID == "" {
		return DeviceRef{}, newServiceError(opFindActiveDevice, reasonMissingDeviceID, errMissingDeviceID)
	}
	var ref DeviceRef
	err := s.db.WithContext(ctx).
		Model(&Device{}).
		Select("id", "provider_id", "sink_url").
		Where("id = ? AND active = ?", deviceID, true).
		Take(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DeviceRef{}, newServiceError(opFindActiveDevice, reasonNotFound, ErrDeviceNotFound)
	}
	if err != nil {
		s.logError(opFindActiveDevice, reasonQueryFailed, err, zap.String(fieldDeviceID, deviceID))
		return DeviceRef{}, newServiceError(opFindActiveDevice, reasonQueryFailed, err)
	}
	return ref, nil
}

// ApplySyncOutcome creates the position, refreshes the device's cached
// last-position columns and writes a SUCCESS audit row in one transaction.
func (s *Store) ApplySyncOutcome(ctx context.Context, cycleID string, device DeviceRef, input PositionInput) (PositionRecord, error) {
	if s.db == nil {
		return PositionRecord{}, newServiceError(opApplySyncOutcome, reasonMissingDatabase, errMissingDatabase)
	}
	if device.ID == "" {
		return PositionRecord{}, newServiceError(opApplySyncOutcome, reasonMissingDeviceID, errMissingDeviceID)
	}

	positionID, err := s.idProvider.NewID()
	if err != nil {
		return PositionRecord{}, newServiceError(opApplySyncOutcome, reasonIDGeneration, err)
	}
	logID, err := s.idProvider.NewID()
	if err != nil {
		return PositionRecord{}, newServiceError(opApplySyncOutcome, reasonIDGeneration, err)
	}

	now := s.clock().UTC()
	observedAt := input.ObservedAt.UTC()
	position := PositionRecord{
		ID:           positionID,
		DeviceID:     device.ID,
		Latitude:     input.Latitude,
		Longitude:    input.Longitude,
		Speed:        input.Speed,
		Heading:      input.Heading,
		BatteryLevel: input.BatteryLevel,
		ObservedAt:   observedAt,
		RawPayload:   jsonOrNil(input.RawPayload),
		CreatedAt:    now,
	}

	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Create(&position).Error; err != nil {
			s.logError(opApplySyncOutcome, reasonPositionInsert, err, zap.String(fieldDeviceID, device.ID))
			return newServiceError(opApplySyncOutcome, reasonPositionInsert, err)
		}

		update := transaction.Model(&Device{}).
			Where("id = ?", device.ID).
			Updates(map[string]any{
				"last_latitude":    input.Latitude,
				"last_longitude":   input.Longitude,
				"last_position_at": observedAt,
				"last_sync_at":     now,
			})
		if update.Error != nil {
			s.logError(opApplySyncOutcome, reasonDeviceUpdate, update.Error, zap.String(fieldDeviceID, device.ID))
			return newServiceError(opApplySyncOutcome, reasonDeviceUpdate, update.Error)
		}
		if update.RowsAffected == 0 {
			return newServiceError(opApplySyncOutcome, reasonDeviceMissing, ErrDeviceNotFound)
		}

		audit := SyncAttemptLog{
			ID:                       logID,
			CycleID:                  cycleID,
			DeviceID:                 device.ID,
			Status:                   AttemptStatusSuccess,
			UpstreamResponseFragment: jsonOrNil(input.RawPayload),
			CreatedAt:                now,
		}
		if err := transaction.Create(&audit).Error; err != nil {
			s.logError(opApplySyncOutcome, reasonAuditInsert, err, zap.String(fieldDeviceID, device.ID))
			return newServiceError(opApplySyncOutcome, reasonAuditInsert, err)
		}
		return nil
	})
	if transactionError != nil {
		return PositionRecord{}, transactionError
	}
	return position, nil
}

// RecordSyncFailure appends an ERROR audit row for a device.
func (s *Store) RecordSyncFailure(ctx context.Context, cycleID, deviceID, message string, fragment []byte) error {
	if s.db == nil {
		return newServiceError(opRecordSyncFailure, reasonMissingDatabase, errMissingDatabase)
	}
	if deviceID == "" {
		return newServiceError(opRecordSyncFailure, reasonMissingDeviceID, errMissingDeviceID)
	}
	logID, err := s.idProvider.NewID()
	if err != nil {
		return newServiceError(opRecordSyncFailure, reasonIDGeneration, err)
	}
	audit := SyncAttemptLog{
		ID:                       logID,
		CycleID:                  cycleID,
		DeviceID:                 deviceID,
		Status:                   AttemptStatusError,
		Message:                  message,
		UpstreamResponseFragment: jsonOrNil(fragment),
		CreatedAt:                s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&audit).Error; err != nil {
		s.logError(opRecordSyncFailure, reasonInsertFailed, err,
			zap.String(fieldDeviceID, deviceID),
			zap.String(fieldCycleID, cycleID))
		return newServiceError(opRecordSyncFailure, reasonInsertFailed, err)
	}
	return nil
}

// CreateSummary persists a cycle summary. An empty ID is filled in.
func (s *Store) CreateSummary(ctx context.Context, summary *SyncOperationSummary) error {
	if s.db == nil {
		return newServiceError(opCreateSummary, reasonMissingDatabase, errMissingDatabase)
	}
	if summary.ID == "" {
		summaryID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opCreateSummary, reasonIDGeneration, err)
		}
		summary.ID = summaryID
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.clock().UTC()
	}
	if err := s.db.WithContext(ctx).Create(summary).Error; err != nil {
		s.logError(opCreateSummary, reasonInsertFailed, err, zap.String(fieldCycleID, summary.ID))
		return newServiceError(opCreateSummary, reasonInsertFailed, err)
	}
	return nil
}

// ListSummaries returns recent cycle summaries, newest first.
func (s *Store) ListSummaries(ctx context.Context, limit int) ([]SyncOperationSummary, error) {
	if s.db == nil {
		return nil, newServiceError(opListSummaries, reasonMissingDatabase, errMissingDatabase)
	}
	var summaries []SyncOperationSummary
	if err := s.db.WithContext(ctx).
		Order(orderCreatedDesc).
		Limit(clampLimit(limit, defaultListLimit)).
		Find(&summaries).Error; err != nil {
		s.logError(opListSummaries, reasonQueryFailed, err)
		return nil, newServiceError(opListSummaries, reasonQueryFailed, err)
	}
	return summaries, nil
}

// ListSyncAttempts returns recent sync audit rows, optionally for one device.
func (s *Store) ListSyncAttempts(ctx context.Context, deviceID string, limit int) ([]SyncAttemptLog, error) {
	if s.db == nil {
		return nil, newServiceError(opListSyncAttempts, reasonMissingDatabase, errMissingDatabase)
	}
	query := s.db.WithContext(ctx).Order(orderCreatedDesc).Limit(clampLimit(limit, defaultListLimit))
	if deviceID != "" {
		query = query.Where(queryDeviceID, deviceID)
	}
	var logs []SyncAttemptLog
	if err := query.Find(&logs).Error; err != nil {
		s.logError(opListSyncAttempts, reasonQueryFailed, err, zap.String(fieldDeviceID, deviceID))
		return nil, newServiceError(opListSyncAttempts, reasonQueryFailed, err)
	}
	return logs, nil
}

// RecordForwardAttempt appends a forward audit row. ID and CreatedAt are filled in.
func (s *Store) RecordForwardAttempt(ctx context.Context, attempt ForwardAttemptLog) error {
	if s.db == nil {
		return newServiceError(opRecordForwardAttempt, reasonMissingDatabase, errMissingDatabase)
	}
	attemptID, err := s.idProvider.NewID()
	if err != nil {
		return newServiceError(opRecordForwardAttempt, reasonIDGeneration, err)
	}
	attempt.ID = attemptID
	attempt.CreatedAt = s.clock().UTC()
	if err := s.db.WithContext(ctx).Create(&attempt).Error; err != nil {
		s.logError(opRecordForwardAttempt, reasonInsertFailed, err, zap.String(fieldDeviceID, attempt.DeviceID))
		return newServiceError(opRecordForwardAttempt, reasonInsertFailed, err)
	}
	return nil
}

// ListForwardAttempts returns recent forward audit rows, optionally for one device.
func (s *Store) ListForwardAttempts(ctx context.Context, deviceID string, limit int) ([]ForwardAttemptLog, error) {
	if s.db == nil {
		return nil, newServiceError(opListForwardAttempts, reasonMissingDatabase, errMissingDatabase)
	}
	query := s.db.WithContext(ctx).Order(orderCreatedDesc).Limit(clampLimit(limit, defaultListLimit))
	if deviceID != "" {
		query = query.Where(queryDeviceID, deviceID)
	}
	var attempts []ForwardAttemptLog
	if err := query.Find(&attempts).Error; err != nil {
		s.logError(opListForwardAttempts, reasonQueryFailed, err, zap.String(fieldDeviceID, deviceID))
		return nil, newServiceError(opListForwardAttempts, reasonQueryFailed, err)
	}
	return attempts, nil
}

// ListPositions returns a device's positions, most recent observation first.
func (s *Store) ListPositions(ctx context.Context, deviceID string, limit int) ([]PositionRecord, error) {
	if s.db == nil {
		return nil, newServiceError(opListPositions, reasonMissingDatabase, errMissingDatabase)
	}
	if deviceID == "" {
		return nil, newServiceError(opListPositions, reasonMissingDeviceID, errMissingDeviceID)
	}
	var positions []PositionRecord
	if err := s.db.WithContext(ctx).
		Where(queryDeviceID, deviceID).
		Order("observed_at DESC").
		Limit(clampLimit(limit, 100)).
		Find(&positions).Error; err != nil {
		s.logError(opListPositions, reasonQueryFailed, err, zap.String(fieldDeviceID, deviceID))
		return nil, newServiceError(opListPositions, reasonQueryFailed, err)
	}
	return positions, nil
}

// PruneOlderThan deletes audit and position rows created before cutoff.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (PruneCounts, error) {
	if s.db == nil {
		return PruneCounts{}, newServiceError(opPruneOlderThan, reasonMissingDatabase, errMissingDatabase)
	}
	cutoff = cutoff.UTC()
	var counts PruneCounts

	syncLogs := s.db.WithContext(ctx).Where(queryCreatedBefore, cutoff).Delete(&SyncAttemptLog{})
	if syncLogs.Error != nil {
		s.logError(opPruneOlderThan, reasonDeleteFailed, syncLogs.Error, zap.String("collection", "sync_logs"))
		return counts, newServiceError(opPruneOlderThan, reasonDeleteFailed, syncLogs.Error)
	}
	counts.SyncLogs = syncLogs.RowsAffected

	forwardLogs := s.db.WithContext(ctx).Where(queryCreatedBefore, cutoff).Delete(&ForwardAttemptLog{})
	if forwardLogs.Error != nil {
		s.logError(opPruneOlderThan, reasonDeleteFailed, forwardLogs.Error, zap.String("collection", "forward_logs"))
		return counts, newServiceError(opPruneOlderThan, reasonDeleteFailed, forwardLogs.Error)
	}
	counts.ForwardLogs = forwardLogs.RowsAffected

	positions := s.db.WithContext(ctx).Where(queryCreatedBefore, cutoff).Delete(&PositionRecord{})
	if positions.Error != nil {
		s.logError(opPruneOlderThan, reasonDeleteFailed, positions.Error, zap.String("collection", "positions"))
		return counts, newServiceError(opPruneOlderThan, reasonDeleteFailed, positions.Error)
	}
	counts.Positions = positions.RowsAffected

	return counts, nil
}

func jsonOrNil(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(append([]byte(nil), raw...))
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("tracking store error", attrs...)
}
