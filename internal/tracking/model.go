package tracking

import (
	"time"

	"gorm.io/datatypes"
)

// AttemptStatus enumerates the outcome recorded on audit rows.
type AttemptStatus string

const (
	// AttemptStatusSuccess marks a successful sync or forward attempt.
	AttemptStatusSuccess AttemptStatus = "SUCCESS"
	// AttemptStatusError marks a failed sync or forward attempt.
	AttemptStatusError AttemptStatus = "ERROR"
)

// CycleStatus enumerates the aggregate outcome of a sync cycle.
type CycleStatus string

const (
	CycleStatusSuccess CycleStatus = "SUCCESS"
	CycleStatusPartial CycleStatus = "PARTIAL"
	CycleStatusFailed  CycleStatus = "FAILED"
)

// DeriveCycleStatus maps success and failure counts onto a cycle status.
func DeriveCycleStatus(successCount, failedCount int) CycleStatus {
	switch {
	case failedCount == 0:
		return CycleStatusSuccess
	case successCount == 0:
		return CycleStatusFailed
	default:
		return CycleStatusPartial
	}
}

// Device is the externally managed tracker inventory row. The sync engine only
// reads it and refreshes the cached last-position columns.
type Device struct {
	ID             string     `gorm:"column:id;primaryKey;size:190;not null"`
	ProviderID     string     `gorm:"column:provider_id;size:190;not null;uniqueIndex"`
	Name           string     `gorm:"column:name;size:190;not null;default:''"`
	Active         bool       `gorm:"column:active;not null;index"`
	SinkURL        string     `gorm:"column:sink_url;size:512;not null;default:''"`
	LastLatitude   *float64   `gorm:"column:last_latitude"`
	LastLongitude  *float64   `gorm:"column:last_longitude"`
	LastPositionAt *time.Time `gorm:"column:last_position_at"`
	LastSyncAt     *time.Time `gorm:"column:last_sync_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return "devices"
}

// DeviceRef is the projection of a device the sync engine works with.
type DeviceRef struct {
	ID         string
	ProviderID string
	SinkURL    string
}

// PositionRecord is an append-only position observed upstream.
type PositionRecord struct {
	ID           string         `gorm:"column:id;primaryKey;size:190;not null"`
	DeviceID     string         `gorm:"column:device_id;size:190;not null;index:idx_positions_device_observed,priority:1"`
	Latitude     float64        `gorm:"column:latitude;not null"`
	Longitude    float64        `gorm:"column:longitude;not null"`
	Speed        *float64       `gorm:"column:speed"`
	Heading      *float64       `gorm:"column:heading"`
	BatteryLevel *int           `gorm:"column:battery_level"`
	ObservedAt   time.Time      `gorm:"column:observed_at;not null;index:idx_positions_device_observed,priority:2"`
	RawPayload   datatypes.JSON `gorm:"column:raw_payload"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (PositionRecord) TableName() string {
	return "positions"
}

// SyncAttemptLog records one device outcome within one cycle.
type SyncAttemptLog struct {
	ID                       string         `gorm:"column:id;primaryKey;size:190;not null"`
	CycleID                  string         `gorm:"column:cycle_id;size:190;not null;default:'';index"`
	DeviceID                 string         `gorm:"column:device_id;size:190;not null;index"`
	Status                   AttemptStatus  `gorm:"column:status;size:16;not null"`
	Message                  string         `gorm:"column:message;type:text;not null;default:''"`
	UpstreamResponseFragment datatypes.JSON `gorm:"column:upstream_response"`
	CreatedAt                time.Time      `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (SyncAttemptLog) TableName() string {
	return "sync_logs"
}

// SyncOperationSummary aggregates a completed cycle.
type SyncOperationSummary struct {
	ID           string      `gorm:"column:id;primaryKey;size:190;not null"`
	Trigger      string      `gorm:"column:trigger_source;size:32;not null;default:''"`
	TotalDevices int         `gorm:"column:total_devices;not null"`
	SuccessCount int         `gorm:"column:success_count;not null"`
	FailedCount  int         `gorm:"column:failed_count;not null"`
	DurationMs   int64       `gorm:"column:duration_ms;not null"`
	Status       CycleStatus `gorm:"column:status;size:16;not null"`
	Message      string      `gorm:"column:message;type:text;not null;default:''"`
	StartedAt    time.Time   `gorm:"column:started_at;not null"`
	CreatedAt    time.Time   `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (SyncOperationSummary) TableName() string {
	return "sync_operations"
}

// ForwardAttemptLog records one delivery attempt to the telemetry sink.
type ForwardAttemptLog struct {
	ID              string        `gorm:"column:id;primaryKey;size:190;not null"`
	DeviceID        string        `gorm:"column:device_id;size:190;not null;index"`
	PositionID      string        `gorm:"column:position_id;size:190;not null"`
	Status          AttemptStatus `gorm:"column:status;size:16;not null"`
	Degraded        bool          `gorm:"column:degraded;not null"`
	HTTPStatus      int           `gorm:"column:http_status;not null"`
	PayloadSent     string        `gorm:"column:payload_sent;type:text;not null"`
	ResponseOrError string        `gorm:"column:response;type:text;not null;default:''"`
	CreatedAt       time.Time     `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (ForwardAttemptLog) TableName() string {
	return "forward_logs"
}

// PositionInput carries a parsed upstream position into ApplySyncOutcome.
type PositionInput struct {
	Latitude     float64
	Longitude    float64
	Speed        *float64
	Heading      *float64
	BatteryLevel *int
	ObservedAt   time.Time
	RawPayload   []byte
}

// PruneCounts reports rows removed per collection by PruneOlderThan.
type PruneCounts struct {
	SyncLogs    int64
	ForwardLogs int64
	Positions   int64
}

// Models lists every collection owned by this package, in migration order.
func Models() []any {
	return []any{
		&Device{},
		&PositionRecord{},
		&SyncAttemptLog{},
		&SyncOperationSummary{},
		&ForwardAttemptLog{},
	}
}
