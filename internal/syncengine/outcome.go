package syncengine

import (
	"time"

	"github.com/Jorge-Nunes/tag-padrin/internal/tracking"
)

// Trigger labels what started a cycle.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// FailureKind classifies a per-device failure.
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailureChunk              FailureKind = "chunk_failed"
	FailureNotInBatch         FailureKind = "not_in_batch"
	FailureInvalidPosition    FailureKind = "invalid_position"
	FailurePersistence        FailureKind = "persistence_failed"
	FailureAborted            FailureKind = "aborted"
	messageNotInBatch                     = "device not found in batch response"
	messageChunkFailurePrefix             = "batch request failed"
	messageAborted                        = "sync cycle aborted before device was processed"
)

// DeviceOutcome is the result of one device within a cycle.
type DeviceOutcome struct {
	DeviceID     string      `json:"deviceId"`
	ProviderID   string      `json:"providerId"`
	Success      bool        `json:"success"`
	Kind         FailureKind `json:"kind,omitempty"`
	Error        string      `json:"error,omitempty"`
	PositionID   string      `json:"positionId,omitempty"`
	Latitude     *float64    `json:"latitude,omitempty"`
	Longitude    *float64    `json:"longitude,omitempty"`
	ObservedAt   *time.Time  `json:"observedAt,omitempty"`
	Forwarded    bool        `json:"forwarded"`
	ForwardError string      `json:"forwardError,omitempty"`
}

// CycleResult is returned by RunCycle. Skipped is set when the provider is
// not configured; no summary is written in that case.
type CycleResult struct {
	CycleID      string                         `json:"cycleId,omitempty"`
	Trigger      Trigger                        `json:"trigger"`
	Skipped      bool                           `json:"skipped"`
	SkipReason   string                         `json:"skipReason,omitempty"`
	Shared       bool                           `json:"shared"`
	TotalDevices int                            `json:"total"`
	SuccessCount int                            `json:"success"`
	FailedCount  int                            `json:"failed"`
	Duration     time.Duration                  `json:"-"`
	DurationMs   int64                          `json:"durationMs"`
	Status       tracking.CycleStatus           `json:"status,omitempty"`
	StartedAt    time.Time                      `json:"startedAt"`
	Outcomes     []DeviceOutcome                `json:"details"`
	Summary      *tracking.SyncOperationSummary `json:"-"`
}

func failedOutcome(device tracking.DeviceRef, kind FailureKind, message string) DeviceOutcome {
	return DeviceOutcome{
		DeviceID:   device.ID,
		ProviderID: device.ProviderID,
		Kind:       kind,
		Error:      message,
	}
}
