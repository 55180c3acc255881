// Package syncengine runs batch synchronization cycles: it fetches positions
// for every active device, reconciles them against the request, persists the
// outcome per device and forwards new positions to their sink.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Jorge-Nunes/tag-padrin/internal/brgps"
	"github.com/Jorge-Nunes/tag-padrin/internal/metrics"
	"github.com/Jorge-Nunes/tag-padrin/internal/settings"
	"github.com/Jorge-Nunes/tag-padrin/internal/traccar"
	"github.com/Jorge-Nunes/tag-padrin/internal/tracking"
)

// DefaultChunkSize is the number of devices requested per upstream call.
const DefaultChunkSize = 20

const (
	cycleFlightKey       = "cycle"
	skipReasonNoProvider = "provider base url or token not configured"
)

var (
	errMissingStore    = errors.New("syncengine: store is required")
	errMissingSettings = errors.New("syncengine: settings source is required")
	errMissingFetcher  = errors.New("syncengine: fetcher is required")
	errMissingIDs      = errors.New("syncengine: id provider is required")
	// ErrEngineStopped indicates the engine was stopped before the cycle could run.
	ErrEngineStopped = errors.New("syncengine: engine stopped")
)

// Store is the persistence surface the engine writes through.
type Store interface {
	ListActiveDevices(ctx context.Context) ([]tracking.DeviceRef, error)
	FindActiveDevice(ctx context.Context, deviceID string) (tracking.DeviceRef, error)
	ApplySyncOutcome(ctx context.Context, cycleID string, device tracking.DeviceRef, input tracking.PositionInput) (tracking.PositionRecord, error)
	RecordSyncFailure(ctx context.Context, cycleID, deviceID, message string, fragment []byte) error
	CreateSummary(ctx context.Context, summary *tracking.SyncOperationSummary) error
}

// SettingsSource provides the settings snapshot taken at cycle start.
type SettingsSource interface {
	Snapshot(ctx context.Context) (settings.Snapshot, error)
}

// Fetcher issues upstream position requests.
type Fetcher interface {
	FetchBatch(ctx context.Context, credentials brgps.Credentials, providerIDs []string) ([]byte, error)
	FetchDevice(ctx context.Context, credentials brgps.Credentials, providerID string) ([]byte, error)
}

// Forwarder delivers a persisted position downstream.
type Forwarder interface {
	Forward(ctx context.Context, report traccar.Report) (traccar.ForwardResult, error)
}

// Observer is notified after every cycle that wrote a summary.
type Observer interface {
	CycleCompleted(result CycleResult)
}

// Config describes the dependencies of Engine.
type Config struct {
	Store      Store
	Settings   SettingsSource
	Fetcher    Fetcher
	Forwarder  Forwarder
	Pacer      Pacer
	IDProvider tracking.IDProvider
	Clock      func() time.Time
	ChunkSize  int
	Logger     *zap.Logger
	Observers  []Observer
}

// Engine runs sync cycles. At most one cycle is in flight at a time; callers
// arriving while one runs share its result.
type Engine struct {
	store      Store
	settings   SettingsSource
	fetcher    Fetcher
	forwarder  Forwarder
	pacer      Pacer
	idProvider tracking.IDProvider
	clock      func() time.Time
	chunkSize  int
	logger     *zap.Logger
	observers  []Observer

	flight     singleflight.Group
	runContext context.Context
	stop       context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Settings == nil:
		return nil, errMissingSettings
	case cfg.Fetcher == nil:
		return nil, errMissingFetcher
	case cfg.IDProvider == nil:
		return nil, errMissingIDs
	}
	pacer := cfg.Pacer
	if pacer == nil {
		pacer = NewIntervalPacer(DefaultPacingInterval)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runContext, stop := context.WithCancel(context.Background())
	return &Engine{
		store:      cfg.Store,
		settings:   cfg.Settings,
		fetcher:    cfg.Fetcher,
		forwarder:  cfg.Forwarder,
		pacer:      pacer,
		idProvider: cfg.IDProvider,
		clock:      clock,
		chunkSize:  chunkSize,
		logger:     logger,
		observers:  append([]Observer(nil), cfg.Observers...),
		runContext: runContext,
		stop:       stop,
	}, nil
}

// Stop cancels any in-flight cycle and waits for it to finish its audit
// writes. Subsequent cycles fail with ErrEngineStopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.stop()
	e.inflight.Wait()
}

// track registers one unit of in-flight work unless the engine is stopped.
func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.inflight.Add(1)
	return true
}

// RunCycle runs one synchronization cycle across all active devices. The
// cycle is detached from ctx: a caller that gives up stops waiting but the
// cycle itself runs to completion unless the engine is stopped.
func (e *Engine) RunCycle(ctx context.Context, trigger Trigger) (CycleResult, error) {
	if e.runContext.Err() != nil {
		return CycleResult{}, ErrEngineStopped
	}
	resultChannel := e.flight.DoChan(cycleFlightKey, func() (any, error) {
		if !e.track() {
			return CycleResult{}, ErrEngineStopped
		}
		defer e.inflight.Done()
		return e.runCycle(e.runContext, trigger)
	})
	select {
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	case flightResult := <-resultChannel:
		result, _ := flightResult.Val.(CycleResult)
		result.Shared = flightResult.Shared
		return result, flightResult.Err
	}
}

func (e *Engine) runCycle(ctx context.Context, trigger Trigger) (CycleResult, error) {
	startedAt := e.clock()
	result := CycleResult{Trigger: trigger, StartedAt: startedAt.UTC(), Outcomes: []DeviceOutcome{}}

	snapshot, err := e.settings.Snapshot(ctx)
	if err != nil {
		e.logger.Error("sync cycle aborted: settings unavailable", zap.String("trigger", string(trigger)), zap.Error(err))
		return result, fmt.Errorf("syncengine: load settings: %w", err)
	}
	if !snapshot.HasProviderCredentials() {
		e.logger.Error("sync cycle skipped: provider configuration missing", zap.String("trigger", string(trigger)))
		metrics.SyncCycles.WithLabelValues("SKIPPED").Inc()
		result.Skipped = true
		result.SkipReason = skipReasonNoProvider
		return result, nil
	}

	devices, err := e.store.ListActiveDevices(ctx)
	if err != nil {
		e.logger.Error("sync cycle aborted: device listing failed", zap.String("trigger", string(trigger)), zap.Error(err))
		return result, err
	}

	cycleID, err := e.idProvider.NewID()
	if err != nil {
		return result, fmt.Errorf("syncengine: cycle id: %w", err)
	}
	result.CycleID = cycleID
	result.TotalDevices = len(devices)

	e.logger.Info("sync cycle started",
		zap.String("cycle_id", cycleID),
		zap.String("trigger", string(trigger)),
		zap.Int("devices", len(devices)),
		zap.Int("chunk_size", e.chunkSize))

	credentials := brgps.Credentials{BaseURL: snapshot.ProviderBaseURL, Token: snapshot.ProviderToken}
	chunks := chunkDevices(devices, e.chunkSize)
	for index, chunk := range chunks {
		if ctx.Err() != nil {
			for _, device := range chunk {
				result.Outcomes = append(result.Outcomes, e.fail(ctx, cycleID, device, FailureAborted, messageAborted, nil))
			}
			continue
		}
		outcomes := e.processChunk(ctx, cycleID, credentials, snapshot, chunk, index, len(chunks))
		result.Outcomes = append(result.Outcomes, outcomes...)
	}

	for _, outcome := range result.Outcomes {
		if outcome.Success {
			result.SuccessCount++
			metrics.SyncDeviceOutcomes.WithLabelValues("success", "").Inc()
		} else {
			result.FailedCount++
			metrics.SyncDeviceOutcomes.WithLabelValues("failure", string(outcome.Kind)).Inc()
		}
	}
	result.Duration = e.clock().Sub(startedAt)
	result.DurationMs = result.Duration.Milliseconds()
	result.Status = tracking.DeriveCycleStatus(result.SuccessCount, result.FailedCount)

	summary := &tracking.SyncOperationSummary{
		ID:           cycleID,
		Trigger:      string(trigger),
		TotalDevices: result.TotalDevices,
		SuccessCount: result.SuccessCount,
		FailedCount:  result.FailedCount,
		DurationMs:   result.DurationMs,
		Status:       result.Status,
		Message:      fmt.Sprintf("%s sync: %d success, %d failed", trigger, result.SuccessCount, result.FailedCount),
		StartedAt:    startedAt.UTC(),
	}
	if ctx.Err() != nil {
		summary.Message += " (aborted)"
	}
	if err := e.store.CreateSummary(context.WithoutCancel(ctx), summary); err != nil {
		e.logger.Error("sync summary write failed", zap.String("cycle_id", cycleID), zap.Error(err))
		return result, err
	}
	result.Summary = summary

	metrics.SyncCycles.WithLabelValues(string(result.Status)).Inc()
	metrics.SyncCycleDuration.Observe(result.Duration.Seconds())
	e.logger.Info("sync cycle finished",
		zap.String("cycle_id", cycleID),
		zap.String("status", string(result.Status)),
		zap.Int("success", result.SuccessCount),
		zap.Int("failed", result.FailedCount),
		zap.Int64("duration_ms", result.DurationMs))

	for _, observer := range e.observers {
		observer.CycleCompleted(result)
	}
	return result, nil
}

func (e *Engine) processChunk(ctx context.Context, cycleID string, credentials brgps.Credentials, snapshot settings.Snapshot, chunk []tracking.DeviceRef, index, total int) []DeviceOutcome {
	providerIDs := make([]string, 0, len(chunk))
	for _, device := range chunk {
		providerIDs = append(providerIDs, device.ProviderID)
	}

	body, err := e.fetcher.FetchBatch(ctx, credentials, providerIDs)
	if err != nil {
		message := fmt.Sprintf("%s (chunk %d/%d): %v", messageChunkFailurePrefix, index+1, total, err)
		e.logger.Error("sync chunk failed",
			zap.String("cycle_id", cycleID),
			zap.Int("chunk", index+1),
			zap.Int("devices", len(chunk)),
			zap.Error(err))
		outcomes := make([]DeviceOutcome, 0, len(chunk))
		for _, device := range chunk {
			outcomes = append(outcomes, e.fail(ctx, cycleID, device, FailureChunk, message, nil))
		}
		return outcomes
	}

	batch := brgps.NormalizeBatch(body)
	e.logger.Debug("sync chunk fetched",
		zap.String("cycle_id", cycleID),
		zap.Int("chunk", index+1),
		zap.String("shape", batch.Shape.String()),
		zap.Int("entries", len(batch.Entries)))

	outcomes := make([]DeviceOutcome, 0, len(chunk))
	for _, device := range chunk {
		entry, found := batch.Find(device.ProviderID)
		if !found {
			outcomes = append(outcomes, e.fail(ctx, cycleID, device, FailureNotInBatch, messageNotInBatch, nil))
			continue
		}
		if err := e.pacer.Wait(ctx); err != nil {
			outcomes = append(outcomes, e.fail(ctx, cycleID, device, FailureAborted, messageAborted, entry.Raw()))
			continue
		}
		outcomes = append(outcomes, e.processTagUpdate(ctx, cycleID, snapshot, device, entry))
	}
	return outcomes
}

// processTagUpdate parses one entry, persists it atomically and forwards it.
// A forward failure never turns the outcome into a failure.
func (e *Engine) processTagUpdate(ctx context.Context, cycleID string, snapshot settings.Snapshot, device tracking.DeviceRef, entry brgps.Entry) DeviceOutcome {
	position, err := entry.Position()
	if err != nil {
		return e.fail(ctx, cycleID, device, FailureInvalidPosition, err.Error(), entry.Raw())
	}

	record, err := e.store.ApplySyncOutcome(ctx, cycleID, device, tracking.PositionInput{
		Latitude:     position.Latitude,
		Longitude:    position.Longitude,
		Speed:        position.Speed,
		Heading:      position.Heading,
		BatteryLevel: position.Battery,
		ObservedAt:   position.ObservedAt(e.clock()),
		RawPayload:   entry.Raw(),
	})
	if err != nil {
		return e.fail(ctx, cycleID, device, FailurePersistence, err.Error(), entry.Raw())
	}

	observedAt := record.ObservedAt
	outcome := DeviceOutcome{
		DeviceID:   device.ID,
		ProviderID: device.ProviderID,
		Success:    true,
		PositionID: record.ID,
		Latitude:   &record.Latitude,
		Longitude:  &record.Longitude,
		ObservedAt: &observedAt,
	}
	e.forward(ctx, snapshot, device, record, &outcome)
	return outcome
}

func (e *Engine) forward(ctx context.Context, snapshot settings.Snapshot, device tracking.DeviceRef, record tracking.PositionRecord, outcome *DeviceOutcome) {
	if e.forwarder == nil {
		return
	}
	sinkURL := strings.TrimSpace(device.SinkURL)
	if sinkURL == "" {
		sinkURL = snapshot.DefaultSinkURL
	}
	forwardResult, err := e.forwarder.Forward(ctx, traccar.Report{
		DeviceID:     device.ID,
		PositionID:   record.ID,
		ProviderID:   device.ProviderID,
		SinkURL:      sinkURL,
		Latitude:     record.Latitude,
		Longitude:    record.Longitude,
		SpeedKmh:     record.Speed,
		Heading:      record.Heading,
		BatteryLevel: record.BatteryLevel,
		ObservedAt:   record.ObservedAt,
	})
	outcome.Forwarded = forwardResult.Delivered
	if err != nil {
		outcome.ForwardError = err.Error()
		e.logger.Warn("forward failed; sync outcome kept",
			zap.String("device_id", device.ID),
			zap.String("position_id", record.ID),
			zap.Bool("degraded_delivered", forwardResult.Delivered),
			zap.Error(err))
	}
}

func (e *Engine) fail(ctx context.Context, cycleID string, device tracking.DeviceRef, kind FailureKind, message string, fragment []byte) DeviceOutcome {
	e.logger.Warn("device sync failed",
		zap.String("cycle_id", cycleID),
		zap.String("device_id", device.ID),
		zap.String("provider_id", device.ProviderID),
		zap.String("kind", string(kind)),
		zap.String("message", message))
	// Written even after cancellation so an aborted cycle accounts for every device.
	if err := e.store.RecordSyncFailure(context.WithoutCancel(ctx), cycleID, device.ID, message, fragment); err != nil {
		e.logger.Error("sync failure audit write failed",
			zap.String("cycle_id", cycleID),
			zap.String("device_id", device.ID),
			zap.Error(err))
	}
	return failedOutcome(device, kind, message)
}

func chunkDevices(devices []tracking.DeviceRef, size int) [][]tracking.DeviceRef {
	if len(devices) == 0 {
		return nil
	}
	chunks := make([][]tracking.DeviceRef, 0, (len(devices)+size-1)/size)
	for start := 0; start < len(devices); start += size {
		end := min(start+size, len(devices))
		chunks = append(chunks, devices[start:end])
	}
	return chunks
}
