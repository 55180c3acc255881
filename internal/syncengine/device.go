package syncengine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Jorge-Nunes/tag-padrin/internal/brgps"
)

// ErrProviderNotConfigured indicates the provider URL or token is missing.
var ErrProviderNotConfigured = errors.New("syncengine: provider not configured")

// SyncDevice refreshes a single active device outside of a cycle. It writes
// the same audit row a cycle would but no cycle summary.
func (e *Engine) SyncDevice(ctx context.Context, deviceID string) (DeviceOutcome, error) {
	if !e.track() {
		return DeviceOutcome{}, ErrEngineStopped
	}
	defer e.inflight.Done()

	snapshot, err := e.settings.Snapshot(ctx)
	if err != nil {
		return DeviceOutcome{}, fmt.Errorf("syncengine: load settings: %w", err)
	}
	if !snapshot.HasProviderCredentials() {
		return DeviceOutcome{}, ErrProviderNotConfigured
	}

	device, err := e.store.FindActiveDevice(ctx, deviceID)
	if err != nil {
		return DeviceOutcome{}, err
	}
	attemptID, err := e.idProvider.NewID()
	if err != nil {
		return DeviceOutcome{}, fmt.Errorf("syncengine: attempt id: %w", err)
	}

	credentials := brgps.Credentials{BaseURL: snapshot.ProviderBaseURL, Token: snapshot.ProviderToken}
	body, err := e.fetcher.FetchDevice(ctx, credentials, device.ProviderID)
	if err != nil {
		return e.fail(ctx, attemptID, device, FailureChunk, fmt.Sprintf("device request failed: %v", err), nil), nil
	}

	batch := brgps.NormalizeBatch(body)
	entry, found := batch.Find(device.ProviderID)
	if !found {
		return e.fail(ctx, attemptID, device, FailureNotInBatch, messageNotInBatch, nil), nil
	}

	outcome := e.processTagUpdate(ctx, attemptID, snapshot, device, entry)
	e.logger.Info("device sync finished",
		zap.String("device_id", device.ID),
		zap.Bool("success", outcome.Success),
		zap.String("kind", string(outcome.Kind)))
	return outcome, nil
}
