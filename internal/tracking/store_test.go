package tracking

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDeriveCycleStatus(t *testing.T) {
	testCases := []struct {
		name     string
		success  int
		failed   int
		expected CycleStatus
	}{
		{name: "no-devices", success: 0, failed: 0, expected: CycleStatusSuccess},
		{name: "all-success", success: 4, failed: 0, expected: CycleStatusSuccess},
		{name: "mixed", success: 18, failed: 2, expected: CycleStatusPartial},
		{name: "all-failed", success: 0, failed: 3, expected: CycleStatusFailed},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := DeriveCycleStatus(testCase.success, testCase.failed); got != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, got)
			}
		})
	}
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	_, err := NewStore(StoreConfig{IDProvider: &sequenceIDProvider{}})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "tracking.store.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestListActiveDevicesSkipsInactive(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, db, now)

	mustCreateDevice(t, db, Device{ID: "dev-1", ProviderID: "100", Active: true, SinkURL: "http://sink/1", CreatedAt: now})
	mustCreateDevice(t, db, Device{ID: "dev-2", ProviderID: "200", Active: false, CreatedAt: now.Add(time.Second)})
	mustCreateDevice(t, db, Device{ID: "dev-3", ProviderID: "300", Active: true, CreatedAt: now.Add(2 * time.Second)})

	devices, err := store.ListActiveDevices(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 active devices, got %d", len(devices))
	}
	if devices[0].ID != "dev-1" || devices[0].ProviderID != "100" || devices[0].SinkURL != "http://sink/1" {
		t.Fatalf("unexpected first device projection: %+v", devices[0])
	}
	if devices[1].ID != "dev-3" {
		t.Fatalf("unexpected second device: %+v", devices[1])
	}

	if _, err := store.FindActiveDevice(context.Background(), "dev-2"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected inactive device lookup to fail with ErrDeviceNotFound, got %v", err)
	}
}

func TestApplySyncOutcomeWritesAllThreeRecords(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, db, now)
	mustCreateDevice(t, db, Device{ID: "dev-1", ProviderID: "100", Active: true})

	observedAt := time.Unix(1772360000, 0).UTC()
	position, err := store.ApplySyncOutcome(context.Background(), "cycle-1", DeviceRef{ID: "dev-1", ProviderID: "100"}, PositionInput{
		Latitude:   12.34,
		Longitude:  -45.6,
		Speed:      floatPointer(30),
		ObservedAt: observedAt,
		RawPayload: []byte(`{"id":"100","lat":"12.34","lon":-45.6}`),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if position.ID == "" || position.DeviceID != "dev-1" {
		t.Fatalf("unexpected position: %+v", position)
	}

	var device Device
	if err := db.Where("id = ?", "dev-1").Take(&device).Error; err != nil {
		t.Fatalf("reload device: %v", err)
	}
	if device.LastLatitude == nil || *device.LastLatitude != 12.34 {
		t.Fatalf("expected cached latitude 12.34, got %v", device.LastLatitude)
	}
	if device.LastLongitude == nil || *device.LastLongitude != -45.6 {
		t.Fatalf("expected cached longitude -45.6, got %v", device.LastLongitude)
	}
	if device.LastPositionAt == nil || !device.LastPositionAt.Equal(observedAt) {
		t.Fatalf("expected last position at %s, got %v", observedAt, device.LastPositionAt)
	}
	if device.LastSyncAt == nil || !device.LastSyncAt.Equal(now) {
		t.Fatalf("expected last sync at %s, got %v", now, device.LastSyncAt)
	}

	var logs []SyncAttemptLog
	if err := db.Find(&logs).Error; err != nil {
		t.Fatalf("load logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != AttemptStatusSuccess || logs[0].CycleID != "cycle-1" {
		t.Fatalf("expected one SUCCESS log for cycle-1, got %+v", logs)
	}
	if len(logs[0].UpstreamResponseFragment) == 0 {
		t.Fatalf("expected upstream fragment to be stored")
	}
}

func TestApplySyncOutcomeRollsBackWhenDeviceMissing(t *testing.T) {
	db := openTestDatabase(t)
	store := newTestStore(t, db, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	_, err := store.ApplySyncOutcome(context.Background(), "cycle-1", DeviceRef{ID: "ghost"}, PositionInput{
		Latitude:   1,
		Longitude:  2,
		ObservedAt: time.Now(),
	})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	var positionCount, logCount int64
	db.Model(&PositionRecord{}).Count(&positionCount)
	db.Model(&SyncAttemptLog{}).Count(&logCount)
	if positionCount != 0 || logCount != 0 {
		t.Fatalf("expected rollback, found %d positions and %d logs", positionCount, logCount)
	}
}

func TestRecordSyncFailurePreservesMessage(t *testing.T) {
	db := openTestDatabase(t)
	store := newTestStore(t, db, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if err := store.RecordSyncFailure(context.Background(), "cycle-9", "dev-1", "device not found in batch response", nil); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	logs, err := store.ListSyncAttempts(context.Background(), "dev-1", 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected one log, got %d", len(logs))
	}
	if logs[0].Status != AttemptStatusError || logs[0].Message != "device not found in batch response" {
		t.Fatalf("unexpected log: %+v", logs[0])
	}
	if logs[0].UpstreamResponseFragment != nil {
		t.Fatalf("expected empty fragment, got %s", string(logs[0].UpstreamResponseFragment))
	}
}

func TestListSummariesNewestFirst(t *testing.T) {
	db := openTestDatabase(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, db, base)

	for index := 0; index < 3; index++ {
		summary := SyncOperationSummary{
			Trigger:      "scheduled",
			TotalDevices: index,
			SuccessCount: index,
			Status:       CycleStatusSuccess,
			StartedAt:    base,
			CreatedAt:    base.Add(time.Duration(index) * time.Minute),
		}
		if err := store.CreateSummary(context.Background(), &summary); err != nil {
			t.Fatalf("create summary: %v", err)
		}
	}

	summaries, err := store.ListSummaries(context.Background(), 2)
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(summaries))
	}
	if summaries[0].TotalDevices != 2 || summaries[1].TotalDevices != 1 {
		t.Fatalf("expected newest first, got %+v", summaries)
	}
}

func TestPruneOlderThanKeepsRecentRows(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -8)
	recent := now.AddDate(0, 0, -1)

	rows := []any{
		&SyncAttemptLog{ID: "log-old", DeviceID: "dev-1", Status: AttemptStatusSuccess, CreatedAt: old},
		&SyncAttemptLog{ID: "log-new", DeviceID: "dev-1", Status: AttemptStatusSuccess, CreatedAt: recent},
		&ForwardAttemptLog{ID: "fwd-old", DeviceID: "dev-1", PositionID: "pos-old", Status: AttemptStatusError, CreatedAt: old},
		&PositionRecord{ID: "pos-old", DeviceID: "dev-1", ObservedAt: old, CreatedAt: old},
		&PositionRecord{ID: "pos-new", DeviceID: "dev-1", ObservedAt: recent, CreatedAt: recent},
	}
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("seed row: %v", err)
		}
	}

	store := newTestStore(t, db, now)
	counts, err := store.PruneOlderThan(context.Background(), now.AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if counts.SyncLogs != 1 || counts.ForwardLogs != 1 || counts.Positions != 1 {
		t.Fatalf("unexpected prune counts: %+v", counts)
	}

	var remaining int64
	db.Model(&PositionRecord{}).Count(&remaining)
	if remaining != 1 {
		t.Fatalf("expected recent position to survive, %d remain", remaining)
	}
}
