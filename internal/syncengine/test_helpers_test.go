package syncengine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/Jorge-Nunes/tag-padrin/internal/brgps"
	"github.com/Jorge-Nunes/tag-padrin/internal/settings"
	"github.com/Jorge-Nunes/tag-padrin/internal/tracking"
)

type staticSettings struct {
	snapshot settings.Snapshot
}

func (s staticSettings) Snapshot(context.Context) (settings.Snapshot, error) {
	return s.snapshot, nil
}

func configuredSettings(defaultSinkURL string) staticSettings {
	return staticSettings{snapshot: settings.Snapshot{
		SyncInterval:    time.Minute,
		ProviderBaseURL: "https://brgps.test",
		ProviderToken:   "token",
		DefaultSinkURL:  defaultSinkURL,
	}}
}

type fetchResponse struct {
	body string
	err  error
}

// scriptedFetcher answers batch calls in order; once the script is exhausted
// it echoes every requested id with a valid position.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []fetchResponse
	calls     [][]string
	entered   chan struct{}
	release   chan struct{}
}

func (f *scriptedFetcher) FetchBatch(ctx context.Context, _ brgps.Credentials, providerIDs []string) ([]byte, error) {
	f.mu.Lock()
	index := len(f.calls)
	f.calls = append(f.calls, append([]string(nil), providerIDs...))
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if index < len(f.responses) {
		response := f.responses[index]
		return []byte(response.body), response.err
	}
	return []byte(positionsBody(providerIDs)), nil
}

func (f *scriptedFetcher) FetchDevice(ctx context.Context, credentials brgps.Credentials, providerID string) ([]byte, error) {
	return f.FetchBatch(ctx, credentials, []string{providerID})
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingPacer struct {
	mu    sync.Mutex
	waits int
}

func (p *countingPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.waits++
	p.mu.Unlock()
	return ctx.Err()
}

type collectingObserver struct {
	mu      sync.Mutex
	results []CycleResult
}

func (o *collectingObserver) CycleCompleted(result CycleResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func positionsBody(providerIDs []string) string {
	elements := make([]string, 0, len(providerIDs))
	for index, providerID := range providerIDs {
		elements = append(elements, fmt.Sprintf(`{"id":%q,"lat":"%d.5","lon":-%d.25,"speed":10,"timestamp":1714564800}`, providerID, index%80, index%170))
	}
	return `{"data":[` + strings.Join(elements, ",") + `]}`
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(tracking.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *gorm.DB) *tracking.Store {
	t.Helper()
	store, err := tracking.NewStore(tracking.StoreConfig{
		Database:   db,
		IDProvider: tracking.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

// seedDevices creates count active devices with provider ids TAG01, TAG02, ...
func seedDevices(t *testing.T, db *gorm.DB, count int) []tracking.Device {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	devices := make([]tracking.Device, 0, count)
	for index := 1; index <= count; index++ {
		device := tracking.Device{
			ID:         fmt.Sprintf("device-%02d", index),
			ProviderID: fmt.Sprintf("TAG%02d", index),
			Name:       fmt.Sprintf("Tag %d", index),
			Active:     true,
			CreatedAt:  base.Add(time.Duration(index) * time.Second),
		}
		if err := db.Create(&device).Error; err != nil {
			t.Fatalf("failed to create device %s: %v", device.ID, err)
		}
		devices = append(devices, device)
	}
	return devices
}

func providerIDs(devices []tracking.Device) []string {
	ids := make([]string, 0, len(devices))
	for _, device := range devices {
		ids = append(ids, device.ProviderID)
	}
	return ids
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Pacer == nil {
		cfg.Pacer = NoopPacer{}
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = tracking.NewUUIDProvider()
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	t.Cleanup(engine.Stop)
	return engine
}

func countAttempts(t *testing.T, db *gorm.DB, where string, args ...any) int64 {
	t.Helper()
	var count int64
	query := db.Model(&tracking.SyncAttemptLog{})
	if where != "" {
		query = query.Where(where, args...)
	}
	if err := query.Count(&count).Error; err != nil {
		t.Fatalf("count attempts: %v", err)
	}
	return count
}
