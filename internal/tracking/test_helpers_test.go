package tracking

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "tracking.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *gorm.DB, now time.Time) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return now },
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func mustCreateDevice(t *testing.T, db *gorm.DB, device Device) {
	t.Helper()
	if err := db.Create(&device).Error; err != nil {
		t.Fatalf("failed to create device %s: %v", device.ID, err)
	}
}

func floatPointer(value float64) *float64 {
	return &value
}
