package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Jorge-Nunes/tag-padrin/internal/config"
	"github.com/Jorge-Nunes/tag-padrin/internal/database"
	"github.com/Jorge-Nunes/tag-padrin/internal/syncengine"
	"github.com/Jorge-Nunes/tag-padrin/internal/tracking"
)

type sinkRecorder struct {
	mu      sync.Mutex
	queries []string
}

func (s *sinkRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.queries = append(s.queries, r.URL.RawQuery)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *sinkRecorder) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func TestApplicationRunsCycleAgainstProviderAndSink(t *testing.T) {
	var providerRequests []string
	var providerMu sync.Mutex
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		providerMu.Lock()
		providerRequests = append(providerRequests, r.URL.RequestURI())
		providerMu.Unlock()
		if len(r.Header["Api_token"]) != 1 || r.Header["Api_token"][0] != "provider-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"TAG01","lat":-23.55,"lon":"-46.63","speed":36,"battery":3,"timestamp":1714564800}]}`))
	}))
	t.Cleanup(provider.Close)

	sink := &sinkRecorder{}
	sinkServer := httptest.NewServer(sink)
	t.Cleanup(sinkServer.Close)

	databasePath := filepath.Join(t.TempDir(), "app.db")
	seedDevices(t, databasePath)

	appConfig := config.AppConfig{
		DatabasePath:        databasePath,
		SigningSecret:       "app-secret",
		TokenTTL:            time.Minute,
		ProviderBaseURL:     provider.URL,
		ProviderToken:       "provider-token",
		DefaultSinkURL:      sinkServer.URL,
		ForwardTimeout:      time.Second,
		SyncIntervalSeconds: 60,
		ChunkSize:           20,
	}

	app, err := newApplication(context.Background(), appConfig, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build application: %v", err)
	}
	t.Cleanup(app.Close)

	result, err := app.engine.RunCycle(context.Background(), syncengine.TriggerManual)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if result.TotalDevices != 2 || result.SuccessCount != 1 || result.FailedCount != 1 {
		t.Fatalf("unexpected counts %+v", result)
	}
	if result.Status != tracking.CycleStatusPartial {
		t.Fatalf("expected PARTIAL, got %s", result.Status)
	}

	providerMu.Lock()
	if len(providerRequests) != 1 || !strings.Contains(providerRequests[0], "ids=TAG01,TAG02") {
		t.Fatalf("expected one batch request for both tags, got %v", providerRequests)
	}
	providerMu.Unlock()

	queries := sink.snapshot()
	if len(queries) != 1 {
		t.Fatalf("expected one forward, got %v", queries)
	}
	if !strings.HasPrefix(queries[0], "id=TAG01&lat=-23.55&lon=-46.63&") || !strings.HasSuffix(queries[0], "&valid=true&batt=100") {
		t.Fatalf("unexpected forward query %q", queries[0])
	}

	summaries, err := app.store.ListSummaries(context.Background(), 10)
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Message != "manual sync: 1 success, 1 failed" {
		t.Fatalf("unexpected summaries %+v", summaries)
	}

	forwards, err := app.store.ListForwardAttempts(context.Background(), "device-1", 10)
	if err != nil {
		t.Fatalf("list forward attempts: %v", err)
	}
	if len(forwards) != 1 || forwards[0].Status != tracking.AttemptStatusSuccess {
		t.Fatalf("unexpected forward audit %+v", forwards)
	}
}

func TestApplicationSkipsCycleWithoutProviderCredentials(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "app.db")
	seedDevices(t, databasePath)

	app, err := newApplication(context.Background(), config.AppConfig{
		DatabasePath:  databasePath,
		SigningSecret: "app-secret",
		TokenTTL:      time.Minute,
		ChunkSize:     20,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build application: %v", err)
	}
	t.Cleanup(app.Close)

	result, err := app.engine.RunCycle(context.Background(), syncengine.TriggerScheduled)
	if err != nil {
		t.Fatalf("expected skip without error, got %v", err)
	}
	if !result.Skipped || result.TotalDevices != 0 {
		t.Fatalf("expected skipped empty result, got %+v", result)
	}
}

func seedDevices(t *testing.T, databasePath string) {
	t.Helper()
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	devices := []tracking.Device{
		{ID: "device-1", ProviderID: "TAG01", Name: "Truck 1", Active: true, CreatedAt: created},
		{ID: "device-2", ProviderID: "TAG02", Name: "Truck 2", Active: true, CreatedAt: created.Add(time.Minute)},
		{ID: "device-3", ProviderID: "TAG03", Name: "Retired", Active: false, CreatedAt: created.Add(2 * time.Minute)},
	}
	if err := db.Create(&devices).Error; err != nil {
		t.Fatalf("failed to seed devices: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close seed connection: %v", err)
	}
}
