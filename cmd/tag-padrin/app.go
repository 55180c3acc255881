package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Jorge-Nunes/tag-padrin/internal/auth"
	"github.com/Jorge-Nunes/tag-padrin/internal/brgps"
	"github.com/Jorge-Nunes/tag-padrin/internal/config"
	"github.com/Jorge-Nunes/tag-padrin/internal/database"
	"github.com/Jorge-Nunes/tag-padrin/internal/retention"
	"github.com/Jorge-Nunes/tag-padrin/internal/scheduler"
	"github.com/Jorge-Nunes/tag-padrin/internal/server"
	"github.com/Jorge-Nunes/tag-padrin/internal/settings"
	"github.com/Jorge-Nunes/tag-padrin/internal/syncengine"
	"github.com/Jorge-Nunes/tag-padrin/internal/traccar"
	"github.com/Jorge-Nunes/tag-padrin/internal/tracking"
)

// application holds the wired components shared by the serve and sync commands.
type application struct {
	tokens    *auth.TokenIssuer
	settings  *settings.Service
	store     *tracking.Store
	engine    *syncengine.Engine
	scheduler *scheduler.Scheduler
	sweeper   *retention.Sweeper
	realtime  *server.RealtimeDispatcher
	closers   []func()
}

func newApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() { _ = sqlDB.Close() })

	app.tokens, err = auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.settings, err = settings.NewService(settings.ServiceConfig{
		Database: db,
		Seed: settings.Seed{
			SyncIntervalSeconds: appConfig.SyncIntervalSeconds,
			ProviderBaseURL:     appConfig.ProviderBaseURL,
			ProviderToken:       appConfig.ProviderToken,
			DefaultSinkURL:      appConfig.DefaultSinkURL,
		},
		Logger: logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	if err := app.settings.EnsureDefaults(ctx); err != nil {
		app.Close()
		return nil, err
	}

	app.store, err = tracking.NewStore(tracking.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: tracking.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	provider := brgps.NewBreakerClient(
		brgps.NewClient(brgps.ClientConfig{Logger: logger}),
		brgps.DefaultBreakerSettings(),
		logger,
	)
	forwarder := traccar.NewForwarder(traccar.ForwarderConfig{
		Recorder: app.store,
		Timeout:  appConfig.ForwardTimeout,
		Logger:   logger,
	})

	pacer := syncengine.Pacer(syncengine.NoopPacer{})
	if appConfig.PacingInterval > 0 {
		pacer = syncengine.NewIntervalPacer(appConfig.PacingInterval)
	}

	app.realtime = server.NewRealtimeDispatcher()
	app.engine, err = syncengine.NewEngine(syncengine.Config{
		Store:      app.store,
		Settings:   app.settings,
		Fetcher:    provider,
		Forwarder:  forwarder,
		Pacer:      pacer,
		IDProvider: tracking.NewUUIDProvider(),
		ChunkSize:  appConfig.ChunkSize,
		Logger:     logger,
		Observers:  []syncengine.Observer{app.realtime},
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, app.engine.Stop)

	app.scheduler, err = scheduler.New(scheduler.Config{
		Runner:    app.engine,
		Intervals: app.settings,
		Logger:    logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, app.scheduler.Stop)

	app.sweeper = retention.NewSweeper(app.store, retention.Config{
		Days:         appConfig.RetentionDays,
		Interval:     appConfig.RetentionInterval,
		InitialDelay: appConfig.RetentionDelay,
		Logger:       logger,
	})
	app.closers = append(app.closers, app.sweeper.Stop)

	return app, nil
}

// Close stops background work in reverse construction order and closes the database.
func (a *application) Close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		a.closers[index]()
	}
	a.closers = nil
}
