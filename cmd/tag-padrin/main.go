package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Jorge-Nunes/tag-padrin/internal/auth"
	"github.com/Jorge-Nunes/tag-padrin/internal/config"
	"github.com/Jorge-Nunes/tag-padrin/internal/logging"
	"github.com/Jorge-Nunes/tag-padrin/internal/server"
	"github.com/Jorge-Nunes/tag-padrin/internal/syncengine"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile      string
	tokenSubject string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tag-padrin",
		Short: "BRGPS position poller and Traccar forwarder",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one manual sync cycle and print its statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueToken(cmd.Context())
		},
	}
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "Subject recorded on the issued token")

	setupFlags(rootCmd)
	rootCmd.AddCommand(syncCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt(config.KeyTokenTTLMinutes), "Admin token TTL in minutes")
	cmd.PersistentFlags().String("brgps-base-url", "", "BRGPS API base URL used to seed settings")
	cmd.PersistentFlags().String("traccar-url", "", "Default Traccar OsmAnd endpoint used to seed settings")
	cmd.PersistentFlags().Int("chunk-size", defaults.GetInt(config.KeyChunkSize), "Devices per batch request")
	cmd.PersistentFlags().Int("retention-days", defaults.GetInt(config.KeyRetentionDays), "Days of history to keep (0 disables pruning)")

	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyDatabasePath, "database-path")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
	bindFlag(cmd, config.KeySigningSecret, "signing-secret")
	bindFlag(cmd, config.KeyTokenTTLMinutes, "token-ttl-minutes")
	bindFlag(cmd, config.KeyProviderBaseURL, "brgps-base-url")
	bindFlag(cmd, config.KeyDefaultSinkURL, "traccar-url")
	bindFlag(cmd, config.KeyChunkSize, "chunk-size")
	bindFlag(cmd, config.KeyRetentionDays, "retention-days")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: app.tokens,
		Engine:       app.engine,
		Records:      app.store,
		Settings:     app.settings,
		Scheduler:    app.scheduler,
		Realtime:     app.realtime,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	app.scheduler.Start(signalCtx)
	app.sweeper.Start(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runOnce(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.engine.RunCycle(signalCtx, syncengine.TriggerManual)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(encoded))
	return err
}

func issueToken(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueAdminToken(ctx, tokenSubject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(os.Stdout, "%s\n# expires in %ds\n", token, expiresIn)
	return err
}
