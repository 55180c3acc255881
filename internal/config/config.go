package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "TAGPADRIN"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "tag-padrin.db"
	defaultLogLevel             = "info"
	defaultTokenTTLMinutes      = 60
	defaultSyncIntervalSeconds  = 60
	defaultChunkSize            = 20
	defaultPacingMilliseconds   = 100
	defaultRetentionDays        = 7
	defaultRetentionHours       = 24
	defaultRetentionDelaySecond = 60
	defaultForwardTimeoutSecond = 10

	KeyHTTPAddress           = "http.address"
	KeyDatabasePath          = "database.path"
	KeyLogLevel              = "log.level"
	KeySigningSecret         = "auth.signing_secret"
	KeyTokenTTLMinutes       = "auth.token_ttl_minutes"
	KeyProviderBaseURL       = "brgps.base_url"
	KeyProviderToken         = "brgps.api_token"
	KeyDefaultSinkURL        = "traccar.default_url"
	KeyForwardTimeoutSeconds = "traccar.timeout_seconds"
	KeySyncIntervalSeconds   = "sync.default_interval_seconds"
	KeyChunkSize             = "sync.chunk_size"
	KeyPacingMilliseconds    = "sync.pacing_ms"
	KeyRetentionDays         = "retention.days"
	KeyRetentionHours        = "retention.interval_hours"
	KeyRetentionDelaySeconds = "retention.initial_delay_seconds"
)

// AppConfig captures runtime configuration for the bridge.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	SigningSecret       string
	TokenTTL            time.Duration
	ProviderBaseURL     string
	ProviderToken       string
	DefaultSinkURL      string
	ForwardTimeout      time.Duration
	SyncIntervalSeconds int
	ChunkSize           int
	PacingInterval      time.Duration
	RetentionDays       int
	RetentionInterval   time.Duration
	RetentionDelay      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
	configViper.SetDefault(KeyTokenTTLMinutes, defaultTokenTTLMinutes)
	configViper.SetDefault(KeyProviderBaseURL, "")
	configViper.SetDefault(KeyProviderToken, "")
	configViper.SetDefault(KeyDefaultSinkURL, "")
	configViper.SetDefault(KeyForwardTimeoutSeconds, defaultForwardTimeoutSecond)
	configViper.SetDefault(KeySyncIntervalSeconds, defaultSyncIntervalSeconds)
	configViper.SetDefault(KeyChunkSize, defaultChunkSize)
	configViper.SetDefault(KeyPacingMilliseconds, defaultPacingMilliseconds)
	configViper.SetDefault(KeyRetentionDays, defaultRetentionDays)
	configViper.SetDefault(KeyRetentionHours, defaultRetentionHours)
	configViper.SetDefault(KeyRetentionDelaySeconds, defaultRetentionDelaySecond)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString(KeyHTTPAddress),
		DatabasePath:        configViper.GetString(KeyDatabasePath),
		LogLevel:            configViper.GetString(KeyLogLevel),
		SigningSecret:       configViper.GetString(KeySigningSecret),
		TokenTTL:            time.Duration(configViper.GetInt(KeyTokenTTLMinutes)) * time.Minute,
		ProviderBaseURL:     strings.TrimSpace(configViper.GetString(KeyProviderBaseURL)),
		ProviderToken:       strings.TrimSpace(configViper.GetString(KeyProviderToken)),
		DefaultSinkURL:      strings.TrimSpace(configViper.GetString(KeyDefaultSinkURL)),
		ForwardTimeout:      time.Duration(configViper.GetInt(KeyForwardTimeoutSeconds)) * time.Second,
		SyncIntervalSeconds: configViper.GetInt(KeySyncIntervalSeconds),
		ChunkSize:           configViper.GetInt(KeyChunkSize),
		PacingInterval:      time.Duration(configViper.GetInt(KeyPacingMilliseconds)) * time.Millisecond,
		RetentionDays:       configViper.GetInt(KeyRetentionDays),
		RetentionInterval:   time.Duration(configViper.GetInt(KeyRetentionHours)) * time.Hour,
		RetentionDelay:      time.Duration(configViper.GetInt(KeyRetentionDelaySeconds)) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("%s is required", KeySigningSecret)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("%s is required", KeyDatabasePath)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("%s must be positive", KeyTokenTTLMinutes)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%s must be positive", KeyChunkSize)
	}
	if c.PacingInterval < 0 {
		return fmt.Errorf("%s must not be negative", KeyPacingMilliseconds)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("%s must not be negative", KeyRetentionDays)
	}
	return nil
}
