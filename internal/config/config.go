package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "BUZZVAR"
	defaultStatusAddress     = "0.0.0.0:8080"
	defaultDatabasePath      = "buzzvar.db"
	defaultLogLevel          = "info"
	defaultSessionIssuer     = "buzzvar"
	defaultHeartbeatInterval = 30 * time.Second
	defaultPollInterval      = 5 * time.Second
	defaultCheckInterval     = 30 * time.Second
	defaultBatchWindow       = 300 * time.Millisecond
	defaultGeofenceRadius    = 100.0
)

// AppConfig captures runtime configuration for the realtime agent.
type AppConfig struct {
	StatusAddress     string
	WebsocketURL      string
	PollBaseURL       string
	ActorID           string
	SessionSigningKey string
	SessionIssuer     string
	DatabasePath      string
	RedisAddress      string
	Channels          []string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	CheckInterval     time.Duration
	BatchWindow       time.Duration
	GeofenceRadius    float64
	LogLevel          string
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

	configViper.SetDefault("status.address", defaultStatusAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("realtime.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("realtime.poll_interval", defaultPollInterval)
	configViper.SetDefault("realtime.check_interval", defaultCheckInterval)
	configViper.SetDefault("realtime.batch_window", defaultBatchWindow)
	configViper.SetDefault("geofence.radius_meters", defaultGeofenceRadius)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		StatusAddress:     configViper.GetString("status.address"),
		WebsocketURL:      configViper.GetString("realtime.websocket_url"),
		PollBaseURL:       configViper.GetString("realtime.poll_base_url"),
		ActorID:           configViper.GetString("realtime.actor_id"),
		SessionSigningKey: configViper.GetString("session.signing_secret"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		DatabasePath:      configViper.GetString("database.path"),
		RedisAddress:      configViper.GetString("redis.address"),
		Channels:          splitChannels(configViper.GetString("realtime.channels")),
		HeartbeatInterval: configViper.GetDuration("realtime.heartbeat_interval"),
		PollInterval:      configViper.GetDuration("realtime.poll_interval"),
		CheckInterval:     configViper.GetDuration("realtime.check_interval"),
		BatchWindow:       configViper.GetDuration("realtime.batch_window"),
		GeofenceRadius:    configViper.GetFloat64("geofence.radius_meters"),
		LogLevel:          configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.WebsocketURL) == "" {
		return fmt.Errorf("realtime.websocket_url is required")
	}
	if strings.TrimSpace(c.PollBaseURL) == "" {
		return fmt.Errorf("realtime.poll_base_url is required")
	}
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_interval must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("realtime.poll_interval must be positive")
	}
	if c.BatchWindow < 0 {
		return fmt.Errorf("realtime.batch_window must not be negative")
	}
	if c.GeofenceRadius <= 0 {
		return fmt.Errorf("geofence.radius_meters must be positive")
	}
	return nil
}

func splitChannels(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	channels := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			channels = append(channels, trimmed)
		}
	}
	return channels
}
