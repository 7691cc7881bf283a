package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "CASTRELAY"
	defaultHTTPAddress  = "0.0.0.0:3000"
	defaultStorePath    = "data"
	defaultLogLevel     = "info"
	defaultHubBaseURL   = "https://hub.farcaster.example"
	defaultWindowSecs   = 60
	defaultMaxRequests  = 10
	defaultSweepMinutes = 60
	defaultMaxAgeHours  = 24
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	HubBaseURL     string
	ManagedAPIKey  string
	ManagedBaseURL string
	AppFID         uint64
	AppMnemonic    string
	SigningSecret  string
	StorePath      string
	RateWindow     time.Duration
	RateMax        int
	SweepInterval  time.Duration
	SessionMaxAge  time.Duration
	LogLevel       string
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("hub.base_url", defaultHubBaseURL)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("ratelimit.window_seconds", defaultWindowSecs)
	configViper.SetDefault("ratelimit.max_requests", defaultMaxRequests)
	configViper.SetDefault("sweep.interval_minutes", defaultSweepMinutes)
	configViper.SetDefault("sweep.max_age_hours", defaultMaxAgeHours)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		HubBaseURL:     configViper.GetString("hub.base_url"),
		ManagedAPIKey:  configViper.GetString("managed.api_key"),
		ManagedBaseURL: configViper.GetString("managed.base_url"),
		AppFID:         configViper.GetUint64("app.fid"),
		AppMnemonic:    configViper.GetString("app.mnemonic"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		StorePath:      configViper.GetString("store.path"),
		RateWindow:     time.Duration(configViper.GetInt("ratelimit.window_seconds")) * time.Second,
		RateMax:        configViper.GetInt("ratelimit.max_requests"),
		SweepInterval:  time.Duration(configViper.GetInt("sweep.interval_minutes")) * time.Minute,
		SessionMaxAge:  time.Duration(configViper.GetInt("sweep.max_age_hours")) * time.Hour,
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.HubBaseURL) == "" {
		return fmt.Errorf("hub.base_url is required")
	}
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("ratelimit.window_seconds must be positive")
	}
	if c.RateMax <= 0 {
		return fmt.Errorf("ratelimit.max_requests must be positive")
	}
	return nil
}
