package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "CLICK_TRANSLATE"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabaseDrv   = "sqlite"
	defaultDatabaseDSN   = "click_translate.db"
	defaultLogLevel      = "info"
	defaultTokenTTL      = 86400
	defaultRelayURL      = "https://api.modelarts-maas.com/v1/chat/completions"
	defaultRelayModel    = "DeepSeek-V3"
	defaultRelayCacheLen = 256
	defaultAllowOrigins  = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	LogLevel       string
	DatabaseDriver string
	DatabaseDSN    string
	JWTSecret      string
	GuestTokenTTL  time.Duration
	LocalTokenTTL  time.Duration
	AllowedOrigins []string
	Relay          RelayConfig
}

// RelayConfig describes the upstream chat-completions target and its defaults.
type RelayConfig struct {
	URL         string
	APIKey      string
	Model       string
	Temperature float64
	Stream      bool
	Cache       bool
	CacheSize   int
	RequireAuth bool
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDrv)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.jwt_secret", "")
	configViper.SetDefault("auth.guest_ttl_seconds", defaultTokenTTL)
	configViper.SetDefault("auth.local_ttl_seconds", defaultTokenTTL)
	configViper.SetDefault("relay.url", defaultRelayURL)
	configViper.SetDefault("relay.api_key", "")
	configViper.SetDefault("relay.model", defaultRelayModel)
	configViper.SetDefault("relay.temperature", 0.0)
	configViper.SetDefault("relay.stream", true)
	configViper.SetDefault("relay.cache", false)
	configViper.SetDefault("relay.cache_size", defaultRelayCacheLen)
	configViper.SetDefault("relay.require_auth", false)
	configViper.SetDefault("cors.allow_origins", defaultAllowOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		LogLevel:       configViper.GetString("log.level"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		JWTSecret:      configViper.GetString("auth.jwt_secret"),
		GuestTokenTTL:  time.Duration(configViper.GetInt64("auth.guest_ttl_seconds")) * time.Second,
		LocalTokenTTL:  time.Duration(configViper.GetInt64("auth.local_ttl_seconds")) * time.Second,
		AllowedOrigins: splitOrigins(configViper.GetString("cors.allow_origins")),
		Relay: RelayConfig{
			URL:         strings.TrimSpace(configViper.GetString("relay.url")),
			APIKey:      strings.TrimSpace(configViper.GetString("relay.api_key")),
			Model:       strings.TrimSpace(configViper.GetString("relay.model")),
			Temperature: configViper.GetFloat64("relay.temperature"),
			Stream:      configViper.GetBool("relay.stream"),
			Cache:       configViper.GetBool("relay.cache"),
			CacheSize:   configViper.GetInt("relay.cache_size"),
			RequireAuth: configViper.GetBool("relay.require_auth"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.GuestTokenTTL <= 0 {
		return fmt.Errorf("auth.guest_ttl_seconds must be positive")
	}
	if c.LocalTokenTTL <= 0 {
		return fmt.Errorf("auth.local_ttl_seconds must be positive")
	}
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.Relay.Cache && c.Relay.CacheSize <= 0 {
		return fmt.Errorf("relay.cache_size must be positive when relay.cache is enabled")
	}
	return nil
}

func splitOrigins(raw string) []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{defaultAllowOrigins}
	}
	return origins
}
