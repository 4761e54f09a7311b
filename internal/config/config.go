package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PORTAL"
	defaultHTTPAddress  = "0.0.0.0:3000"
	defaultDBDriver     = "sqlite"
	defaultDatabasePath = "portal.db"
	defaultStoreTimeout = 5 * time.Second
	defaultLogLevel     = "info"
	defaultCookieName   = "portal_session"
	defaultSessionTTL   = 24 * time.Hour
	defaultBcryptCost   = 10
)

// ProviderConfig holds the OAuth client triple for one identity provider.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
}

// Enabled reports whether both client credentials are present.
func (p ProviderConfig) Enabled() bool {
	return strings.TrimSpace(p.ClientID) != "" && strings.TrimSpace(p.ClientSecret) != ""
}

// AppConfig captures runtime configuration for the portal server.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabasePath      string
	DatabaseDSN       string
	StoreTimeout      time.Duration
	SessionSecret     string
	SessionCookieName string
	SessionTTL        time.Duration
	SecureCookies     bool
	BcryptCost        int
	GitHub            ProviderConfig
	Google            ProviderConfig
	AllowedOrigins    []string
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDBDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("store.timeout", defaultStoreTimeout)
	configViper.SetDefault("session.secret", "")
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("session.secure_cookie", false)
	configViper.SetDefault("bcrypt.cost", defaultBcryptCost)
	configViper.SetDefault("github.client_id", "")
	configViper.SetDefault("github.client_secret", "")
	configViper.SetDefault("github.callback_url", "")
	configViper.SetDefault("google.client_id", "")
	configViper.SetDefault("google.client_secret", "")
	configViper.SetDefault("google.callback_url", "")
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		StoreTimeout:      configViper.GetDuration("store.timeout"),
		SessionSecret:     configViper.GetString("session.secret"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		SessionTTL:        configViper.GetDuration("session.ttl"),
		SecureCookies:     configViper.GetBool("session.secure_cookie"),
		BcryptCost:        configViper.GetInt("bcrypt.cost"),
		GitHub: ProviderConfig{
			ClientID:     configViper.GetString("github.client_id"),
			ClientSecret: configViper.GetString("github.client_secret"),
			CallbackURL:  configViper.GetString("github.callback_url"),
		},
		Google: ProviderConfig{
			ClientID:     configViper.GetString("google.client_id"),
			ClientSecret: configViper.GetString("google.client_secret"),
			CallbackURL:  configViper.GetString("google.callback_url"),
		},
		AllowedOrigins: splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store.timeout must be positive")
	}
	if c.GitHub.Enabled() && strings.TrimSpace(c.GitHub.CallbackURL) == "" {
		return fmt.Errorf("github.callback_url is required when github is configured")
	}
	if c.Google.Enabled() && strings.TrimSpace(c.Google.CallbackURL) == "" {
		return fmt.Errorf("google.callback_url is required when google is configured")
	}
	return nil
}

// Environment variables deliver lists as a single comma separated value.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
