package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "BOOKSWAP"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "bookswap.db"
	defaultLogLevel      = "info"
	defaultTokenTTLMin   = 30
	defaultSessionIssuer = "tauth"
	defaultSignupBonus   = 100
	defaultListingBonus  = 10
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SessionSigningKey string
	SessionIssuer     string
	TokenTTL          time.Duration
	SignupBonus       int64
	ListingBonus      int64
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.session_issuer", defaultSessionIssuer)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("points.signup_bonus", defaultSignupBonus)
	configViper.SetDefault("points.listing_bonus", defaultListingBonus)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SessionSigningKey: configViper.GetString("auth.signing_secret"),
		SessionIssuer:     configViper.GetString("auth.session_issuer"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		SignupBonus:       configViper.GetInt64("points.signup_bonus"),
		ListingBonus:      configViper.GetInt64("points.listing_bonus"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("auth.session_issuer is required")
	}
	if c.SignupBonus < 0 {
		return fmt.Errorf("points.signup_bonus must not be negative")
	}
	if c.ListingBonus < 0 {
		return fmt.Errorf("points.listing_bonus must not be negative")
	}
	return nil
}
