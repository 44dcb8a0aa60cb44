package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "TIDESYNC"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "tidesync.db"
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "tidesync-auth"
	defaultAuthAudience      = "tidesync-api"
	defaultCookieName        = "app_session"
	defaultTokenTTLMinutes   = 60
	defaultPokeBuffer        = 16
	defaultHeartbeatSeconds  = 15
	defaultServerURL         = "http://127.0.0.1:8080"
	defaultClientDatabase    = "tidesync-client.db"
	defaultBulkThreshold     = 100
	defaultRequestTimeoutSec = 30
)

// AppConfig captures runtime configuration for the sync API server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	AuthIssuer        string
	AuthAudience      string
	CookieName        string
	TokenTTL          time.Duration
	PokeBuffer        int
	HeartbeatInterval time.Duration
}

// AuthEnabled reports whether requests are authenticated with session tokens.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.SigningSecret) != ""
}

// ClientConfig captures runtime configuration for a replica.
type ClientConfig struct {
	ServerURL      string
	DatabasePath   string
	UserID         string
	Token          string
	LogLevel       string
	BulkThreshold  int
	RequestTimeout time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures server defaults and env bindings on the provided
// viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	applyEnv(configViper)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.poke_buffer", defaultPokeBuffer)
	configViper.SetDefault("sync.heartbeat_seconds", defaultHeartbeatSeconds)
}

// ApplyClientDefaults configures replica defaults and env bindings.
func ApplyClientDefaults(configViper *viper.Viper) {
	applyEnv(configViper)
	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("database.path", defaultClientDatabase)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.bulk_threshold", defaultBulkThreshold)
	configViper.SetDefault("sync.request_timeout_seconds", defaultRequestTimeoutSec)
}

func applyEnv(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
}

// ReadConfigFile reads the config file at path into configViper. An explicit
// path must exist and parse; without one, a missing default file is ignored.
func ReadConfigFile(configViper *viper.Viper, path string) error {
	if strings.TrimSpace(path) != "" {
		configViper.SetConfigFile(path)
		if err := configViper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	if err := configViper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		CookieName:        configViper.GetString("auth.cookie_name"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		PokeBuffer:        configViper.GetInt("sync.poke_buffer"),
		HeartbeatInterval: time.Duration(configViper.GetInt("sync.heartbeat_seconds")) * time.Second,
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
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PokeBuffer <= 0 {
		return fmt.Errorf("sync.poke_buffer must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("sync.heartbeat_seconds must be positive")
	}
	if !c.AuthEnabled() {
		return nil
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" || strings.TrimSpace(c.AuthAudience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

// LoadClient parses replica configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:      configViper.GetString("server.url"),
		DatabasePath:   configViper.GetString("database.path"),
		UserID:         configViper.GetString("user"),
		Token:          configViper.GetString("token"),
		LogLevel:       configViper.GetString("log.level"),
		BulkThreshold:  configViper.GetInt("sync.bulk_threshold"),
		RequestTimeout: time.Duration(configViper.GetInt("sync.request_timeout_seconds")) * time.Second,
	}
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// SyncURL is the base url of the sync route group.
func (c ClientConfig) SyncURL() string {
	return strings.TrimRight(c.ServerURL, "/") + "/sync"
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("server.url must be an absolute url")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("user is required")
	}
	if c.BulkThreshold <= 0 {
		return fmt.Errorf("sync.bulk_threshold must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout_seconds must be positive")
	}
	return nil
}
