// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Conflict strategies for an already existing target repository.
const (
	ConflictUseExisting = "use_existing"
	ConflictFail        = "fail"
)

// Storage drivers selected from DATABASE_URL.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for the application.
type Config struct {
	AppName     string `mapstructure:"APP_NAME" validate:"required"`
	AppVersion  string `mapstructure:"APP_VERSION" validate:"required"`
	Environment string `mapstructure:"ENVIRONMENT" validate:"required"`
	AppPort     int    `mapstructure:"APP_PORT" validate:"min=1,max=65535"`

	LogLevel    string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat   string `mapstructure:"LOG_FORMAT" validate:"oneof=json text"`
	LogFilePath string `mapstructure:"LOG_FILE_PATH"`

	GithubWebhookSecret  string `mapstructure:"GITHUB_WEBHOOK_SECRET" validate:"required"`
	GithubAppID          int64  `mapstructure:"GITHUB_APP_ID" validate:"gte=0"`
	GithubPrivateKey     string `mapstructure:"GITHUB_PRIVATE_KEY"`
	GithubPrivateKeyPath string `mapstructure:"GITHUB_PRIVATE_KEY_PATH"`
	GithubToken          string `mapstructure:"GITHUB_TOKEN"`
	GithubAPIURL         string `mapstructure:"GITHUB_API_URL" validate:"omitempty,url"`

	OneDevAPIURL           string `mapstructure:"ONEDEV_API_URL" validate:"required,url"`
	OneDevAPIToken         string `mapstructure:"ONEDEV_API_TOKEN" validate:"required"`
	OneDevRepoPrefix       string `mapstructure:"ONEDEV_REPO_PREFIX"`
	OneDevConflictStrategy string `mapstructure:"ONEDEV_CONFLICT_STRATEGY" validate:"oneof=use_existing fail"`

	DatabaseURL         string        `mapstructure:"DATABASE_URL" validate:"required"`
	DatabasePoolSize    int           `mapstructure:"DATABASE_POOL_SIZE" validate:"min=1"`
	DatabaseMaxOverflow int           `mapstructure:"DATABASE_MAX_OVERFLOW" validate:"min=0"`
	DatabasePoolRecycle time.Duration `mapstructure:"DATABASE_POOL_RECYCLE" validate:"gt=0"`

	GitCloneTimeout time.Duration `mapstructure:"GIT_CLONE_TIMEOUT" validate:"gt=0"`
	GitPushTimeout  time.Duration `mapstructure:"GIT_PUSH_TIMEOUT" validate:"gt=0"`
	GitTempDir      string        `mapstructure:"GIT_TEMP_DIR" validate:"required"`
	GitCloneDepth   int           `mapstructure:"GIT_CLONE_DEPTH" validate:"min=0"`

	MaxRetries         int           `mapstructure:"MAX_RETRIES" validate:"min=1"`
	RetryBackoffFactor float64       `mapstructure:"RETRY_BACKOFF_FACTOR" validate:"gte=1"`
	RetryMinWait       time.Duration `mapstructure:"RETRY_MIN_WAIT" validate:"gt=0"`
	RetryMaxWait       time.Duration `mapstructure:"RETRY_MAX_WAIT" validate:"gt=0,gtefield=RetryMinWait"`

	WebhookRateLimit  int  `mapstructure:"WEBHOOK_RATE_LIMIT" validate:"min=0"`
	CORSEnabled       bool `mapstructure:"CORS_ENABLED"`
	PrometheusEnabled bool `mapstructure:"PROMETHEUS_ENABLED"`
}

var defaults = map[string]any{
	"APP_NAME":                 "star-mirror",
	"APP_VERSION":              "0.1.0",
	"ENVIRONMENT":              "development",
	"APP_PORT":                 8000,
	"LOG_LEVEL":                "info",
	"LOG_FORMAT":               "json",
	"LOG_FILE_PATH":            "",
	"GITHUB_WEBHOOK_SECRET":    "",
	"GITHUB_APP_ID":            0,
	"GITHUB_PRIVATE_KEY":       "",
	"GITHUB_PRIVATE_KEY_PATH":  "",
	"GITHUB_TOKEN":             "",
	"GITHUB_API_URL":           "",
	"ONEDEV_API_URL":           "",
	"ONEDEV_API_TOKEN":         "",
	"ONEDEV_REPO_PREFIX":       "github-",
	"ONEDEV_CONFLICT_STRATEGY": ConflictUseExisting,
	"DATABASE_URL":             "sqlite://./dev.db",
	"DATABASE_POOL_SIZE":       10,
	"DATABASE_MAX_OVERFLOW":    20,
	"DATABASE_POOL_RECYCLE":    "1h",
	"GIT_CLONE_TIMEOUT":        "30m",
	"GIT_PUSH_TIMEOUT":         "30m",
	"GIT_TEMP_DIR":             "/tmp/git-sync",
	"GIT_CLONE_DEPTH":          0,
	"MAX_RETRIES":              3,
	"RETRY_BACKOFF_FACTOR":     2,
	"RETRY_MIN_WAIT":           "4s",
	"RETRY_MAX_WAIT":           "60s",
	"WEBHOOK_RATE_LIMIT":       100,
	"CORS_ENABLED":             false,
	"PROMETHEUS_ENABLED":       true,
}

// LoadConfig reads configuration from an optional .env file and environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if file not found

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := newValidator().Struct(&cfg); err != nil {
		return nil, describeValidationError(err)
	}

	if cfg.GithubToken == "" && cfg.GithubAppID == 0 {
		return nil, errors.New("either GITHUB_TOKEN or GITHUB_APP_ID with a private key must be configured")
	}
	if cfg.GithubAppID != 0 && cfg.GithubPrivateKey == "" && cfg.GithubPrivateKeyPath == "" {
		return nil, errors.New("GITHUB_APP_ID requires GITHUB_PRIVATE_KEY or GITHUB_PRIVATE_KEY_PATH")
	}
	if cfg.DatabaseDriver() == "" {
		return nil, fmt.Errorf("DATABASE_URL has an unsupported scheme: %q", cfg.DatabaseURL)
	}

	return &cfg, nil
}

// GithubPrivateKeyPEM returns the GitHub App private key, preferring the inline value.
func (c *Config) GithubPrivateKeyPEM() ([]byte, error) {
	if c.GithubPrivateKey != "" {
		// Keys passed through env files often carry literal "\n" sequences.
		return []byte(strings.ReplaceAll(c.GithubPrivateKey, `\n`, "\n")), nil
	}
	if c.GithubPrivateKeyPath != "" {
		data, err := os.ReadFile(c.GithubPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading GitHub private key: %w", err)
		}
		return data, nil
	}
	return nil, errors.New("either GITHUB_PRIVATE_KEY or GITHUB_PRIVATE_KEY_PATH must be set")
}

// DatabaseDriver returns DriverPostgres or DriverSQLite depending on DATABASE_URL,
// or "" for an unsupported scheme.
func (c *Config) DatabaseDriver() string {
	switch {
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return DriverPostgres
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"), !strings.Contains(c.DatabaseURL, "://"):
		return DriverSQLite
	default:
		return ""
	}
}

// SQLitePath returns the database file path of a sqlite DATABASE_URL.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

// DatabaseMaxConns is the pool ceiling: base size plus overflow.
func (c *Config) DatabaseMaxConns() int32 {
	return int32(c.DatabasePoolSize + c.DatabaseMaxOverflow)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report env variable names rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("mapstructure")
	})
	return v
}

func describeValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
	}
	return errors.New("invalid configuration: " + strings.Join(msgs, "; "))
}
