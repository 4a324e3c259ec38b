// Package config loads service settings from an optional YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Error reports an invalid or unreadable setting.
type Error struct {
	Err    error
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// StorageConfig selects where raw page snapshots are archived.
// Bucket wins over LocalPath; with neither set archiving is off.
type StorageConfig struct {
	Bucket    string `yaml:"bucket"`
	LocalPath string `yaml:"localPath"`
}

// EmailConfig selects and configures the notification email provider.
type EmailConfig struct {
	Provider              string `yaml:"provider"` // mock, gmail or brevo
	From                  string `yaml:"from"`
	FromName              string `yaml:"fromName"`
	BrevoAPIKey           string `yaml:"brevoApiKey"`
	BrevoEndpoint         string `yaml:"brevoEndpoint"`
	GoogleCredentialsJSON string `yaml:"googleCredentialsJson"`
}

// Config is the complete service configuration.
type Config struct {
	Database                  DatabaseConfig `yaml:"database"`
	Email                     EmailConfig    `yaml:"email"`
	Storage                   StorageConfig  `yaml:"storage"`
	Port                      string         `yaml:"port"`
	BaseURL                   string         `yaml:"baseUrl"`
	SearchBaseURL             string         `yaml:"searchBaseUrl"` // Storefront queried by product search
	RequestDelaySeconds       float64        `yaml:"requestDelaySeconds"`
	NotificationCooldownHours float64        `yaml:"notificationCooldownHours"`
	FetchTimeoutSeconds       float64        `yaml:"fetchTimeoutSeconds"`
	MaxRetries                int            `yaml:"maxRetries"`
	RefreshIntervalMinutes    int            `yaml:"refreshIntervalMinutes"`
	MaxItemsPerCycle          int            `yaml:"maxItemsPerCycle"`
	PollTickSeconds           int            `yaml:"pollTickSeconds"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		RequestDelaySeconds:       1.5,
		MaxRetries:                3,
		RefreshIntervalMinutes:    60,
		MaxItemsPerCycle:          20,
		NotificationCooldownHours: 24,
		FetchTimeoutSeconds:       10,
		PollTickSeconds:           60,
		Database:                  DatabaseConfig{Driver: "sqlite", DSN: "pricewatch.db"},
		Email:                     EmailConfig{Provider: "mock", FromName: "Pricewatch"},
		Port:                      "8080",
		BaseURL:                   "http://localhost:8080",
		SearchBaseURL:             "https://www.amazon.it",
	}
}

// Load builds the configuration. path names an optional YAML file and envFile
// an optional dotenv file; either may be empty. Process environment variables
// override both files.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &Error{Field: "file", Reason: "read " + path, Err: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &Error{Field: "file", Reason: "parse " + path, Err: err}
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		var err error
		dotenv, err = godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Field: "env_file", Reason: "read " + envFile, Err: err}
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok && v != ""
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"DATABASE_DRIVER", &cfg.Database.Driver},
		{"DATABASE_URL", &cfg.Database.DSN},
		{"STORAGE_BUCKET", &cfg.Storage.Bucket},
		{"LOCAL_STORAGE", &cfg.Storage.LocalPath},
		{"EMAIL_PROVIDER", &cfg.Email.Provider},
		{"EMAIL_FROM", &cfg.Email.From},
		{"EMAIL_FROM_NAME", &cfg.Email.FromName},
		{"BREVO_API_KEY", &cfg.Email.BrevoAPIKey},
		{"BREVO_ENDPOINT", &cfg.Email.BrevoEndpoint},
		{"GOOGLE_CREDENTIALS_JSON", &cfg.Email.GoogleCredentialsJSON},
		{"PORT", &cfg.Port},
		{"BASE_URL", &cfg.BaseURL},
		{"SEARCH_BASE_URL", &cfg.SearchBaseURL},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_RETRIES", &cfg.MaxRetries},
		{"REFRESH_INTERVAL_MINUTES", &cfg.RefreshIntervalMinutes},
		{"MAX_ITEMS_PER_CYCLE", &cfg.MaxItemsPerCycle},
		{"POLL_TICK_SECONDS", &cfg.PollTickSeconds},
	}
	for _, i := range ints {
		v, ok := lookup(i.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Field: i.key, Reason: "not an integer", Err: err}
		}
		*i.dst = n
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"REQUEST_DELAY_SECONDS", &cfg.RequestDelaySeconds},
		{"NOTIFICATION_COOLDOWN_HOURS", &cfg.NotificationCooldownHours},
		{"FETCH_TIMEOUT_SECONDS", &cfg.FetchTimeoutSeconds},
	}
	for _, f := range floats {
		v, ok := lookup(f.key)
		if !ok {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &Error{Field: f.key, Reason: "not a number", Err: err}
		}
		*f.dst = n
	}
	return nil
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	switch {
	case c.RequestDelaySeconds < 0:
		return &Error{Field: "requestDelaySeconds", Reason: "must not be negative"}
	case c.MaxRetries < 0:
		return &Error{Field: "maxRetries", Reason: "must not be negative"}
	case c.RefreshIntervalMinutes <= 0:
		return &Error{Field: "refreshIntervalMinutes", Reason: "must be positive"}
	case c.MaxItemsPerCycle <= 0:
		return &Error{Field: "maxItemsPerCycle", Reason: "must be positive"}
	case c.NotificationCooldownHours <= 0:
		return &Error{Field: "notificationCooldownHours", Reason: "must be positive"}
	case c.FetchTimeoutSeconds <= 0:
		return &Error{Field: "fetchTimeoutSeconds", Reason: "must be positive"}
	case c.PollTickSeconds <= 0:
		return &Error{Field: "pollTickSeconds", Reason: "must be positive"}
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return &Error{Field: "database.driver", Reason: fmt.Sprintf("unsupported driver %q", c.Database.Driver)}
	}
	if c.Database.DSN == "" {
		return &Error{Field: "database.dsn", Reason: "required"}
	}

	switch c.Email.Provider {
	case "mock", "gmail":
	case "brevo":
		if c.Email.BrevoAPIKey == "" {
			return &Error{Field: "email.brevoApiKey", Reason: "required for the brevo provider"}
		}
		if c.Email.From == "" {
			return &Error{Field: "email.from", Reason: "required for the brevo provider"}
		}
	default:
		return &Error{Field: "email.provider", Reason: fmt.Sprintf("unsupported provider %q", c.Email.Provider)}
	}

	if c.Port == "" {
		return &Error{Field: "port", Reason: "required"}
	}
	if u, err := url.Parse(c.SearchBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &Error{Field: "searchBaseUrl", Reason: "must be an absolute http or https URL", Err: err}
	}
	return nil
}

// RequestDelay is the pause between two page fetches of a cycle.
func (c *Config) RequestDelay() time.Duration {
	return time.Duration(c.RequestDelaySeconds * float64(time.Second))
}

// RefreshInterval is the minimum time between the starts of two cycles.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMinutes) * time.Minute
}

// NotificationCooldown is the minimum time between two notifications of one rule.
func (c *Config) NotificationCooldown() time.Duration {
	return time.Duration(c.NotificationCooldownHours * float64(time.Hour))
}

// FetchTimeout bounds a single page request.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds * float64(time.Second))
}

// PollTick is how often the driver checks whether a cycle is due.
func (c *Config) PollTick() time.Duration {
	return time.Duration(c.PollTickSeconds) * time.Second
}
