package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"DATABASE_DRIVER", "DATABASE_URL", "STORAGE_BUCKET", "LOCAL_STORAGE",
	"EMAIL_PROVIDER", "EMAIL_FROM", "EMAIL_FROM_NAME", "BREVO_API_KEY", "BREVO_ENDPOINT",
	"GOOGLE_CREDENTIALS_JSON", "PORT", "BASE_URL", "SEARCH_BASE_URL",
	"MAX_RETRIES", "REFRESH_INTERVAL_MINUTES", "MAX_ITEMS_PER_CYCLE", "POLL_TICK_SECONDS",
	"REQUEST_DELAY_SECONDS", "NOTIFICATION_COOLDOWN_HOURS", "FETCH_TIMEOUT_SECONDS",
}

// clearEnv blanks every variable Load reads; blank values count as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.RequestDelay(); got != 1500*time.Millisecond {
		t.Errorf("RequestDelay() = %v, want 1.5s", got)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if got := cfg.RefreshInterval(); got != time.Hour {
		t.Errorf("RefreshInterval() = %v, want 1h", got)
	}
	if cfg.MaxItemsPerCycle != 20 {
		t.Errorf("MaxItemsPerCycle = %d, want 20", cfg.MaxItemsPerCycle)
	}
	if got := cfg.NotificationCooldown(); got != 24*time.Hour {
		t.Errorf("NotificationCooldown() = %v, want 24h", got)
	}
	if got := cfg.FetchTimeout(); got != 10*time.Second {
		t.Errorf("FetchTimeout() = %v, want 10s", got)
	}
	if got := cfg.PollTick(); got != time.Minute {
		t.Errorf("PollTick() = %v, want 1m", got)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Email.Provider != "mock" || cfg.Port != "8080" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)

	yamlPath := writeFile(t, "config.yaml", `
requestDelaySeconds: 0.5
maxRetries: 5
maxItemsPerCycle: 10
database:
  driver: postgres
  dsn: postgres://file
storage:
  bucket: snapshots
  localPath: /var/snapshots
email:
  fromName: Deals Desk
baseUrl: https://deals.example.com
`)
	envPath := writeFile(t, ".env", "MAX_RETRIES=7\nDATABASE_URL=postgres://dotenv\nPORT=9000\n")
	t.Setenv("DATABASE_URL", "postgres://env")

	cfg, err := Load(yamlPath, envPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"yaml only", cfg.RequestDelay(), 500 * time.Millisecond},
		{"yaml only int", cfg.MaxItemsPerCycle, 10},
		{"dotenv over yaml", cfg.MaxRetries, 7},
		{"env over dotenv", cfg.Database.DSN, "postgres://env"},
		{"dotenv over default", cfg.Port, "9000"},
		{"yaml nested", cfg.Storage.Bucket, "snapshots"},
		{"yaml nested camelCase", cfg.Storage.LocalPath, "/var/snapshots"},
		{"yaml email camelCase", cfg.Email.FromName, "Deals Desk"},
		{"yaml top-level camelCase", cfg.BaseURL, "https://deals.example.com"},
		{"default kept", cfg.PollTickSeconds, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoadMissingEnvFileIgnored(t *testing.T) {
	clearEnv(t)
	if _, err := Load("", filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("Load() error = %v, want nil", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		yaml  string
		field string
	}{
		{"bad int", map[string]string{"MAX_RETRIES": "three"}, "", "MAX_RETRIES"},
		{"bad float", map[string]string{"REQUEST_DELAY_SECONDS": "soon"}, "", "REQUEST_DELAY_SECONDS"},
		{"negative delay", map[string]string{"REQUEST_DELAY_SECONDS": "-1"}, "", "requestDelaySeconds"},
		{"zero items", map[string]string{"MAX_ITEMS_PER_CYCLE": "0"}, "", "maxItemsPerCycle"},
		{"zero interval", nil, "refreshIntervalMinutes: 0\n", "refreshIntervalMinutes"},
		{"unknown driver", map[string]string{"DATABASE_DRIVER": "mysql"}, "", "database.driver"},
		{"unknown provider", map[string]string{"EMAIL_PROVIDER": "smtp"}, "", "email.provider"},
		{"brevo without key", map[string]string{"EMAIL_PROVIDER": "brevo", "EMAIL_FROM": "a@example.com"}, "", "email.brevoApiKey"},
		{"brevo without from", map[string]string{"EMAIL_PROVIDER": "brevo", "BREVO_API_KEY": "k"}, "", "email.from"},
		{"malformed yaml", nil, "maxRetries: [\n", "file"},
		{"relative search url", map[string]string{"SEARCH_BASE_URL": "www.amazon.de"}, "", "searchBaseUrl"},
		{"search url without host", nil, "searchBaseUrl: \"https://\"\n", "searchBaseUrl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, "config.yaml", tt.yaml)
			}

			_, err := Load(path, "")
			var cfgErr *Error
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Load() error = %v, want *Error", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want ErrNotExist", err)
	}
}
