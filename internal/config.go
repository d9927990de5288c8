package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/larder/internal/auth"
	"github.com/starford/larder/internal/notify"
	"github.com/starford/larder/internal/tracker"
)

// Backend drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Backend BackendConfig     `yaml:"backend"`
	Auth    AuthConfig        `yaml:"auth"`
	Notify  NotifyConfig      `yaml:"notify"`
	Sync    SyncConfig        `yaml:"sync"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// TrackerOptions returns the session timings.
func (c *Config) TrackerOptions() tracker.Options {
	opts := tracker.DefaultOptions()
	opts.NotifyInterval = c.Notify.Interval
	opts.DailyAt = c.Notify.Clock()
	opts.ResyncInterval = c.Sync.ResyncInterval
	opts.Backoff = c.Sync.ResubscribeBackoff
	opts.MaxBackoff = c.Sync.MaxBackoff
	return opts
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.CORSOrigins, validation.Each(validation.Required)),
	)
}

// BackendConfig selects the record store and the image bucket.
type BackendConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Blobs    BlobsConfig    `yaml:"blobs"`
}

// Validate validates the backend configuration.
func (c *BackendConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverSQLite, DriverPostgres)),
	); err != nil {
		return err
	}
	switch c.Driver {
	case DriverSQLite:
		if err := c.SQLite.Validate(); err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
	case DriverPostgres:
		if err := c.Postgres.Validate(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if err := c.Blobs.Validate(); err != nil {
		return fmt.Errorf("blobs: %w", err)
	}
	return nil
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
	// PollInterval bounds change feed latency when file events are missed.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(10*time.Millisecond)),
	)
}

// PostgresConfig holds the Postgres connection string.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// Validate validates the Postgres configuration.
func (c *PostgresConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DSN, validation.Required),
	)
}

// BlobsConfig holds the image bucket location.
type BlobsConfig struct {
	Root          string `yaml:"root"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// Validate validates the bucket configuration.
func (c *BlobsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
		validation.Field(&c.PublicBaseURL, validation.Required, is.RequestURL),
	)
}

// AuthConfig holds identity provider configuration.
type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	SessionFile       string        `yaml:"session_file"`
	MinPasswordLength int           `yaml:"min_password_length"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.JWTSecret, validation.Required, validation.RuneLength(16, 0)),
		validation.Field(&c.SessionTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.SessionFile, validation.Required),
		validation.Field(&c.MinPasswordLength, validation.Required, validation.Min(6)),
	)
}

// ProviderConfig converts c for auth.NewProvider.
func (c *AuthConfig) ProviderConfig() auth.Config {
	return auth.Config{
		Secret:            c.JWTSecret,
		TTL:               c.SessionTTL,
		SessionFile:       c.SessionFile,
		MinPasswordLength: c.MinPasswordLength,
	}
}

// NotifyConfig holds expiry alert configuration.
type NotifyConfig struct {
	// Interval is the coarse scan period; 0 disables it.
	Interval time.Duration `yaml:"interval"`
	// DailyAt is the local "HH:MM" of the daily scan.
	DailyAt    string `yaml:"daily_at"`
	Permission string `yaml:"permission"`
}

// Validate validates the notify configuration.
func (c *NotifyConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Interval, validation.Min(time.Duration(0))),
		validation.Field(&c.DailyAt, validation.Required, validation.By(func(any) error {
			_, err := notify.ParseClock(c.DailyAt)
			return err
		})),
		validation.Field(&c.Permission, validation.By(func(any) error {
			_, err := notify.ParsePermission(c.Permission)
			return err
		})),
	)
}

// Clock returns the parsed daily scan time, or the default when invalid.
func (c *NotifyConfig) Clock() notify.Clock {
	at, err := notify.ParseClock(c.DailyAt)
	if err != nil {
		return notify.DefaultDailyAt
	}
	return at
}

// PermissionState returns the initial alert permission.
func (c *NotifyConfig) PermissionState() notify.Permission {
	p, err := notify.ParsePermission(c.Permission)
	if err != nil {
		return notify.PermissionPrompt
	}
	return p
}

// SyncConfig holds change feed recovery configuration.
type SyncConfig struct {
	// ResyncInterval is the full reload period; 0 disables it.
	ResyncInterval     time.Duration `yaml:"resync_interval"`
	ResubscribeBackoff time.Duration `yaml:"resubscribe_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ResyncInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.ResubscribeBackoff, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxBackoff, validation.Required),
	); err != nil {
		return err
	}
	if c.MaxBackoff < c.ResubscribeBackoff {
		return errors.New("max_backoff must not be below resubscribe_backoff")
	}
	return nil
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Backend: BackendConfig{
			Driver: DriverSQLite,
			SQLite: SQLiteConfig{
				Path:         "./larder.db",
				PollInterval: 2 * time.Second,
			},
			Blobs: BlobsConfig{
				Root:          "./images",
				PublicBaseURL: "http://localhost:8080/api/blobs",
			},
		},
		Auth: AuthConfig{
			SessionTTL:        720 * time.Hour,
			SessionFile:       "./.larder-session.json",
			MinPasswordLength: 6,
		},
		Notify: NotifyConfig{
			Interval:   6 * time.Hour,
			DailyAt:    notify.DefaultDailyAt.String(),
			Permission: string(notify.PermissionPrompt),
		},
		Sync: SyncConfig{
			ResyncInterval:     15 * time.Minute,
			ResubscribeBackoff: time.Second,
			MaxBackoff:         30 * time.Second,
		},
	}
}
