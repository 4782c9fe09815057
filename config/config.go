// Package config loads service configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Zone validation must not depend on the host's zoneinfo.

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"visa-bulletin-notifier/digest"
	"visa-bulletin-notifier/scraper"
)

// DefaultConfigFile is read when no --config flag is given and the file exists.
const DefaultConfigFile = "bulletin.yaml"

const (
	// StorageSQLite keeps state in a SQLite database file.
	StorageSQLite = "sqlite"
	// StorageBucket keeps state as JSON objects in Cloud Storage or a local directory.
	StorageBucket = "bucket"
)

// Email providers.
const (
	ProviderMock  = "mock"
	ProviderGmail = "gmail"
	ProviderBrevo = "brevo"
	ProviderSMTP  = "smtp"
)

// Zone is a labeled time zone for the timestamp block. YAML keys are
// "label" and "location".
type Zone = digest.Zone

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	Driver       string `yaml:"driver"`        // sqlite or bucket
	DatabasePath string `yaml:"database_path"` // sqlite
	Bucket       string `yaml:"bucket"`        // Cloud Storage bucket
	LocalPath    string `yaml:"local_path"`    // Local directory instead of a bucket
	TokenSalt    string `yaml:"token_salt"`    // HMAC salt for object names
}

// SMTPConfig configures the SMTP provider.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Port     int    `yaml:"port"`
}

// EmailConfig selects and configures the delivery transport.
type EmailConfig struct {
	Provider          string     `yaml:"provider"`
	From              string     `yaml:"from"`
	FromName          string     `yaml:"from_name"`
	BrevoAPIKey       string     `yaml:"brevo_api_key"`
	GoogleCredentials string     `yaml:"google_credentials_json"`
	SMTP              SMTPConfig `yaml:"smtp"`
}

// Config is the complete service configuration.
type Config struct {
	IndexURL      string        `yaml:"index_url"`
	BaseURL       string        `yaml:"base_url"`
	Port          string        `yaml:"port"`
	FailurePolicy string        `yaml:"failure_policy"`
	Schedule      string        `yaml:"schedule"`          // Optional cron spec for serve
	ScheduleZone  string        `yaml:"schedule_timezone"` // IANA zone the schedule runs in
	Storage       StorageConfig `yaml:"storage"`
	Email         EmailConfig   `yaml:"email"`
	Zones         []Zone        `yaml:"zones"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	FetchAttempts uint          `yaml:"fetch_attempts"`
	Workers       int           `yaml:"workers"`
}

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	return &Config{
		IndexURL:      scraper.DefaultIndexURL,
		BaseURL:       "http://localhost:8080",
		Port:          "8080",
		FailurePolicy: "retain",
		ScheduleZone:  "UTC",
		Storage: StorageConfig{
			Driver:       StorageSQLite,
			DatabasePath: "./data/bulletin.db",
		},
		Email: EmailConfig{
			Provider: ProviderMock,
			SMTP: SMTPConfig{
				Host: "smtp.gmail.com",
				Port: 587,
			},
		},
		Zones:         slices.Clone(digest.DefaultZones),
		FetchTimeout:  30 * time.Second,
		FetchAttempts: 3,
		Workers:       4,
	}
}

// Load builds the configuration: defaults, then the YAML file at path, then
// environment overrides. An empty path reads DefaultConfigFile if it exists.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if explicit {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("INDEX_URL", &c.IndexURL)
	str("BASE_URL", &c.BaseURL)
	str("PORT", &c.Port)
	str("FAILURE_POLICY", &c.FailurePolicy)
	str("CHECK_SCHEDULE", &c.Schedule)
	str("CHECK_SCHEDULE_TZ", &c.ScheduleZone)

	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("DATABASE_PATH", &c.Storage.DatabasePath)
	str("TOKEN_SALT", &c.Storage.TokenSalt)
	// Either bucket variable implies the bucket driver.
	if v, ok := lookup("STORAGE_BUCKET"); ok && v != "" {
		c.Storage.Bucket = v
		c.Storage.Driver = StorageBucket
	}
	if v, ok := lookup("LOCAL_STORAGE"); ok && v != "" {
		c.Storage.LocalPath = v
		c.Storage.Driver = StorageBucket
	}

	str("EMAIL_PROVIDER", &c.Email.Provider)
	str("EMAIL_FROM", &c.Email.From)
	str("EMAIL_FROM_NAME", &c.Email.FromName)
	str("BREVO_API_KEY", &c.Email.BrevoAPIKey)
	str("GOOGLE_CREDENTIALS_JSON", &c.Email.GoogleCredentials)
	str("SMTP_HOST", &c.Email.SMTP.Host)
	str("SMTP_USER", &c.Email.SMTP.Username)
	str("SMTP_PASS", &c.Email.SMTP.Password)

	if v, ok := lookup("SMTP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SMTP_PORT: %w", err)
		}
		c.Email.SMTP.Port = port
	}
	if v, ok := lookup("FETCH_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FETCH_TIMEOUT: %w", err)
		}
		c.FetchTimeout = d
	}
	if v, ok := lookup("DELIVERY_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DELIVERY_WORKERS: %w", err)
		}
		c.Workers = n
	}
	return nil
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	u, err := url.Parse(c.IndexURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrNoIndexURL
	}

	switch c.Storage.Driver {
	case StorageSQLite:
		if c.Storage.DatabasePath == "" {
			return ErrNoDatabasePath
		}
	case StorageBucket:
		if c.Storage.Bucket == "" && c.Storage.LocalPath == "" {
			return ErrNoBucket
		}
		if c.Storage.LocalPath == "" && c.Storage.TokenSalt == "" {
			return ErrNoTokenSalt
		}
	default:
		return ErrInvalidStorageDriver
	}

	switch c.Email.Provider {
	case ProviderMock:
	case ProviderGmail:
		// Empty credentials fall back to Application Default Credentials.
	case ProviderBrevo:
		if c.Email.BrevoAPIKey == "" || c.Email.From == "" {
			return fmt.Errorf("%w: brevo needs an api key and a from address", ErrMissingCredentials)
		}
	case ProviderSMTP:
		if c.Email.SMTP.Host == "" || c.Email.SMTP.Port <= 0 {
			return fmt.Errorf("%w: smtp needs a host and port", ErrMissingCredentials)
		}
		if c.Email.SMTP.Username == "" && c.Email.From == "" {
			return fmt.Errorf("%w: smtp needs a username or a from address", ErrMissingCredentials)
		}
	default:
		return ErrInvalidEmailProvider
	}

	switch strings.ToLower(strings.TrimSpace(c.FailurePolicy)) {
	case "", "retain", "unsubscribe":
	default:
		return ErrInvalidFailurePolicy
	}

	if c.FetchTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.FetchAttempts == 0 {
		return ErrInvalidAttempts
	}
	if c.Workers <= 0 {
		return ErrInvalidWorkers
	}

	for _, z := range c.Zones {
		if z.Label == "" {
			return fmt.Errorf("%w: zone %q has no label", ErrInvalidZone, z.Location)
		}
		if _, err := time.LoadLocation(z.Location); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidZone, z.Label, err)
		}
	}

	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
		}
	}
	if _, err := time.LoadLocation(c.ScheduleZone); err != nil {
		return fmt.Errorf("%w: schedule: %w", ErrInvalidZone, err)
	}

	return nil
}

// ScheduleLocation returns the zone the cron schedule runs in.
func (c *Config) ScheduleLocation() *time.Location {
	loc, err := time.LoadLocation(c.ScheduleZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
