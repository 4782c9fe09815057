package config

import "errors"

// Configuration validation errors returned by Config.Validate.
var (
	// ErrNoIndexURL is returned when the upstream index URL is empty or not absolute.
	ErrNoIndexURL = errors.New("invalid index url: must be an absolute http(s) url")

	// ErrInvalidStorageDriver is returned for a storage driver other than sqlite or bucket.
	ErrInvalidStorageDriver = errors.New("invalid storage driver: must be sqlite or bucket")

	// ErrNoDatabasePath is returned when the sqlite driver has no database path.
	ErrNoDatabasePath = errors.New("sqlite storage requires a database path")

	// ErrNoBucket is returned when the bucket driver has neither a bucket nor a local path.
	ErrNoBucket = errors.New("bucket storage requires a bucket name or a local path")

	// ErrNoTokenSalt is returned when Cloud Storage is used without a token salt.
	// Object names are derived from it, so it must stay stable across deploys.
	ErrNoTokenSalt = errors.New("bucket storage requires a token salt")

	// ErrInvalidEmailProvider is returned for an unknown email provider.
	ErrInvalidEmailProvider = errors.New("invalid email provider: must be gmail, brevo, smtp or mock")

	// ErrMissingCredentials is returned when the chosen email provider lacks credentials.
	ErrMissingCredentials = errors.New("email provider is missing credentials")

	// ErrInvalidFailurePolicy is returned for a failure policy other than retain or unsubscribe.
	ErrInvalidFailurePolicy = errors.New("invalid failure policy: must be retain or unsubscribe")

	// ErrInvalidTimeout is returned when the fetch timeout is not positive.
	ErrInvalidTimeout = errors.New("invalid fetch timeout: must be positive")

	// ErrInvalidAttempts is returned when fetch attempts is zero.
	ErrInvalidAttempts = errors.New("invalid fetch attempts: must be at least 1")

	// ErrInvalidWorkers is returned when the delivery worker count is not positive.
	ErrInvalidWorkers = errors.New("invalid workers: must be positive")

	// ErrInvalidZone is returned when a timestamp zone has no label or an unknown location.
	ErrInvalidZone = errors.New("invalid time zone")

	// ErrConfigNotFound is returned when an explicitly named configuration file does not exist.
	ErrConfigNotFound = errors.New("configuration file not found")
)
