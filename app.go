package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"visa-bulletin-notifier/check"
	"visa-bulletin-notifier/config"
	"visa-bulletin-notifier/digest"
	"visa-bulletin-notifier/email"
	"visa-bulletin-notifier/hits"
	"visa-bulletin-notifier/notify"
	"visa-bulletin-notifier/scraper"
	bucketstore "visa-bulletin-notifier/storage"
)

// backend is the durable store shared by the notify engine and the counter.
type backend interface {
	notify.Store
	hits.Store
	Close() error
}

// app holds the wired components for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   backend
	engine  *notify.Engine
	counter *hits.Counter
	checker *check.Checker

	closers []func() error
}

// loadApp reads configuration using the command's flags and wires every component.
func loadApp(cmd *cobra.Command) (*app, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := newLogger(cmd.ErrOrStderr(), verbose)

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return newApp(cmd.Context(), cfg, logger)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := a.openStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	policy, err := notify.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	formatter, err := digest.NewFormatter(cfg.Zones)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.engine = notify.New(&notify.Config{
		Store:     store,
		Transport: email.New(provider, logger, cfg.BaseURL),
		Logger:    logger,
		Policy:    policy,
		Workers:   cfg.Workers,
	})
	a.counter = hits.New(store, logger)

	sc := scraper.New(&http.Client{Timeout: cfg.FetchTimeout}, cfg.IndexURL, logger,
		scraper.WithAttempts(cfg.FetchAttempts))

	a.checker = check.New(&check.Config{
		Resolver:   sc,
		Fetcher:    sc,
		Formatter:  formatter,
		Dispatcher: a.engine,
		Recorder:   a.counter,
		Logger:     logger,
	})

	logger.Info("Components initialized",
		"storage", cfg.Storage.Driver,
		"email_provider", cfg.Email.Provider,
		"failure_policy", policy.String(),
		"index_url", cfg.IndexURL)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (backend, error) {
	sc := a.cfg.Storage
	switch sc.Driver {
	case config.StorageSQLite:
		if dir := filepath.Dir(sc.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err := bucketstore.OpenSQL(sc.DatabasePath, a.logger)
		if err != nil {
			return nil, err
		}
		return db, nil

	case config.StorageBucket:
		if sc.LocalPath != "" {
			a.logger.Info("Using local storage", "path", sc.LocalPath)
			if err := os.MkdirAll(sc.LocalPath, 0o750); err != nil {
				return nil, fmt.Errorf("create local storage directory: %w", err)
			}
			return bucketstore.NewBucketStore(nil, "", sc.LocalPath, []byte(sc.TokenSalt), a.logger), nil
		}

		a.logger.Info("Using Cloud Storage", "bucket", sc.Bucket)
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return bucketstore.NewBucketStore(client, sc.Bucket, "", []byte(sc.TokenSalt), a.logger), nil
	}
	return nil, config.ErrInvalidStorageDriver
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	ec := cfg.Email
	switch ec.Provider {
	case config.ProviderMock:
		logger.Warn("Using mock email provider; messages are logged, not sent")
		return email.NewMockProvider(logger), nil
	case config.ProviderGmail:
		svc, err := newGmailService(ctx, ec.GoogleCredentials)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Gmail: %w", err)
		}
		return email.NewGmailProvider(svc, logger), nil
	case config.ProviderBrevo:
		return email.NewBrevoProvider(ec.BrevoAPIKey, ec.From, ec.FromName, logger), nil
	case config.ProviderSMTP:
		return email.NewSMTPProvider(ec.SMTP.Host, ec.SMTP.Port, ec.SMTP.Username, ec.SMTP.Password, ec.From, logger), nil
	}
	return nil, config.ErrInvalidEmailProvider
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := (&http.Client{Timeout: 2 * time.Second}).Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func newGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials; the service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("google credentials required when not running in Cloud Run")
}

// Close releases the store and any clients in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
