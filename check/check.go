// Package check runs one bulletin check cycle: resolve the current edition,
// extract its table, render the digest, notify subscribers and count the request.
package check

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"visa-bulletin-notifier/digest"
	"visa-bulletin-notifier/notify"
	"visa-bulletin-notifier/pkg/bulletin"
	"visa-bulletin-notifier/scraper"
)

// Resolver determines the current edition from the upstream index.
type Resolver interface {
	Resolve(ctx context.Context, now time.Time) (*scraper.Resolution, error)
}

// Fetcher extracts the target table from a bulletin page.
type Fetcher interface {
	FetchBulletin(ctx context.Context, link string) ([]bulletin.Row, error)
}

// Dispatcher delivers a notice to every subscriber still due for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *notify.Notice) (*notify.Report, error)
}

// Recorder counts check requests.
type Recorder interface {
	Update(ctx context.Context, now time.Time) (bulletin.Counters, error)
}

// Result is the outcome of one cycle. It is always well formed: failures in
// the resolve or extract path produce a degraded digest instead of an error.
type Result struct {
	Digest   *digest.Digest
	Bulletin *bulletin.Bulletin // Nil when degraded
	Report   *notify.Report     // Nil when nothing was dispatched
	Err      error              // Cause of a degraded result
	RunID    string
	Counters bulletin.Counters
}

// Degraded reports whether the cycle failed to produce a bulletin.
func (r *Result) Degraded() bool {
	return r.Bulletin == nil
}

// EditionKey is the resolved edition key, or "" when degraded.
func (r *Result) EditionKey() string {
	if r.Degraded() {
		return ""
	}
	return r.Bulletin.Edition.Key()
}

// Notice is the message subscribers receive for this result, or nil when degraded.
func (r *Result) Notice() *notify.Notice {
	if r.Degraded() {
		return nil
	}
	return &notify.Notice{
		Edition: r.Bulletin.Edition,
		Subject: r.Digest.Subject(),
		Body:    r.Digest.Body(),
	}
}

// Checker runs check cycles.
type Checker struct {
	resolver   Resolver
	fetcher    Fetcher
	formatter  *digest.Formatter
	dispatcher Dispatcher
	recorder   Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// Config holds checker configuration.
type Config struct {
	Resolver   Resolver
	Fetcher    Fetcher
	Formatter  *digest.Formatter
	Dispatcher Dispatcher       // Optional; nil skips notification
	Recorder   Recorder         // Optional; nil skips counting
	Logger     *slog.Logger
	Now        func() time.Time // Defaults to time.Now
}

// New creates a new checker.
func New(cfg *Config) *Checker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Checker{
		resolver:   cfg.Resolver,
		fetcher:    cfg.Fetcher,
		formatter:  cfg.Formatter,
		dispatcher: cfg.Dispatcher,
		recorder:   cfg.Recorder,
		logger:     cfg.Logger,
		now:        now,
	}
}

// Build resolves, extracts and renders the current bulletin without touching
// subscribers or counters.
func (c *Checker) Build(ctx context.Context) *Result {
	runID := uuid.NewString()
	return c.build(ctx, c.logger.With("run_id", runID), runID, c.now())
}

func (c *Checker) build(ctx context.Context, logger *slog.Logger, runID string, now time.Time) (res *Result) {
	res = &Result{RunID: runID}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Check panicked", "panic", r)
			res.Bulletin = nil
			res.Err = fmt.Errorf("internal error: %v", r)
			res.Digest = c.formatter.Degraded(res.Err, now)
		}
	}()

	b, err := c.resolveAndExtract(ctx, logger, now)
	if err != nil {
		logger.Warn("Check degraded", "error", err, "fetch_error", scraper.IsFetchError(err), "structure_error", scraper.IsStructureError(err))
		res.Err = err
		res.Digest = c.formatter.Degraded(err, now)
		return res
	}

	res.Bulletin = b
	res.Digest = c.formatter.Render(b, now)
	logger.Info("Bulletin rendered",
		"edition", b.Edition.Key(),
		"is_current", b.IsCurrent,
		"rows", len(b.Rows))
	return res
}

func (c *Checker) resolveAndExtract(ctx context.Context, logger *slog.Logger, now time.Time) (*bulletin.Bulletin, error) {
	logger.Info("Resolving current edition", "now", now.Format(time.RFC3339))

	res, err := c.resolver.Resolve(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("resolve edition: %w", err)
	}

	rows, err := c.fetcher.FetchBulletin(ctx, res.Link)
	if err != nil {
		return nil, fmt.Errorf("extract table: %w", err)
	}

	return &bulletin.Bulletin{
		Edition:    res.Edition,
		SourceLink: res.Link,
		IsCurrent:  res.IsCurrent,
		Rows:       rows,
	}, nil
}

// Check runs one full cycle: Build, then dispatch to due subscribers when a
// bulletin was resolved, then count the request. The request is counted
// whether or not the cycle degraded.
func (c *Checker) Check(ctx context.Context) *Result {
	runID := uuid.NewString()
	logger := c.logger.With("run_id", runID)
	now := c.now()
	start := time.Now()

	res := c.build(ctx, logger, runID, now)

	if !res.Degraded() && c.dispatcher != nil {
		report, err := c.dispatch(ctx, res.Notice())
		if err != nil {
			logger.Error("Dispatch failed", "edition", res.EditionKey(), "error", err)
		}
		res.Report = report
	}

	if c.recorder != nil {
		counters, err := c.recorder.Update(ctx, now)
		if err != nil {
			logger.Error("Failed to record check request", "error", err)
		}
		res.Counters = counters
	}

	logger.Info("Check completed",
		"edition", res.EditionKey(),
		"degraded", res.Degraded(),
		"duration_ms", time.Since(start).Milliseconds())
	return res
}

func (c *Checker) dispatch(ctx context.Context, n *notify.Notice) (report *notify.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()
	return c.dispatcher.Dispatch(ctx, n)
}
