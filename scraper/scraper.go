// Package scraper handles fetching the visa bulletin index and bulletin pages.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"visa-bulletin-notifier/pkg/bulletin"
)

// DefaultIndexURL is the publisher page that links to the current bulletin.
const DefaultIndexURL = "https://travel.state.gov/content/travel/en/legal/visa-law0/visa-bulletin.html"

const defaultAttempts = 3

// Scraper fetches and parses bulletin pages.
type Scraper struct {
	client   *http.Client
	logger   *slog.Logger
	indexURL string
	attempts uint
	delay    time.Duration
}

// Option configures a Scraper.
type Option func(*Scraper)

// WithAttempts sets the retry budget for each page fetch.
func WithAttempts(n uint) Option {
	return func(s *Scraper) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithRetryDelay sets the base delay between fetch attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Scraper) {
		if d > 0 {
			s.delay = d
		}
	}
}

// New creates a new scraper for the given index page.
func New(client *http.Client, indexURL string, logger *slog.Logger, opts ...Option) *Scraper {
	if indexURL == "" {
		indexURL = DefaultIndexURL
	}
	s := &Scraper{
		client:   client,
		logger:   logger,
		indexURL: indexURL,
		attempts: defaultAttempts,
		delay:    time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IndexURL returns the index page this scraper resolves against.
func (s *Scraper) IndexURL() string {
	return s.indexURL
}

// fetchDocument GETs pageURL and parses it. Transport failures and 5xx
// responses are retried within the attempt budget; other non-2xx responses are not.
func (s *Scraper) fetchDocument(ctx context.Context, pageURL, purpose string) (*goquery.Document, error) {
	var doc *goquery.Document

	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", purpose)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(&FetchError{URL: pageURL, Err: err})
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return &FetchError{URL: pageURL, Err: err}
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return &FetchError{URL: pageURL, StatusCode: resp.StatusCode}
			}

			doc, err = goquery.NewDocumentFromReader(resp.Body)
			if err != nil {
				return retry.Unrecoverable(&ParseError{What: pageURL, Err: err})
			}
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(s.delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "url", pageURL, "error", err)
		}),
		retry.RetryIf(isRetryable),
	)
	if err != nil {
		// Context cancellation surfaces as a fetch failure for the page.
		var fe *FetchError
		var pe *ParseError
		if !errors.As(err, &fe) && !errors.As(err, &pe) {
			return nil, &FetchError{URL: pageURL, Err: err}
		}
		return nil, err
	}

	return doc, nil
}

func isRetryable(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.StatusCode == 0 || fe.StatusCode >= 500 || fe.StatusCode == http.StatusTooManyRequests
}

// FetchBulletin fetches a bulletin page and extracts its target table.
func (s *Scraper) FetchBulletin(ctx context.Context, link string) ([]bulletin.Row, error) {
	doc, err := s.fetchDocument(ctx, link, "fetch_bulletin_page")
	if err != nil {
		return nil, fmt.Errorf("bulletin page: %w", err)
	}

	rows, err := ExtractTable(doc)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Bulletin table extracted", "url", link, "rows", len(rows))
	return rows, nil
}
