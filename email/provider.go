// Package email handles sending bulletin emails via multiple providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends bulletin emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// Deliver sends one message. body is the digest HTML without the timestamp
// block; the sender adds the document shell and the site footer.
func (s *Sender) Deliver(ctx context.Context, to, subject, body string) error {
	s.logger.Info("Sending bulletin email",
		"to", to,
		"subject", subject)

	return s.provider.Send(ctx, to, sanitizeEmailHeader(subject), s.formatMessage(to, body))
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
// RFC 5322 headers are newline-delimited, so any newline in a header value
// allows arbitrary headers or body content to be injected.
func sanitizeEmailHeader(s string) string {
	// Remove all CR, LF, and other control characters (ASCII 0-31 and 127)
	var result []rune
	for _, r := range s {
		if r >= 32 && r != 127 {
			result = append(result, r)
		}
	}
	return string(result)
}

// statusError is a non-2xx response from an HTTP email API.
type statusError struct {
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Code)
}

// retryable reports whether a send error may succeed on another attempt.
// Client errors other than 429 are permanent.
func retryable(err error) bool {
	code := 0
	var se *statusError
	var ge *googleapi.Error
	switch {
	case errors.As(err, &se):
		code = se.Code
	case errors.As(err, &ge):
		code = ge.Code
	default:
		return true
	}
	return code == http.StatusTooManyRequests || code >= 500
}

// send runs attempt under the shared retry policy, logging each attempt's
// duration and outcome.
func send(ctx context.Context, logger *slog.Logger, provider, to string, attempt func() error) error {
	return retry.Do(
		func() error {
			start := time.Now()
			err := attempt()
			elapsed := time.Since(start).Milliseconds()
			if err != nil {
				logger.Warn("Email send attempt failed",
					"provider", provider,
					"to", to,
					"duration_ms", elapsed,
					"error", err)
				return err
			}
			logger.Info("Email sent",
				"provider", provider,
				"to", to,
				"duration_ms", elapsed)
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send", "provider", provider, "attempt", n, "error", err)
		}),
	)
}
