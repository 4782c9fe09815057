package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails via Brevo (formerly Sendinblue) API.
type BrevoProvider struct {
	apiKey   string
	fromAddr string
	fromName string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// BrevoOption configures a BrevoProvider.
type BrevoOption func(*BrevoProvider)

// WithBrevoEndpoint overrides the API endpoint.
func WithBrevoEndpoint(endpoint string) BrevoOption {
	return func(b *BrevoProvider) { b.endpoint = endpoint }
}

// WithBrevoClient overrides the HTTP client.
func WithBrevoClient(client *http.Client) BrevoOption {
	return func(b *BrevoProvider) { b.client = client }
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger, opts ...BrevoOption) *BrevoProvider {
	b := &BrevoProvider{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		endpoint: brevoEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// brevoSendRequest represents the Brevo API send email request.
type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Send posts one transactional email to the Brevo API.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  brevoContact{Email: b.fromAddr, Name: b.fromName},
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return send(ctx, b.logger, "brevo", to, func() error {
		return b.post(ctx, payload)
	})
}

func (b *BrevoProvider) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		b.logger.Debug("Brevo rejected message", "status_code", resp.StatusCode, "detail", string(detail))
		return &statusError{Code: resp.StatusCode}
	}
	return nil
}
