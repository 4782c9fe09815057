package email

import (
	"context"
	"log/slog"
	"sync"
)

// Message is one email captured by MockProvider.
type Message struct {
	To      string
	Subject string
	Body    string
}

// MockProvider is a mock email provider for local development and tests.
// It logs each email and keeps a copy.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Message
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Message{To: to, Subject: subject, Body: htmlBody})
	return nil
}

// Sent returns a copy of the captured emails in send order.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
