package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// buildMIME assembles a single-part HTML message. The subject is
// Q-encoded so non-ASCII edition names survive transport.
func buildMIME(from, to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	if from != "" {
		msg.WriteString(fmt.Sprintf("From: %s\r\n", sanitizeEmailHeader(from)))
	}
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(subject))))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return msg.String()
}

// Send sends an email as the authenticated account, which Gmail uses as From.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(buildMIME("", to, subject, htmlBody))),
	}
	return send(ctx, g.logger, "gmail", to, func() error {
		_, err := g.service.Users.Messages.Send("me", msg).Context(ctx).Do()
		return err
	})
}
