package email

import (
	"context"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
)

// SMTPProvider sends emails through an SMTP relay with PLAIN auth.
// smtp.SendMail upgrades to TLS when the server offers STARTTLS.
type SMTPProvider struct {
	host     string
	port     int
	username string
	password string
	fromAddr string
	logger   *slog.Logger

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPProvider creates a new SMTP email provider. fromAddr defaults to username.
func NewSMTPProvider(host string, port int, username, password, fromAddr string, logger *slog.Logger) *SMTPProvider {
	if fromAddr == "" {
		fromAddr = username
	}
	return &SMTPProvider{
		host:     host,
		port:     port,
		username: username,
		password: password,
		fromAddr: fromAddr,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

// Send sends an email via SMTP.
func (p *SMTPProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := []byte(buildMIME(p.fromAddr, to, subject, htmlBody))
	addr := net.JoinHostPort(p.host, strconv.Itoa(p.port))

	var auth smtp.Auth
	if p.username != "" {
		auth = smtp.PlainAuth("", p.username, p.password, p.host)
	}

	return send(ctx, p.logger, "smtp", to, func() error {
		return p.sendMail(addr, auth, p.fromAddr, []string{sanitizeEmailHeader(to)}, msg)
	})
}
