// Package notify delivers Stargate notifications to named aliases,
// resolving each alias to one or more (method, address) recipients and
// dispatching them by method. Only the "email" method is implemented,
// sent via stdlib net/smtp (spec.md §1 treats the SMTP client itself as an
// external collaborator; no mail library appears anywhere in the reference
// pack to ground a third-party choice here).
package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"

	"github.com/metamatt/stargate/internal/config"
)

const methodEmail = "email"

var errUnknownAlias = errors.New("notify: unknown alias")

// Notifier resolves aliases to recipients and sends notifications,
// satisfying internal/synth's Notifier interface.
type Notifier struct {
	logger *slog.Logger
	cfg    config.NotificationsConfig
}

// New builds a Notifier from the decoded notifications.* configuration.
func New(logger *slog.Logger, cfg config.NotificationsConfig) *Notifier {
	return &Notifier{
		logger: logger.With(slog.String("component", "notify")),
		cfg:    cfg,
	}
}

// Notify sends subject/body to every recipient configured for alias. An
// unknown alias is logged and returned as an error; a malformed recipient or
// one using an unsupported method is logged and skipped. Neither is fatal,
// mirroring the original implementation's "no notify alias configured"
// warning rather than a crash. Errors from individual sends are joined and
// returned.
func (n *Notifier) Notify(ctx context.Context, alias, subject, body string) error {
	recipients, ok := n.cfg.Recipients[alias]
	if !ok {
		n.logger.Error("no recipients configured for alias", slog.String("alias", alias))
		return fmt.Errorf("%w: %s", errUnknownAlias, alias)
	}

	var errs error
	for _, r := range recipients {
		if !r.Valid() {
			n.logger.Error("malformed recipient entry", slog.String("alias", alias), slog.Any("recipient", r))
			continue
		}

		switch r.Method() {
		case methodEmail:
			if err := n.sendEmail(ctx, r.Address(), subject, body); err != nil {
				n.logger.Error("sending email notification", slog.String("alias", alias), slog.String("address", r.Address()), slog.Any("error", err))
				errs = errors.Join(errs, err)
			}
		default:
			n.logger.Error("no handler for notification method", slog.String("alias", alias), slog.String("method", r.Method()))
		}
	}
	return errs
}

// CanNotify reports whether alias has at least one recipient and every
// method it uses is fully configured.
func (n *Notifier) CanNotify(alias string) bool {
	recipients, ok := n.cfg.Recipients[alias]
	if !ok || len(recipients) == 0 {
		return false
	}
	for _, r := range recipients {
		if !r.Valid() || !n.isConfiguredFor(r.Method()) {
			return false
		}
	}
	return true
}

func (n *Notifier) isConfiguredFor(method string) bool {
	switch method {
	case methodEmail:
		return n.cfg.Email.SMTPHost != "" && n.cfg.Email.Sender != ""
	default:
		return false
	}
}

func (n *Notifier) sendEmail(ctx context.Context, address, subject, body string) error {
	if n.cfg.Email.SMTPHost == "" || n.cfg.Email.Sender == "" {
		return fmt.Errorf("notify: email not configured")
	}
	if subject == "" {
		subject = "Stargate notification"
	}

	msg := buildMessage(n.cfg.Email.Sender, address, subject, body)

	host, _, err := net.SplitHostPort(n.cfg.Email.SMTPHost)
	if err != nil {
		host = n.cfg.Email.SMTPHost
	}

	var auth smtp.Auth
	if n.cfg.Email.Authenticate != nil {
		auth = smtp.PlainAuth("", n.cfg.Email.Authenticate.Username, n.cfg.Email.Authenticate.Password, host)
	}

	if n.cfg.Email.UseSSL {
		return sendSSL(ctx, n.cfg.Email.SMTPHost, host, auth, n.cfg.Email.Sender, address, msg)
	}
	return smtp.SendMail(n.cfg.Email.SMTPHost, auth, n.cfg.Email.Sender, []string{address}, msg)
}

// sendSSL delivers msg over an implicit-TLS connection (smtps), a mode
// net/smtp's SendMail helper does not support directly.
func sendSSL(ctx context.Context, addr, tlsServerName string, auth smtp.Auth, from, to string, msg []byte) error {
	dialer := tls.Dialer{Config: &tls.Config{ServerName: tlsServerName}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("notify: dial smtps %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, tlsServerName)
	if err != nil {
		return fmt.Errorf("notify: smtp handshake: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("notify: smtp auth: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("notify: MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("notify: RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify: DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("notify: writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notify: closing message: %w", err)
	}
	return client.Quit()
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
